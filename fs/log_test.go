package fs

import (
	"testing"

	"kern/mem"
	"kern/util"
)

// TestLogCommitInstallsHomeBlocks drives a whole transaction through
// the log and checks the home block lands on disk with the header
// cleared behind it.
func TestLogCommitInstallsHomeBlocks(t *testing.T) {
	fsys, d := mkTestFs(t)
	home := 100

	fsys.BeginTx()
	g, err := fsys.bc.Get(home)
	if err != 0 {
		t.Fatalf("Get failed: %v", err)
	}
	g.Value().Data[0] = 0xab
	fsys.writeLogged(g)
	g.Done()
	fsys.EndTx()

	if got := d.rawByte(home, 0); got != 0xab {
		t.Errorf("home block byte = %#x after commit, want 0xab", got)
	}
	logstart := fsys.Super.Logstart()
	if got := d.rawByte(logstart, 0); got != 0 {
		t.Errorf("log header count = %d after commit, want 0", got)
	}
	// the log body must carry the staged copy: the commit wrote it
	// before the header, which is what makes the header the atomic
	// switch-over point.
	if got := d.rawByte(logstart+1, 0); got != 0xab {
		t.Errorf("log body byte = %#x, want staged 0xab", got)
	}
}

func TestLogDeduplicatesRepeatedWrites(t *testing.T) {
	fsys, _ := mkTestFs(t)
	fsys.BeginTx()
	for i := 0; i < 5; i++ {
		g, err := fsys.bc.Get(101)
		if err != 0 {
			t.Fatalf("Get failed: %v", err)
		}
		g.Value().Data[i] = uint8(i + 1)
		fsys.writeLogged(g)
		g.Done()
	}
	if n := len(fsys.log.blocks); n != 1 {
		t.Errorf("log recorded %d entries for one block, want 1", n)
	}
	fsys.EndTx()
}

func TestLogGroupCommit(t *testing.T) {
	fsys, d := mkTestFs(t)

	fsys.BeginTx()
	fsys.BeginTx() // a second concurrent operation joins the epoch

	g, err := fsys.bc.Get(110)
	if err != 0 {
		t.Fatalf("Get failed: %v", err)
	}
	g.Value().Data[0] = 1
	fsys.writeLogged(g)
	g.Done()
	fsys.EndTx()

	// the first EndTx must not have committed: an operation is still
	// outstanding.
	if got := d.rawByte(110, 0); got != 0 {
		t.Error("commit ran while an operation was still outstanding")
	}

	g, err = fsys.bc.Get(111)
	if err != 0 {
		t.Fatalf("Get failed: %v", err)
	}
	g.Value().Data[0] = 2
	fsys.writeLogged(g)
	g.Done()
	fsys.EndTx()

	if got := d.rawByte(110, 0); got != 1 {
		t.Errorf("block 110 byte = %d after group commit, want 1", got)
	}
	if got := d.rawByte(111, 0); got != 2 {
		t.Errorf("block 111 byte = %d after group commit, want 2", got)
	}
}

// stageCommittedCrash plants the on-disk state of a crash that happened
// after the commit point: log bodies and a header describing them are
// down, home blocks still hold old content.
func stageCommittedCrash(d *memDisk_t, logstart int, homes []int, bodyByte uint8) {
	hdr := &mem.Bytepg_t{}
	util.Writen(hdr[:], 4, 0, len(homes))
	for i, h := range homes {
		util.Writen(hdr[:], 4, 4*(i+1), h)
		body := &mem.Bytepg_t{}
		body[0] = bodyByte
		d.rawSet(logstart+1+i, body)
	}
	d.rawSet(logstart, hdr)
}

// TestRecoveryInstallsCommittedTransaction is the post-crash half of
// the atomicity property: a header that made it to disk means the
// whole transaction reappears.
func TestRecoveryInstallsCommittedTransaction(t *testing.T) {
	d := mkMemDisk()
	pm := mem.NewPageManager(4096)
	bc := NewBufCache(64, pm, d)
	sb := Format(bc, testDiskBlocks, testNinodes, testNlog)

	old := &mem.Bytepg_t{}
	old[0] = 0x01
	d.rawSet(120, old)
	d.rawSet(121, old)
	stageCommittedCrash(d, sb.Logstart(), []int{120, 121}, 0x02)

	// remount with a cold cache: NewFs replays the log.
	bc2 := NewBufCache(64, mem.NewPageManager(4096), d)
	NewFs(sb, bc2, 32)

	for _, h := range []int{120, 121} {
		if got := d.rawByte(h, 0); got != 0x02 {
			t.Errorf("home block %d byte = %#x after recovery, want 0x02", h, got)
		}
	}
	if got := d.rawByte(sb.Logstart(), 0); got != 0 {
		t.Errorf("log header count = %d after recovery, want 0", got)
	}
}

// TestRecoveryIgnoresUncommittedTransaction is the pre-commit half: log
// bodies without a header are as if the transaction never happened.
func TestRecoveryIgnoresUncommittedTransaction(t *testing.T) {
	d := mkMemDisk()
	pm := mem.NewPageManager(4096)
	bc := NewBufCache(64, pm, d)
	sb := Format(bc, testDiskBlocks, testNinodes, testNlog)

	old := &mem.Bytepg_t{}
	old[0] = 0x01
	d.rawSet(120, old)
	// bodies staged, header never written: the crash hit before the
	// commit point.
	body := &mem.Bytepg_t{}
	body[0] = 0x02
	d.rawSet(sb.Logstart()+1, body)

	bc2 := NewBufCache(64, mem.NewPageManager(4096), d)
	NewFs(sb, bc2, 32)

	if got := d.rawByte(120, 0); got != 0x01 {
		t.Errorf("home block byte = %#x after recovery, want untouched 0x01", got)
	}
}

// TestRecoveryIsIdempotent replays the same committed transaction
// twice, as a crash during recovery itself would.
func TestRecoveryIsIdempotent(t *testing.T) {
	d := mkMemDisk()
	pm := mem.NewPageManager(4096)
	bc := NewBufCache(64, pm, d)
	sb := Format(bc, testDiskBlocks, testNinodes, testNlog)

	stageCommittedCrash(d, sb.Logstart(), []int{130}, 0x09)
	NewFs(sb, NewBufCache(64, mem.NewPageManager(4096), d), 32)

	// crash "during" the first recovery, after install but before the
	// header clear: stage the same header again and recover once more.
	stageCommittedCrash(d, sb.Logstart(), []int{130}, 0x09)
	NewFs(sb, NewBufCache(64, mem.NewPageManager(4096), d), 32)

	if got := d.rawByte(130, 0); got != 0x09 {
		t.Errorf("home block byte = %#x after double recovery, want 0x09", got)
	}
	if got := d.rawByte(sb.Logstart(), 0); got != 0 {
		t.Errorf("log header count = %d, want 0", got)
	}
}
