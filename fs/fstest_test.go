package fs

import (
	"sync"
	"testing"

	"kern/defs"
	"kern/mem"
	"kern/ustr"
)

// memDisk_t is an in-memory Disk_i double that also counts per-block
// reads and writes, which several invariants below are stated in terms
// of (a cache hit is exactly "the device saw no new read").
type memDisk_t struct {
	mu     sync.Mutex
	blocks map[int]*mem.Bytepg_t
	reads  map[int]int
	writes map[int]int
}

func mkMemDisk() *memDisk_t {
	return &memDisk_t{
		blocks: make(map[int]*mem.Bytepg_t),
		reads:  make(map[int]int),
		writes: make(map[int]int),
	}
}

func (d *memDisk_t) Start(req *Bdev_req_t) bool {
	d.mu.Lock()
	for b := req.Blks.FrontBlock(); b != nil; b = req.Blks.NextBlock() {
		switch req.Cmd {
		case BDEV_READ:
			if pg, ok := d.blocks[b.Block]; ok {
				*b.Data = *pg
			} else {
				*b.Data = mem.Bytepg_t{}
			}
			d.reads[b.Block]++
		case BDEV_WRITE:
			pg := &mem.Bytepg_t{}
			*pg = *b.Data
			d.blocks[b.Block] = pg
			d.writes[b.Block]++
		}
	}
	d.mu.Unlock()
	if req.Cmd == BDEV_WRITE {
		for b := req.Blks.FrontBlock(); b != nil; b = req.Blks.NextBlock() {
			b.Done("memdisk")
		}
	}
	req.AckCh <- true
	return true
}

func (d *memDisk_t) Stats() string { return "memdisk" }

func (d *memDisk_t) readCount(bn int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads[bn]
}

// rawByte reads a byte straight out of the backing store, bypassing
// every cache layer.
func (d *memDisk_t) rawByte(bn, off int) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	pg, ok := d.blocks[bn]
	if !ok {
		return 0
	}
	return pg[off]
}

// rawSet overwrites a whole block in the backing store, used to stage
// pre-crash disk states for recovery tests.
func (d *memDisk_t) rawSet(bn int, pg *mem.Bytepg_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := &mem.Bytepg_t{}
	*cp = *pg
	d.blocks[bn] = cp
}

const (
	testDiskBlocks = 256
	testNinodes    = 64
	testNlog       = 32
)

// mkTestFs formats a fresh in-memory disk and mounts it.
func mkTestFs(t *testing.T) (*Fs_t, *memDisk_t) {
	t.Helper()
	d := mkMemDisk()
	pm := mem.NewPageManager(4096)
	bc := NewBufCache(64, pm, d)
	sb := Format(bc, testDiskBlocks, testNinodes, testNlog)
	return NewFs(sb, bc, 32), d
}

// sizedbuf_t is a Userio_i that only has a size; Iwrite's length checks
// run before any data moves, which is all the too-large tests need.
type sizedbuf_t struct {
	n int
}

func (s *sizedbuf_t) Uioread(dst []uint8) (int, defs.Err_t)  { panic("sizedbuf read") }
func (s *sizedbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { panic("sizedbuf write") }
func (s *sizedbuf_t) Remain() int                            { return s.n }
func (s *sizedbuf_t) Totalsz() int                           { return s.n }

// mkfile allocates a regular-file (I_FILE) inode, links it under dir, and
// writes contents into it, the same sequence the open(O_CREAT) syscall
// performs.
func mkfile(t *testing.T, fsys *Fs_t, dir *Inode_t, name string, contents []byte) int {
	t.Helper()
	fsys.BeginTx()
	defer fsys.EndTx()
	ig, err := fsys.Ialloc(I_FILE)
	if err != 0 {
		t.Fatalf("Ialloc failed: %v", err)
	}
	defer ig.Done()
	ip := ig.Value()
	ip.Nlink = 1
	ip.Update()
	if err := fsys.Dirlink(dir, ustr.Ustr(name), ip.Ino); err != 0 {
		t.Fatalf("Dirlink(%s) failed: %v", name, err)
	}
	if len(contents) > 0 {
		if n, err := ip.Iwrite(&direntbuf_t{buf: contents}, 0); err != 0 || n != len(contents) {
			t.Fatalf("Iwrite(%s) wrote %d of %d, err %v", name, n, len(contents), err)
		}
	}
	return ip.Ino
}

// mkdirIn creates a subdirectory with its "." and ".." entries, the
// mkdir syscall's sequence.
func mkdirIn(t *testing.T, fsys *Fs_t, dir *Inode_t, name string) int {
	t.Helper()
	fsys.BeginTx()
	defer fsys.EndTx()
	ig, err := fsys.Ialloc(I_DIR)
	if err != 0 {
		t.Fatalf("Ialloc(dir) failed: %v", err)
	}
	defer ig.Done()
	child := ig.Value()
	child.Nlink = 2
	child.Update()
	if err := fsys.Dirlink(child, ustr.MkUstrDot(), child.Ino); err != 0 {
		t.Fatalf("Dirlink(.) failed: %v", err)
	}
	if err := fsys.Dirlink(child, ustr.DotDot, dir.Ino); err != 0 {
		t.Fatalf("Dirlink(..) failed: %v", err)
	}
	if err := fsys.Dirlink(dir, ustr.Ustr(name), child.Ino); err != 0 {
		t.Fatalf("Dirlink(%s) failed: %v", name, err)
	}
	dir.Nlink++
	dir.Update()
	return child.Ino
}

// readAll reads the whole file back through the inode layer.
func readAll(t *testing.T, fsys *Fs_t, ino int) []byte {
	t.Helper()
	g, err := fsys.Iget(ino)
	if err != 0 {
		t.Fatalf("Iget(%d) failed: %v", ino, err)
	}
	defer g.Done()
	ip := g.Value()
	buf := make([]byte, ip.Size)
	if n, err := ip.Iread(&direntbuf_t{buf: buf}, 0); err != 0 || n != len(buf) {
		t.Fatalf("Iread returned %d of %d, err %v", n, len(buf), err)
	}
	return buf
}
