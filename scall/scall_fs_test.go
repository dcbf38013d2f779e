package scall

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"kern/defs"
	"kern/fd"
	"kern/fs"
	"kern/mem"
	"kern/proc"
	"kern/ustr"
	"kern/virtio"
	"kern/vm"
)

const (
	imgBlocks  = 1024
	imgNinodes = 128
	imgNlog    = 32
)

// mountTestFs stands a whole storage stack up — file-backed virtio
// disk, buffer cache, formatted and mounted filesystem — and installs
// it as RootFs for the duration of the test.
func mountTestFs(t *testing.T) (*fs.Fs_t, *mem.PageManager_t) {
	t.Helper()
	backing, err := virtio.NewFileBacked(filepath.Join(t.TempDir(), "fs.img"), int64(imgBlocks)*int64(fs.BSIZE))
	if err != nil {
		t.Fatalf("cannot create disk image: %v", err)
	}
	disk := virtio.NewDisk(backing)
	pm := mem.NewPageManager(8192)
	bc := fs.NewBufCache(128, pm, disk)
	sb := fs.Format(bc, imgBlocks, imgNinodes, imgNlog)
	fsys := fs.NewFs(sb, bc, 64)

	prev := RootFs
	RootFs = fsys
	t.Cleanup(func() {
		RootFs = prev
		disk.Close()
		backing.Close()
	})
	return fsys, pm
}

// spawnOnFs runs body as a process whose cwd is the mounted root.
func spawnOnFs(t *testing.T, fsys *fs.Fs_t, pm *mem.PageManager_t, body func(p *proc.ProcSlot_t)) {
	t.Helper()
	cwd := fd.MkRootCwd(&fd.Fd_t{
		Fops:  fd.MkInodeFile(fsys, fs.RootIno, false),
		Perms: fd.FD_READ,
	})
	done := make(chan struct{})
	_, err := proc.Spawn(pm, cwd, "fstest", func(p *proc.ProcSlot_t) {
		body(p)
		close(done)
	})
	if err != 0 {
		t.Fatalf("spawn failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("test body never finished")
	}
}

func writeString(t *testing.T, pp *proc.ProcPrivate_t, fdno int, s string) {
	t.Helper()
	var fb vm.Fakeubuf_t
	fb.Fake_init([]byte(s))
	n, err := pp.Fds[fdno].Fops.Write(&fb)
	if err != 0 || n != len(s) {
		t.Fatalf("write moved %d of %d, err %v", n, len(s), err)
	}
}

func readString(t *testing.T, pp *proc.ProcPrivate_t, fdno, n int) string {
	t.Helper()
	buf := make([]byte, n)
	var fb vm.Fakeubuf_t
	fb.Fake_init(buf)
	got, err := pp.Fds[fdno].Fops.Read(&fb)
	if err != 0 {
		t.Fatalf("read failed: %v", err)
	}
	return string(buf[:got])
}

func TestOpenWriteReadRoundTrip(t *testing.T) {
	fsys, pm := mountTestFs(t)
	spawnOnFs(t, fsys, pm, func(p *proc.ProcSlot_t) {
		pp := p.Private()
		fdno, err := openSyscall(pp, ustr.Ustr("greeting"), defs.O_CREAT|defs.O_RDWR)
		if err != 0 {
			t.Errorf("open(O_CREAT) failed: %v", err)
			return
		}
		writeString(t, pp, fdno, "hello disk")
		closeSyscall(pp, fdno)

		fdno, err = openSyscall(pp, ustr.Ustr("greeting"), defs.O_RDONLY)
		if err != 0 {
			t.Errorf("reopen failed: %v", err)
			return
		}
		if got := readString(t, pp, fdno, 64); got != "hello disk" {
			t.Errorf("read back %q, want %q", got, "hello disk")
		}
		closeSyscall(pp, fdno)
	})
}

func TestOpenMissingFile(t *testing.T) {
	fsys, pm := mountTestFs(t)
	spawnOnFs(t, fsys, pm, func(p *proc.ProcSlot_t) {
		if _, err := openSyscall(p.Private(), ustr.Ustr("nothing"), defs.O_RDONLY); err != -defs.FsEntryNotFound {
			t.Errorf("open of missing file = %v, want FsEntryNotFound", err)
		}
	})
}

func TestOpenFileTableExhaustion(t *testing.T) {
	fsys, pm := mountTestFs(t)
	spawnOnFs(t, fsys, pm, func(p *proc.ProcSlot_t) {
		pp := p.Private()
		if _, err := openSyscall(pp, ustr.Ustr("f"), defs.O_CREAT|defs.O_RDONLY); err != 0 {
			t.Errorf("create failed: %v", err)
			return
		}
		for i := 1; i < proc.NOFILE; i++ {
			if _, err := openSyscall(pp, ustr.Ustr("f"), defs.O_RDONLY); err != 0 {
				t.Errorf("open %d failed: %v", i, err)
				return
			}
		}
		if _, err := openSyscall(pp, ustr.Ustr("f"), defs.O_RDONLY); err != -defs.NoFreeFileDescriptorTableEntry {
			t.Errorf("open past NOFILE = %v, want NoFreeFileDescriptorTableEntry", err)
		}
	})
}

// TestLinkUnlinkSemantics is the hard-link scenario: content follows
// the inode, not the name, and the second name keeps both alive.
func TestLinkUnlinkSemantics(t *testing.T) {
	fsys, pm := mountTestFs(t)
	spawnOnFs(t, fsys, pm, func(p *proc.ProcSlot_t) {
		pp := p.Private()
		fdno, err := openSyscall(pp, ustr.Ustr("lf1"), defs.O_CREAT|defs.O_RDWR)
		if err != 0 {
			t.Errorf("create lf1 failed: %v", err)
			return
		}
		writeString(t, pp, fdno, "hello")
		origIno := pp.Fds[fdno].Fops.(*fd.InodeFile_t).Ino
		closeSyscall(pp, fdno)

		if err := linkSyscall(pp, ustr.Ustr("lf1"), ustr.Ustr("lf2")); err != 0 {
			t.Errorf("link failed: %v", err)
			return
		}
		if err := unlinkSyscall(pp, ustr.Ustr("lf1")); err != 0 {
			t.Errorf("unlink failed: %v", err)
			return
		}
		if _, err := openSyscall(pp, ustr.Ustr("lf1"), defs.O_RDONLY); err != -defs.FsEntryNotFound {
			t.Errorf("open of removed name = %v, want FsEntryNotFound", err)
		}

		fdno, err = openSyscall(pp, ustr.Ustr("lf2"), defs.O_RDONLY)
		if err != 0 {
			t.Errorf("open lf2 failed: %v", err)
			return
		}
		if pp.Fds[fdno].Fops.(*fd.InodeFile_t).Ino != origIno {
			t.Error("lf2 does not share lf1's inode")
		}
		if got := readString(t, pp, fdno, 5); got != "hello" {
			t.Errorf("lf2 content = %q, want %q", got, "hello")
		}
		closeSyscall(pp, fdno)

		if err := linkSyscall(pp, ustr.Ustr("lf2"), ustr.Ustr("lf2")); err != -defs.AlreadyExists {
			t.Errorf("self link = %v, want AlreadyExists", err)
		}
		if err := linkSyscall(pp, ustr.Ustr("."), ustr.Ustr("lf1")); err != -defs.NotADirectory {
			t.Errorf("directory link = %v, want NotADirectory", err)
		}
	})
}

func TestUnlinkFreesTheInode(t *testing.T) {
	fsys, pm := mountTestFs(t)
	spawnOnFs(t, fsys, pm, func(p *proc.ProcSlot_t) {
		pp := p.Private()
		fdno, err := openSyscall(pp, ustr.Ustr("doomed"), defs.O_CREAT|defs.O_RDWR)
		if err != 0 {
			t.Errorf("create failed: %v", err)
			return
		}
		writeString(t, pp, fdno, "payload")
		ino := pp.Fds[fdno].Fops.(*fd.InodeFile_t).Ino
		closeSyscall(pp, fdno)

		if err := unlinkSyscall(pp, ustr.Ustr("doomed")); err != 0 {
			t.Errorf("unlink failed: %v", err)
			return
		}
		g, gerr := fsys.Iget(ino)
		if gerr != 0 {
			t.Errorf("Iget failed: %v", gerr)
			return
		}
		if g.Value().Type != fs.I_FREE {
			t.Errorf("inode type = %d after unlink of last name, want free", g.Value().Type)
		}
		g.Done()
	})
}

func TestMkdirChdirRelativeOpen(t *testing.T) {
	fsys, pm := mountTestFs(t)
	spawnOnFs(t, fsys, pm, func(p *proc.ProcSlot_t) {
		pp := p.Private()
		if err := mkdirSyscall(pp, ustr.Ustr("sub")); err != 0 {
			t.Errorf("mkdir failed: %v", err)
			return
		}
		fdno, err := openSyscall(pp, ustr.Ustr("sub/inner"), defs.O_CREAT|defs.O_RDWR)
		if err != 0 {
			t.Errorf("create in subdir failed: %v", err)
			return
		}
		writeString(t, pp, fdno, "deep")
		closeSyscall(pp, fdno)

		if err := chdirSyscall(pp, ustr.Ustr("sub")); err != 0 {
			t.Errorf("chdir failed: %v", err)
			return
		}
		fdno, err = openSyscall(pp, ustr.Ustr("inner"), defs.O_RDONLY)
		if err != 0 {
			t.Errorf("relative open after chdir failed: %v", err)
			return
		}
		if got := readString(t, pp, fdno, 16); got != "deep" {
			t.Errorf("read %q, want %q", got, "deep")
		}
		closeSyscall(pp, fdno)

		if err := chdirSyscall(pp, ustr.Ustr("inner")); err != -defs.ChdirNotDir {
			t.Errorf("chdir to a file = %v, want ChdirNotDir", err)
		}
	})
}

func TestUnlinkNonEmptyDirectory(t *testing.T) {
	fsys, pm := mountTestFs(t)
	spawnOnFs(t, fsys, pm, func(p *proc.ProcSlot_t) {
		pp := p.Private()
		if err := mkdirSyscall(pp, ustr.Ustr("full")); err != 0 {
			t.Errorf("mkdir failed: %v", err)
			return
		}
		fdno, err := openSyscall(pp, ustr.Ustr("full/f"), defs.O_CREAT|defs.O_RDONLY)
		if err != 0 {
			t.Errorf("create failed: %v", err)
			return
		}
		closeSyscall(pp, fdno)

		if err := unlinkSyscall(pp, ustr.Ustr("full")); err != -defs.DirectoryNotEmpty {
			t.Errorf("unlink of populated dir = %v, want DirectoryNotEmpty", err)
		}
		if err := unlinkSyscall(pp, ustr.Ustr("full/f")); err != 0 {
			t.Errorf("unlink of inner file failed: %v", err)
			return
		}
		if err := unlinkSyscall(pp, ustr.Ustr("full")); err != 0 {
			t.Errorf("unlink of emptied dir failed: %v", err)
		}
	})
}

// TestSharedOffsetAcrossFork is the shared-descriptor scenario: parent
// and child write through descriptors inherited across fork, so the
// file offset is shared and the writes interleave instead of
// overwriting.
func TestSharedOffsetAcrossFork(t *testing.T) {
	fsys, pm := mountTestFs(t)
	const (
		rounds = 200
		unit   = 10
	)
	spawnOnFs(t, fsys, pm, func(p *proc.ProcSlot_t) {
		pp := p.Private()
		fdno, err := openSyscall(pp, ustr.Ustr("sharedfd"), defs.O_CREAT|defs.O_RDWR)
		if err != 0 {
			t.Errorf("create failed: %v", err)
			return
		}

		childPid, ferr := proc.Fork(p, func(child *proc.ProcSlot_t) {
			cpp := child.Private()
			for i := 0; i < rounds; i++ {
				writeString(t, cpp, fdno, "cccccccccc")
			}
			proc.Exit(child, 0)
		})
		if ferr != 0 {
			t.Errorf("fork failed: %v", ferr)
			return
		}
		for i := 0; i < rounds; i++ {
			writeString(t, pp, fdno, "pppppppppp")
		}
		if _, _, werr := proc.Wait(p, childPid); werr != 0 {
			t.Errorf("wait failed: %v", werr)
			return
		}
		closeSyscall(pp, fdno)

		fdno, err = openSyscall(pp, ustr.Ustr("sharedfd"), defs.O_RDONLY)
		if err != 0 {
			t.Errorf("reopen failed: %v", err)
			return
		}
		content := []byte(readString(t, pp, fdno, 2*rounds*unit+1))
		closeSyscall(pp, fdno)

		if len(content) != 2*rounds*unit {
			t.Errorf("file size = %d, want %d (shared offset)", len(content), 2*rounds*unit)
			return
		}
		if p, c := bytes.Count(content, []byte{'p'}), bytes.Count(content, []byte{'c'}); p != rounds*unit || c != rounds*unit {
			t.Errorf("content holds %d 'p' and %d 'c', want %d each", p, c, rounds*unit)
		}
	})
}

// TestConcurrentCreateUnlink is the directory-consistency scenario:
// several processes churn create/remove in the same directory; when
// they are done every name must be cleanly gone.
func TestConcurrentCreateUnlink(t *testing.T) {
	fsys, pm := mountTestFs(t)
	const (
		workers = 4
		files   = 20
	)
	spawnOnFs(t, fsys, pm, func(p *proc.ProcSlot_t) {
		for w := 0; w < workers; w++ {
			w := w
			_, ferr := proc.Fork(p, func(child *proc.ProcSlot_t) {
				cpp := child.Private()
				for i := 0; i < files; i++ {
					name := ustr.Ustr([]byte{'w', byte('0' + w), '-', byte('a' + i%26), byte('0' + i/26)})
					fdno, err := openSyscall(cpp, name, defs.O_CREAT|defs.O_RDWR)
					if err != 0 {
						t.Errorf("worker %d create %s: %v", w, name, err)
						break
					}
					writeString(t, cpp, fdno, "churn")
					closeSyscall(cpp, fdno)
					if err := unlinkSyscall(cpp, name); err != 0 {
						t.Errorf("worker %d unlink %s: %v", w, name, err)
						break
					}
				}
				proc.Exit(child, 0)
			})
			if ferr != 0 {
				t.Errorf("fork worker %d failed: %v", w, ferr)
				return
			}
		}
		for w := 0; w < workers; w++ {
			if _, _, werr := proc.Wait(p, 0); werr != 0 {
				t.Errorf("wait failed: %v", werr)
				return
			}
		}

		pp := p.Private()
		for w := 0; w < workers; w++ {
			for i := 0; i < files; i++ {
				name := ustr.Ustr([]byte{'w', byte('0' + w), '-', byte('a' + i%26), byte('0' + i/26)})
				if _, err := openSyscall(pp, name, defs.O_RDONLY); err != -defs.FsEntryNotFound {
					t.Errorf("leftover entry %s: open = %v, want FsEntryNotFound", name, err)
				}
			}
		}
	})
}
