package fs

import (
	"kern/defs"
	"kern/lru"
	"kern/ustr"
	"kern/util"
)

// RootIno is the inode number of the filesystem's root directory,
// fixed at mkfs time.
const RootIno = 1

// Fixed-size directory record: a 2-byte inode number followed by a
// 14-byte NUL-padded name, per spec.md §6.
const (
	direntSize    = 16
	direntNameLen = 14
)

// direntbuf_t adapts a disk block's byte range to fdops.Userio_i so
// Inode_t.Iread/Iwrite (written against that interface for user-memory
// transfers) can also serve directory scans, the same trick vm.go's
// private fs_fakeubuf uses for file-backed page faults.
type direntbuf_t struct {
	buf []uint8
}

func (b *direntbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, b.buf)
	b.buf = b.buf[n:]
	return n, 0
}
func (b *direntbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(b.buf, src)
	b.buf = b.buf[n:]
	return n, 0
}
func (b *direntbuf_t) Remain() int  { return len(b.buf) }
func (b *direntbuf_t) Totalsz() int { return len(b.buf) }

func direntDecode(d []uint8) (int, ustr.Ustr) {
	ino := util.Readn(d, 2, 0)
	return ino, ustr.MkUstrSlice(d[2:direntSize])
}

func direntEncode(d []uint8, ino int, name ustr.Ustr) {
	util.Writen(d, 2, 0, ino)
	nb := d[2:direntSize]
	for i := range nb {
		nb[i] = 0
	}
	copy(nb, name)
}

// readDirent reads the i'th directory record of dir into buf, returning
// the number of bytes actually read (0 at or past the end of dir).
func readDirent(dir *Inode_t, i int, buf []uint8) (int, defs.Err_t) {
	b := &direntbuf_t{buf: buf}
	return dir.Iread(b, i*direntSize)
}

// writeDirent writes buf as the i'th directory record of dir. Must be
// called inside a transaction.
func writeDirent(dir *Inode_t, i int, buf []uint8) (int, defs.Err_t) {
	b := &direntbuf_t{buf: buf}
	return dir.Iwrite(b, i*direntSize)
}

// Dirlookup scans dir's entries for name, returning a locked handle to
// the matching inode and the byte offset of its directory record, or
// -defs.FsEntryNotFound if no entry matches.
func (fs *Fs_t) Dirlookup(dir *Inode_t, name ustr.Ustr) (lru.Guard[inodeKey_t, *Inode_t], int, defs.Err_t) {
	if dir.Type != I_DIR {
		return lru.Guard[inodeKey_t, *Inode_t]{}, 0, -defs.NotADirectory
	}
	n := dir.Size / direntSize
	var rec [direntSize]uint8
	for i := 0; i < n; i++ {
		if nn, err := readDirent(dir, i, rec[:]); err != 0 || nn < direntSize {
			break
		}
		ino, ename := direntDecode(rec[:])
		if ino == 0 {
			continue
		}
		if ename.Eq(name) {
			g, err := fs.Iget(ino)
			return g, i * direntSize, err
		}
	}
	return lru.Guard[inodeKey_t, *Inode_t]{}, 0, -defs.FsEntryNotFound
}

// Dirlink adds a (name, ino) record to dir, reusing the first free slot
// (a record whose inode number is 0) or appending one. Must be called
// inside a transaction. Returns -defs.AlreadyExists if name is already
// present.
func (fs *Fs_t) Dirlink(dir *Inode_t, name ustr.Ustr, ino int) defs.Err_t {
	if g, _, err := fs.Dirlookup(dir, name); err == 0 {
		g.Done()
		return -defs.AlreadyExists
	}

	n := dir.Size / direntSize
	var rec [direntSize]uint8
	slot := n
	for i := 0; i < n; i++ {
		if nn, err := readDirent(dir, i, rec[:]); err != 0 || nn < direntSize {
			break
		}
		existingIno, _ := direntDecode(rec[:])
		if existingIno == 0 {
			slot = i
			break
		}
	}

	direntEncode(rec[:], ino, name)
	if nn, err := writeDirent(dir, slot, rec[:]); err != 0 || nn < direntSize {
		if err == 0 {
			err = -defs.StorageFull
		}
		return err
	}
	return 0
}

// Dirunlink clears the directory record at byte offset off within dir
// (found by a prior Dirlookup), marking the slot free for reuse. Must
// be called inside a transaction.
func (fs *Fs_t) Dirunlink(dir *Inode_t, off int) defs.Err_t {
	var rec [direntSize]uint8
	b := &direntbuf_t{buf: rec[:]}
	if _, err := dir.Iwrite(b, off); err != 0 {
		return err
	}
	return 0
}

// Dirempty reports whether dir contains only "." and ".." entries.
func (fs *Fs_t) Dirempty(dir *Inode_t) bool {
	n := dir.Size / direntSize
	var rec [direntSize]uint8
	for i := 0; i < n; i++ {
		if nn, err := readDirent(dir, i, rec[:]); err != 0 || nn < direntSize {
			break
		}
		ino, name := direntDecode(rec[:])
		if ino == 0 {
			continue
		}
		if !name.Isdot() && !name.Isdotdot() {
			return false
		}
	}
	return true
}
