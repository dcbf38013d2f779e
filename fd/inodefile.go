package fd

import (
	"sync"

	"kern/defs"
	"kern/fdops"
	"kern/fs"
	"kern/stat"
)

// InodeFile_t is the Fdops_i for a descriptor backed by a regular
// on-disk inode. It holds no lock on the inode between calls — offset
// is the only state private to this descriptor — so two InodeFile_ts
// that share an inode (two opens of the same path, or a descriptor
// inherited across fork) serialize through the inode's own sleep-lock,
// reacquired fresh by fs.Fs_t.Iget on every call.
type InodeFile_t struct {
	mu     sync.Mutex // protects off
	fs     *fs.Fs_t
	Ino    int
	off    int
	Append bool
}

// MkInodeFile wraps ino as an open file descriptor positioned at the
// start of the file (or, with append set, writes always target the
// current end-of-file regardless of prior seeks). It takes an open
// reference on the inode; Close drops it, and dropping the last
// reference of an unlinked inode frees it.
func MkInodeFile(fsys *fs.Fs_t, ino int, append bool) *InodeFile_t {
	fsys.Iopen(ino)
	return &InodeFile_t{fs: fsys, Ino: ino, Append: append}
}

func (f *InodeFile_t) Close() defs.Err_t {
	f.fs.Iclose(f.Ino)
	return 0
}

func (f *InodeFile_t) Reopen() defs.Err_t {
	return f.fs.Iopen(f.Ino)
}

func (f *InodeFile_t) Fstat(st_ []uint8) defs.Err_t {
	g, err := f.fs.Iget(f.Ino)
	if err != 0 {
		return err
	}
	ip := g.Value()
	var st stat.Stat_t
	st.Wino(uint(f.Ino))
	st.Wmode(uint(ip.Type))
	st.Wsize(uint(ip.Size))
	st.Wrdev(uint(ip.Major)<<16 | uint(uint16(ip.Minor)))
	g.Done()
	copy(st_, st.Bytes())
	return 0
}

// Read copies up to dst's size starting at the descriptor's current
// offset, advancing it by however many bytes Iread actually produced.
// The offset lock is held across the transfer so descriptors shared
// between processes (fork, dup) consume the file in disjoint pieces
// rather than rereading the same range.
func (f *InodeFile_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	g, err := f.fs.Iget(f.Ino)
	if err != 0 {
		return 0, err
	}
	ip := g.Value()
	if ip.Type == fs.I_DIR {
		g.Done()
		return 0, -defs.IsADirectory
	}
	f.mu.Lock()
	n, err := ip.Iread(dst, f.off)
	if n > 0 {
		f.off += n
	}
	f.mu.Unlock()
	g.Done()
	return n, err
}

// Write appends or overwrites at the descriptor's offset (Append
// forces every write to the current end-of-file, the O_APPEND
// semantics), bracketing the mutation in its own transaction.
func (f *InodeFile_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	f.fs.BeginTx()
	defer f.fs.EndTx()

	g, err := f.fs.Iget(f.Ino)
	if err != 0 {
		return 0, err
	}
	ip := g.Value()
	if ip.Type == fs.I_DIR {
		g.Done()
		return 0, -defs.IsADirectory
	}

	f.mu.Lock()
	off := f.off
	if f.Append {
		off = ip.Size
	}
	n, werr := ip.Iwrite(src, off)
	if n > 0 {
		f.off = off + n
	}
	f.mu.Unlock()
	g.Done()
	return n, werr
}

func (f *InodeFile_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return pm.Events & (fdops.R_READ | fdops.R_WRITE), 0
}
