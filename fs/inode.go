package fs

import (
	"kern/defs"
	"kern/fdops"
	"kern/ksync"
	"kern/lru"
	"kern/util"
)

// NDIRECT is the number of direct block pointers an inode carries
// in-line; NINDIRECT is the number of block numbers that fit in one
// indirect block. MAXFILE is the largest file this layout can address.
const (
	NDIRECT   = 12
	NINDIRECT = BSIZE / 4
	MAXFILE   = NDIRECT + NINDIRECT
)

// Itype_t is an inode's on-disk type tag.
type Itype_t int16

const (
	I_FREE Itype_t = 0
	I_DIR  Itype_t = 1
	I_FILE Itype_t = 2
	I_DEV  Itype_t = 3
)

// On-disk inode record layout (64 bytes: 2+2+2+2+4 header fields plus
// (NDIRECT+1) 4-byte block numbers), grounded on
// original_source/crates/xv6_fs_types/src/lib.rs's repr(C) Inode. IPB in
// fs/super.go assumes this exact size.
const inodeSize = 64

const (
	diType  = 0
	diMajor = 2
	diMinor = 4
	diNlink = 6
	diSize  = 8
	diAddrs = 12
)

func inodeOff(ino int) int {
	return (ino % IPB) * inodeSize
}

// inodeKey_t is the inode cache's key: spec.md §4.10 keys the handle
// cache by (device, inode-number); this kernel has exactly one disk per
// Fs_t, so device is implicit and the key is just the inode number.
type inodeKey_t = int

// Inode_t is the in-memory, reference-counted handle for one on-disk
// inode. The lru package's per-entry lock (via the embedded
// ksync.Sleeplock_t) is the sleep-lock spec.md §3 says protects an
// inode's contents; Valid tracks whether Data has been loaded from disk
// yet, since lru.Cache_t constructs the handle itself before anything
// has read it.
type Inode_t struct {
	ksync.Sleeplock_t
	fs  *Fs_t
	Ino int

	Valid bool
	Type  Itype_t
	Major int16
	Minor int16
	Nlink int16
	Size  int
	Addrs [NDIRECT + 1]int

	// Opens counts live open-file references (fd.InodeFile_t handles and
	// cwd descriptors), guarded by the sleep-lock like the fields above.
	// While Opens > 0 the entry is pinned in the cache, so the count
	// survives eviction pressure; an unlinked inode's blocks are freed by
	// whichever of Iclose/unlink drops the last of {Opens, Nlink} to zero.
	Opens int
}

// EvictFromCache is a no-op: Update() already writes any change through
// the log before this inode's last Guard is released, so there is
// nothing left to flush on eviction.
func (ip *Inode_t) EvictFromCache() {}

// EvictDone is a no-op: an Inode_t owns no page to free.
func (ip *Inode_t) EvictDone() {}

// Fs_t bundles the buffer cache, write-ahead log, superblock and inode
// cache that together implement spec.md §4.8-§4.10. It is the single
// object callers in fs/dir.go, fs/path.go and the syscall layer hold.
type Fs_t struct {
	Super  *Superblock_t
	bc     *BufCache_t
	log    *Log_t
	icache *lru.Cache_t[inodeKey_t, *Inode_t]
}

// NewFs mounts the filesystem described by sb on top of bc, replaying
// the log before returning so an earlier crash's committed-but-not-
// installed transaction is never visible to callers.
func NewFs(sb *Superblock_t, bc *BufCache_t, icacheCap int) *Fs_t {
	fs := &Fs_t{
		Super:  sb,
		bc:     bc,
		icache: lru.NewCache[inodeKey_t, *Inode_t](icacheCap),
	}
	fs.log = NewLog(sb.Logstart(), sb.Nlog(), bc)
	return fs
}

// BeginTx/EndTx delegate to the log; every syscall that mutates the
// filesystem must bracket its inode/directory operations with these.
func (fs *Fs_t) BeginTx() { fs.log.BeginTx() }
func (fs *Fs_t) EndTx()   { fs.log.EndTx() }

// writeLogged marks the guarded block dirty and hands its block number
// to the log instead of writing through immediately, per spec.md §4.9's
// log_write: the block stays pinned in the cache until the transaction
// this call is part of commits.
func (fs *Fs_t) writeLogged(g lru.Guard[int, *Bdev_block_t]) {
	fs.bc.MarkDirty(g)
	fs.log.logWrite(g.Value().Block)
}

// balloc finds a free data block via the superblock's bitmap, marks it
// used, and returns its block number, or -defs.StorageFull if none
// remain. Bitmap bits index absolute block numbers, so the scan covers
// the whole image; every metadata block was premarked in use at format
// time. Must be called inside a transaction: the bitmap block it
// dirties is logged like any other write.
func (fs *Fs_t) balloc() (int, defs.Err_t) {
	nb := fs.Super.Size()
	for b := 0; b < nb; b++ {
		bn := fs.Super.Bblock(b)
		g, err := fs.bc.Get(bn)
		if err != 0 {
			return 0, err
		}
		d := g.Value().Data
		byteOff := (b % BPB) / 8
		mask := uint8(1 << uint(b%8))
		if d[byteOff]&mask == 0 {
			d[byteOff] |= mask
			fs.writeLogged(g)
			g.Done()
			return b, 0
		}
		g.Done()
	}
	return 0, -defs.StorageFull
}

// bfree clears b's bit in the free-block bitmap.
func (fs *Fs_t) bfree(b int) {
	bn := fs.Super.Bblock(b)
	g, err := fs.bc.Get(bn)
	if err != 0 {
		panic("bfree: cannot read bitmap block")
	}
	d := g.Value().Data
	byteOff := (b % BPB) / 8
	mask := uint8(1 << uint(b%8))
	d[byteOff] &^= mask
	fs.writeLogged(g)
	g.Done()
}

// zeroBlock clears a freshly allocated data block. balloc does not
// guarantee zeroed content by itself — the bitmap only tracks
// allocation — so every allocator call site that exposes a block's
// contents to a reader must zero it first.
func (fs *Fs_t) zeroBlock(b int) {
	g, err := fs.bc.Get(b)
	if err != 0 {
		panic("zeroBlock: cannot read block")
	}
	d := g.Value().Data
	for i := range d {
		d[i] = 0
	}
	fs.writeLogged(g)
	g.Done()
}

// Ialloc scans the inode table for a free slot, marks it with type ty,
// and returns a handle to it. Must be called inside a transaction.
func (fs *Fs_t) Ialloc(ty Itype_t) (lru.Guard[inodeKey_t, *Inode_t], defs.Err_t) {
	for ino := 1; ino < fs.Super.Ninodes(); ino++ {
		bn := fs.Super.Iblock(ino)
		g, err := fs.bc.Get(bn)
		if err != 0 {
			return lru.Guard[inodeKey_t, *Inode_t]{}, err
		}
		d := g.Value().Data
		off := inodeOff(ino)
		if util.Readn(d[:], 2, off+diType) == int(I_FREE) {
			util.Writen(d[:], 2, off+diType, int(ty))
			util.Writen(d[:], 2, off+diMajor, 0)
			util.Writen(d[:], 2, off+diMinor, 0)
			for i := 0; i < NDIRECT+1; i++ {
				util.Writen(d[:], 4, off+diAddrs+4*i, 0)
			}
			util.Writen(d[:], 2, off+diNlink, 0)
			util.Writen(d[:], 4, off+diSize, 0)
			fs.writeLogged(g)
			g.Done()
			ig, err := fs.Iget(ino)
			if err != 0 {
				return ig, err
			}
			// the handle may have been cached back when this slot held
			// its previous life; reset it to the record just written.
			ip := ig.Value()
			ip.Type = ty
			ip.Major, ip.Minor, ip.Nlink, ip.Size = 0, 0, 0, 0
			ip.Addrs = [NDIRECT + 1]int{}
			ip.Valid = true
			return ig, 0
		}
		g.Done()
	}
	return lru.Guard[inodeKey_t, *Inode_t]{}, -defs.StorageFull
}

// Iget returns a handle to inode ino, loading it from disk on first
// access. The returned Guard is already locked; callers must call
// Done() when finished.
func (fs *Fs_t) Iget(ino int) (lru.Guard[inodeKey_t, *Inode_t], defs.Err_t) {
	g, ok := fs.icache.Get(ino, func() (*Inode_t, bool) {
		return &Inode_t{fs: fs, Ino: ino}, true
	})
	if !ok {
		return lru.Guard[inodeKey_t, *Inode_t]{}, -defs.NoFreeFileDescriptorTableEntry
	}
	ip := g.Value()
	if !ip.Valid {
		if err := ip.load(); err != 0 {
			g.Done()
			return lru.Guard[inodeKey_t, *Inode_t]{}, err
		}
	}
	return g, 0
}

// load reads ip's on-disk record into the in-memory fields. Called with
// the inode's sleep-lock held and Valid false.
func (ip *Inode_t) load() defs.Err_t {
	bn := ip.fs.Super.Iblock(ip.Ino)
	g, err := ip.fs.bc.Get(bn)
	if err != 0 {
		return err
	}
	defer g.Done()
	d := g.Value().Data
	off := inodeOff(ip.Ino)
	ip.Type = Itype_t(util.Readn(d[:], 2, off+diType))
	ip.Major = int16(util.Readn(d[:], 2, off+diMajor))
	ip.Minor = int16(util.Readn(d[:], 2, off+diMinor))
	ip.Nlink = int16(util.Readn(d[:], 2, off+diNlink))
	ip.Size = util.Readn(d[:], 4, off+diSize)
	for i := 0; i < NDIRECT+1; i++ {
		ip.Addrs[i] = util.Readn(d[:], 4, off+diAddrs+4*i)
	}
	ip.Valid = true
	return 0
}

// Update writes ip's in-memory fields back to its on-disk record.
// Called after every change to fields that live on disk, inside the
// same transaction as the change itself.
func (ip *Inode_t) Update() {
	bn := ip.fs.Super.Iblock(ip.Ino)
	g, err := ip.fs.bc.Get(bn)
	if err != 0 {
		panic("Update: cannot read inode block")
	}
	d := g.Value().Data
	off := inodeOff(ip.Ino)
	util.Writen(d[:], 2, off+diType, int(ip.Type))
	util.Writen(d[:], 2, off+diMajor, int(ip.Major))
	util.Writen(d[:], 2, off+diMinor, int(ip.Minor))
	util.Writen(d[:], 2, off+diNlink, int(ip.Nlink))
	util.Writen(d[:], 4, off+diSize, ip.Size)
	for i := 0; i < NDIRECT+1; i++ {
		util.Writen(d[:], 4, off+diAddrs+4*i, ip.Addrs[i])
	}
	ip.fs.writeLogged(g)
	g.Done()
}

// Iopen records a new open-file reference on ino and pins its handle
// in the cache so the Opens count survives eviction pressure for the
// descriptor's whole lifetime.
func (fs *Fs_t) Iopen(ino int) defs.Err_t {
	g, err := fs.Iget(ino)
	if err != 0 {
		return err
	}
	g.Value().Opens++
	fs.icache.Pin(ino)
	g.Done()
	return 0
}

// Iclose drops an open-file reference. If that was the last reference
// and the inode has also lost its last directory link, the inode and
// its blocks are freed here, inside a transaction of their own —
// Iclose is only ever called from descriptor close paths, never inside
// a caller's transaction.
func (fs *Fs_t) Iclose(ino int) {
	g, err := fs.Iget(ino)
	if err != 0 {
		return
	}
	ip := g.Value()
	ip.Opens--
	free := ip.Opens == 0 && ip.Nlink == 0 && ip.Type != I_FREE
	if free {
		fs.BeginTx()
		fs.Ifree(ip)
		fs.EndTx()
	}
	g.Done()
	fs.icache.Unpin(ino)
}

// Ifree releases ip's data blocks and returns its on-disk slot to
// the free pool. Must be called inside a transaction with ip's
// sleep-lock held.
func (fs *Fs_t) Ifree(ip *Inode_t) {
	ip.Itrunc()
	ip.Type = I_FREE
	ip.Nlink = 0
	ip.Update()
}

// bmap returns the disk block number backing the bn'th block of ip's
// content, allocating one (and, for an indirect reference, the indirect
// block itself) if it does not exist yet.
func (ip *Inode_t) bmap(bn int) (int, defs.Err_t) {
	if bn < NDIRECT {
		if ip.Addrs[bn] == 0 {
			nb, err := ip.fs.balloc()
			if err != 0 {
				return 0, err
			}
			ip.fs.zeroBlock(nb)
			ip.Addrs[bn] = nb
		}
		return ip.Addrs[bn], 0
	}

	bn -= NDIRECT
	if bn >= NINDIRECT {
		panic("bmap: block index out of range")
	}

	if ip.Addrs[NDIRECT] == 0 {
		nb, err := ip.fs.balloc()
		if err != 0 {
			return 0, err
		}
		ip.fs.zeroBlock(nb)
		ip.Addrs[NDIRECT] = nb
	}

	indbn := ip.Addrs[NDIRECT]
	g, err := ip.fs.bc.Get(indbn)
	if err != 0 {
		return 0, err
	}
	d := g.Value().Data
	target := util.Readn(d[:], 4, bn*4)
	if target == 0 {
		nb, err := ip.fs.balloc()
		if err != 0 {
			g.Done()
			return 0, err
		}
		ip.fs.zeroBlock(nb)
		util.Writen(d[:], 4, bn*4, nb)
		ip.fs.writeLogged(g)
		target = nb
	}
	g.Done()
	return target, 0
}

// Itrunc frees all of ip's data blocks, direct and indirect, and resets
// its size to zero.
func (ip *Inode_t) Itrunc() {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			ip.fs.bfree(ip.Addrs[i])
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		g, err := ip.fs.bc.Get(ip.Addrs[NDIRECT])
		if err == 0 {
			d := g.Value().Data
			for i := 0; i < NINDIRECT; i++ {
				bn := util.Readn(d[:], 4, i*4)
				if bn != 0 {
					ip.fs.bfree(bn)
				}
			}
			g.Done()
		}
		ip.fs.bfree(ip.Addrs[NDIRECT])
		ip.Addrs[NDIRECT] = 0
	}
	ip.Size = 0
	ip.Update()
}

// Iread copies min(len(dst), ip.Size-off) bytes starting at off into
// dst, walking ip's direct and indirect block list.
func (ip *Inode_t) Iread(dst fdops.Userio_i, off int) (int, defs.Err_t) {
	if off > ip.Size {
		return 0, 0
	}
	n := util.Min(dst.Remain(), ip.Size-off)
	tot := 0
	for tot < n {
		curoff := off + tot
		bn, err := ip.bmap(curoff / BSIZE)
		if err != 0 {
			return tot, err
		}
		g, err := ip.fs.bc.Get(bn)
		if err != 0 {
			return tot, err
		}
		boff := curoff % BSIZE
		m := util.Min(n-tot, BSIZE-boff)
		nn, uerr := dst.Uiowrite(g.Value().Data[boff : boff+m])
		g.Done()
		if uerr != 0 {
			return tot, uerr
		}
		tot += nn
		if nn < m {
			break
		}
	}
	return tot, 0
}

// Iwrite copies src into ip's content starting at off, allocating data
// blocks as needed, and updates ip.Size (and writes the inode back)
// when the file grows. Must be called inside a transaction.
func (ip *Inode_t) Iwrite(src fdops.Userio_i, off int) (int, defs.Err_t) {
	if off > ip.Size {
		return 0, -defs.WriteOffsetTooLarge
	}
	if off+src.Remain() > MAXFILE*BSIZE {
		return 0, -defs.FileTooLarge
	}
	n := src.Remain()
	tot := 0
	for tot < n {
		curoff := off + tot
		bn, err := ip.bmap(curoff / BSIZE)
		if err != 0 {
			break
		}
		g, err := ip.fs.bc.Get(bn)
		if err != 0 {
			break
		}
		boff := curoff % BSIZE
		m := util.Min(n-tot, BSIZE-boff)
		nn, uerr := src.Uioread(g.Value().Data[boff : boff+m])
		ip.fs.writeLogged(g)
		g.Done()
		if uerr != 0 {
			tot += nn
			break
		}
		tot += nn
		if nn < m {
			break
		}
	}
	if off+tot > ip.Size {
		ip.Size = off + tot
	}
	// the inode is written back even if size didn't change, since bmap
	// may have grown Addrs.
	ip.Update()
	return tot, 0
}
