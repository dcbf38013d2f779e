package fs

import (
	"kern/mem"
	"kern/util"
)

// superMagic identifies a disk image formatted for this filesystem.
const superMagic = 0x5346424b // "KBFS" in little-endian nibbles

// Superblock_t is the on-disk super block: a single block, block 1,
// holding the layout of every other region of the filesystem. Field
// offsets are 8-byte words, the same fieldr/fieldw-over-a-page idiom the
// teacher's super.go uses, re-laid-out for the field set this
// filesystem's crash-recovery design needs (size/nblocks/ninodes/nlog/
// logstart/inodestart/bmapstart) in place of the teacher's orphan-inode
// tracking. This filesystem keeps no orphan list: Log recovery (fs/log.go)
// only installs the logged blocks.
type Superblock_t struct {
	Data *mem.Bytepg_t
}

const (
	sbMagic      = 0
	sbSize       = 1 // total blocks in the filesystem image
	sbNblocks    = 2 // data blocks (excludes boot/super/log/inode/bitmap)
	sbNinodes    = 3 // number of inodes
	sbNlog       = 4 // blocks in the write-ahead log
	sbLogstart   = 5 // first block of the log
	sbInodestart = 6 // first block of the inode region
	sbBmapstart  = 7 // first block of the free-block bitmap
)

func fieldr(d *mem.Bytepg_t, i int) int {
	return util.Readn(d[:], 8, i*8)
}

func fieldw(d *mem.Bytepg_t, i int, v int) {
	util.Writen(d[:], 8, i*8, v)
}

// Magic returns the filesystem's magic number.
func (sb *Superblock_t) Magic() int { return fieldr(sb.Data, sbMagic) }

// Valid reports whether the superblock carries the expected magic
// number.
func (sb *Superblock_t) Valid() bool { return sb.Magic() == superMagic }

// Size returns the total number of blocks in the filesystem image.
func (sb *Superblock_t) Size() int { return fieldr(sb.Data, sbSize) }

// Nblocks returns the number of data blocks available for file and
// directory content.
func (sb *Superblock_t) Nblocks() int { return fieldr(sb.Data, sbNblocks) }

// Ninodes returns the total number of inodes the filesystem has room
// for.
func (sb *Superblock_t) Ninodes() int { return fieldr(sb.Data, sbNinodes) }

// Nlog returns the number of blocks reserved for the write-ahead log.
func (sb *Superblock_t) Nlog() int { return fieldr(sb.Data, sbNlog) }

// Logstart returns the first block of the write-ahead log.
func (sb *Superblock_t) Logstart() int { return fieldr(sb.Data, sbLogstart) }

// Inodestart returns the first block holding on-disk inodes.
func (sb *Superblock_t) Inodestart() int { return fieldr(sb.Data, sbInodestart) }

// Bmapstart returns the first block of the free-block bitmap.
func (sb *Superblock_t) Bmapstart() int { return fieldr(sb.Data, sbBmapstart) }

// SetMagic writes the magic number field.
func (sb *Superblock_t) SetMagic(v int) { fieldw(sb.Data, sbMagic, v) }

// SetSize writes the total block count field.
func (sb *Superblock_t) SetSize(v int) { fieldw(sb.Data, sbSize, v) }

// SetNblocks writes the data block count field.
func (sb *Superblock_t) SetNblocks(v int) { fieldw(sb.Data, sbNblocks, v) }

// SetNinodes writes the inode count field.
func (sb *Superblock_t) SetNinodes(v int) { fieldw(sb.Data, sbNinodes, v) }

// SetNlog writes the log length field.
func (sb *Superblock_t) SetNlog(v int) { fieldw(sb.Data, sbNlog, v) }

// SetLogstart writes the log start block field.
func (sb *Superblock_t) SetLogstart(v int) { fieldw(sb.Data, sbLogstart, v) }

// SetInodestart writes the inode region start block field.
func (sb *Superblock_t) SetInodestart(v int) { fieldw(sb.Data, sbInodestart, v) }

// SetBmapstart writes the free-block bitmap start block field.
func (sb *Superblock_t) SetBmapstart(v int) { fieldw(sb.Data, sbBmapstart, v) }

// IPB is the number of on-disk inode records that fit in one block.
const IPB = BSIZE / 64

// Iblock returns the block number holding inode number ino.
func (sb *Superblock_t) Iblock(ino int) int {
	return sb.Inodestart() + ino/IPB
}

// BPB is the number of bitmap bits (one per data block) that fit in one
// block.
const BPB = BSIZE * 8

// Bblock returns the bitmap block covering data block b.
func (sb *Superblock_t) Bblock(b int) int {
	return sb.Bmapstart() + b/BPB
}
