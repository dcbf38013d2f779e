package fs

import (
	"kern/defs"
	"kern/lru"
	"kern/stats"
)

// bcstats_t is the buffer cache's compile-time-gated counter block,
// printable via stats.Stats2String.
type bcstats_t struct {
	Nget   stats.Counter_t
	Nmiss  stats.Counter_t
	Nwrite stats.Counter_t
}

// BufCache_t is the disk block cache: an lru.Cache_t[int, *Bdev_block_t]
// plus the read-on-miss and write-back-on-evict policy spec.md §4.8
// requires of a buffer cache. A block dirtied inside a transaction is
// not yet committed while it sits here; the log (fs/log.go) pins it
// until commit has installed it, so eviction never writes back an
// uncommitted block.
type BufCache_t struct {
	cache *lru.Cache_t[int, *Bdev_block_t]
	mem   Blockmem_i
	disk  Disk_i
	stats bcstats_t
}

// NewBufCache creates a buffer cache of the given capacity (in blocks)
// backed by m for page allocation and d for disk I/O.
func NewBufCache(capacity int, m Blockmem_i, d Disk_i) *BufCache_t {
	return &BufCache_t{
		cache: lru.NewCache[int, *Bdev_block_t](capacity),
		mem:   m,
		disk:  d,
	}
}

type dropCb struct{}

func (dropCb) Relse(b *Bdev_block_t, s string) {}

// Get returns the block, reading it from disk on a cache miss. The
// returned Guard's Done must be called when the caller is finished
// with the block.
func (bc *BufCache_t) Get(blkno int) (lru.Guard[int, *Bdev_block_t], defs.Err_t) {
	bc.stats.Nget.Inc()
	g, ok := bc.cache.Get(blkno, func() (*Bdev_block_t, bool) {
		bc.stats.Nmiss.Inc()
		b := MkBlock_newpage(blkno, "buf", bc.mem, bc.disk, dropCb{})
		b.Read()
		b.Valid = true
		return b, true
	})
	if !ok {
		return lru.Guard[int, *Bdev_block_t]{}, -defs.NoFreePage
	}
	return g, 0
}

// Write marks the guarded block dirty and writes it through to disk
// immediately. Used for blocks outside any transaction (the superblock,
// the log header/body themselves) — file and directory data and inode
// blocks instead go through MarkDirty + Log_t.logWrite so the log, not
// the cache, decides when they actually hit disk.
func (bc *BufCache_t) Write(g lru.Guard[int, *Bdev_block_t]) {
	bc.stats.Nwrite.Inc()
	b := g.Value()
	b.Dirty = true
	b.Write()
	b.Dirty = false
}

// Stats renders the cache's counter block (empty unless stats.Stats is
// compiled on).
func (bc *BufCache_t) Stats() string {
	return "bufcache:" + stats.Stats2String(bc.stats)
}

// MarkDirty flags the guarded block as dirty without writing it back;
// the caller is expected to hand the block number to a Log_t so the
// actual writeback happens at commit.
func (bc *BufCache_t) MarkDirty(g lru.Guard[int, *Bdev_block_t]) {
	g.Value().Dirty = true
}

// Pin keeps blkno resident past the lifetime of any single Guard. Log_t
// uses this to hold a dirtied block in cache from log_write through
// commit, the way classic buffer caches pin a block with bpin/bunpin.
func (bc *BufCache_t) Pin(blkno int) { bc.cache.Pin(blkno) }

// Unpin reverses Pin once a block has been installed at its home
// location and no longer needs to be held against eviction.
func (bc *BufCache_t) Unpin(blkno int) { bc.cache.Unpin(blkno) }
