// Package lru implements a generic, capacity-bounded cache with
// at-most-one-reader-per-key admission and a two-level locking
// discipline: a table lock protects the key index and the LRU
// ordering, and each entry carries its own lock so two callers working
// on different keys never block each other once past the table lock.
// This is spec.md §4.7's cache abstraction, parameterized so both the
// disk buffer cache (fs.Bdev_block_t, keyed by block number) and the
// inode handle cache (fs.Inode_t, keyed by inode number) can
// instantiate it.
//
// The locking order — table lock, then release it, then the entry's own
// lock — is the same discipline the teacher's hashtable.Hashtable_t
// bucket locks follow for Get/Set/Del: never hold two levels of lock at
// once longer than it takes to hand off.
package lru

import (
	"container/list"
	"sync"
)

// Entry_i is implemented by values stored in a Cache. EvictFromCache is
// called with the table lock held, just before the entry is dropped;
// EvictDone is called afterward, with no lock held, so it may block
// (e.g. writing a dirty block back before freeing its page).
type Entry_i interface {
	sync.Locker
	EvictFromCache()
	EvictDone()
}

type record_t[K comparable, V Entry_i] struct {
	key   K
	value V
	refs  int // outstanding Get callers; never evicted while > 0
	elem  *list.Element

	// ready is closed once value is installed (or construction has
	// failed); callers that hit a slot mid-construction wait on it
	// instead of touching a value that isn't there yet.
	ready  chan struct{}
	failed bool
}

// Cache_t is a bounded, LRU-evicting cache mapping K to V. New values
// are produced on demand by a caller-supplied constructor so a miss
// never races another goroutine into allocating the same key twice.
type Cache_t[K comparable, V Entry_i] struct {
	mu       sync.Mutex
	table    map[K]*record_t[K, V]
	order    *list.List // front = most recently used
	capacity int
}

// NewCache creates a cache that holds at most capacity entries.
func NewCache[K comparable, V Entry_i](capacity int) *Cache_t[K, V] {
	return &Cache_t[K, V]{
		table:    make(map[K]*record_t[K, V]),
		order:    list.New(),
		capacity: capacity,
	}
}

// Get returns the cached value for key, calling make to construct it on
// a miss. Exactly one caller's make runs per miss even under concurrent
// Gets for the same key — the first miss reserves the slot under the
// table lock and later arrivals wait on the record's ready gate until
// the winner installs its result. The returned Guard must be released
// with Done when the caller is finished with the value.
func (c *Cache_t[K, V]) Get(key K, make_ func() (V, bool)) (Guard[K, V], bool) {
	for {
		c.mu.Lock()
		if rec, ok := c.table[key]; ok {
			rec.refs++
			c.order.MoveToFront(rec.elem)
			c.mu.Unlock()
			<-rec.ready
			if rec.failed {
				// the reserving caller's constructor failed and the
				// record is already gone from the table; start over.
				continue
			}
			rec.value.Lock()
			return Guard[K, V]{c: c, rec: rec}, true
		}
		// A miss needs a slot: either the table is under capacity, or
		// some zero-refcount entry can be evicted to make room. If every
		// entry is busy the caller gets a failure, not an over-capacity
		// table.
		if len(c.table) >= c.capacity && c.evictionCandidateLocked() == nil {
			c.mu.Unlock()
			return Guard[K, V]{}, false
		}
		// Reserve the slot before releasing the table lock so a second
		// concurrent miss for the same key waits on ready instead of
		// duplicating the constructor's work.
		placeholder := &record_t[K, V]{key: key, refs: 1, ready: make(chan struct{})}
		placeholder.elem = c.order.PushFront(placeholder)
		c.table[key] = placeholder
		c.mu.Unlock()

		v, ok := make_()
		c.mu.Lock()
		if !ok {
			placeholder.failed = true
			c.order.Remove(placeholder.elem)
			delete(c.table, key)
			close(placeholder.ready)
			c.mu.Unlock()
			return Guard[K, V]{}, false
		}
		placeholder.value = v
		close(placeholder.ready)
		c.evictLocked()
		c.mu.Unlock()
		v.Lock()
		return Guard[K, V]{c: c, rec: placeholder}, true
	}
}

// evictLocked drops least-recently-used, zero-refcount entries until
// the cache is back at or under capacity. Called with c.mu held.
func (c *Cache_t[K, V]) evictLocked() {
	for len(c.table) > c.capacity {
		victim := c.evictionCandidateLocked()
		if victim == nil {
			return
		}
		victim.value.EvictFromCache()
		delete(c.table, victim.key)
		c.order.Remove(victim.elem)
		go victim.value.EvictDone()
	}
}

func (c *Cache_t[K, V]) evictionCandidateLocked() *record_t[K, V] {
	for e := c.order.Back(); e != nil; e = e.Prev() {
		rec := e.Value.(*record_t[K, V])
		if rec.refs == 0 {
			return rec
		}
	}
	return nil
}

// Len reports the current number of entries.
func (c *Cache_t[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// Pin increments key's reference count directly, without taking the
// entry's own lock, keeping it resident across a span of work that
// outlives any single Guard (a dirty block that must stay cached until
// a multi-operation transaction installs it). No-op if key is absent.
func (c *Cache_t[K, V]) Pin(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.table[key]; ok {
		rec.refs++
	}
}

// Unpin reverses a prior Pin, making the entry eligible for eviction
// again once its reference count reaches zero.
func (c *Cache_t[K, V]) Unpin(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.table[key]; ok {
		rec.refs--
		c.evictLocked()
	}
}

// Guard is the handle Get returns: the entry's own lock is held until
// Done releases it.
type Guard[K comparable, V Entry_i] struct {
	c   *Cache_t[K, V]
	rec *record_t[K, V]
}

// Value returns the guarded value.
func (g Guard[K, V]) Value() V { return g.rec.value }

// Done releases the entry lock and drops this Guard's reference,
// making the entry eligible for eviction once refs reaches zero.
func (g Guard[K, V]) Done() {
	g.rec.value.Unlock()
	g.c.mu.Lock()
	g.rec.refs--
	g.c.evictLocked()
	g.c.mu.Unlock()
}
