// Package hashtable implements a small bucket-locked hash table with a
// lock-free Get, keyed by non-negative integers. proc's pid index is
// the consumer: Set at slot allocation, Del at slot reclaim, and a Get
// on every kill(2), which is the read-mostly pattern the lock-free
// lookup exists for — a Get never takes the bucket lock, it walks the
// chain through atomically published pointers.
package hashtable

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem_t struct {
	key   int
	value interface{}
	next  *elem_t
}

type bucket_t struct {
	sync.Mutex
	first *elem_t
}

// Hashtable_t maps int keys to values. Mutation locks the key's
// bucket; lookups are lock-free.
type Hashtable_t struct {
	table []*bucket_t
}

// MkHash allocates a table with size buckets.
func MkHash(size int) *Hashtable_t {
	ht := &Hashtable_t{table: make([]*bucket_t, size)}
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

func (ht *Hashtable_t) bucket(key int) *bucket_t {
	// Knuth multiplicative spread; pids are sequential, so the raw key
	// would pile consecutive entries into neighboring buckets.
	h := uint32(key) * 2654435761
	return ht.table[h%uint32(len(ht.table))]
}

// Get returns the value stored under key, without locking.
func (ht *Hashtable_t) Get(key int) (interface{}, bool) {
	b := ht.bucket(key)
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

// Set stores value under key. It returns the existing value and false
// if the key was already present (the stored value is left unchanged).
func (ht *Hashtable_t) Set(key int, value interface{}) (interface{}, bool) {
	b := ht.bucket(key)
	b.Lock()
	defer b.Unlock()

	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return e.value, false
		}
	}
	n := &elem_t{key: key, value: value, next: b.first}
	storeptr(&b.first, n)
	return value, true
}

// Del removes key. Deleting a key that is not present is a caller bug
// and panics, matching how the process table treats a double free.
func (ht *Hashtable_t) Del(key int) {
	b := ht.bucket(key)
	b.Lock()
	defer b.Unlock()

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		last = e
	}
	panic("del of non-existing key")
}

// Chain pointers are published with atomic stores and chased with
// atomic loads so an unlocked Get racing a Set/Del sees either the old
// or the new chain, never a half-written link.
func loadptr(e **elem_t) *elem_t {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	return (*elem_t)(atomic.LoadPointer(ptr))
}

func storeptr(p **elem_t, n *elem_t) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}
