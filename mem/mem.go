// Package mem implements the physical page allocator and the refcounted
// page manager described in spec.md §4.1. The teacher shards its free
// list per-CPU and casts unsafe.Pointer over a direct-mapped view of
// literal physical RAM (runtime.Get_phys, Vdirect); this module has no
// real physical address space to map into, so a "physical page" is a
// Go-owned Bytepg_t referenced by an opaque Pa_t index, and the free
// list is a single shared list guarded by a mutex — per-CPU sharding is
// an SMP scalability optimization out of scope for a teaching kernel.
// The refcount algorithm (atomic inc/dec, free-on-zero, a sentinel for
// pages that must never be shared) is unchanged from the teacher's
// Physmem_t.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks the offset within a page.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page-aligned portion of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// Pa_t is an opaque "physical page" handle: in this hosted simulation it
// is one more than the index of a page within PageManager_t.pages, not a
// literal memory address. Zero is reserved so the Go zero value of Pa_t
// never aliases a real page.
type Pa_t uintptr

// Bytepg_t is a page-sized byte buffer, the storage a Pa_t refers to.
type Bytepg_t [PGSIZE]uint8

// Pg2bytes is kept for call-site symmetry with the teacher's
// Pg_t/Bytepg_t split; in this module a page is always stored as a
// Bytepg_t so the conversion is the identity.
func Pg2bytes(pg *Bytepg_t) *Bytepg_t { return pg }

// Page_i abstracts physical page allocation for callers (circbuf.Circbuf_t,
// and fd's pipes that create one) that only need alloc/refup/refdown and must not
// depend on the concrete PageManager_t.
type Page_i interface {
	Refpg_new() (*Bytepg_t, Pa_t, bool)
	Refpg_new_nozero() (*Bytepg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Deref(Pa_t) *Bytepg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

// sentinelRefcount marks a page as non-shareable: it is freed by exactly
// one owner and never participates in refcounting (DMA buffers,
// page-table pages). Refup/Refdown panic if called on one.
const sentinelRefcount int32 = -1

type pageState_t struct {
	refcnt int32 // atomic; sentinelRefcount for non-shareable pages
	nexti  uint32
	inuse  bool
}

// PageManager_t is the system's physical page allocator plus refcount
// table. NewPageManager creates the instance that backs the kernel;
// tests create their own smaller instances.
type PageManager_t struct {
	mu      sync.Mutex
	pages   []*Bytepg_t
	states  []pageState_t
	freei   uint32 // head of the free list; noFree == empty
	freelen int32
}

const noFree = ^uint32(0)

// NewPageManager creates a page manager whose backing store grows lazily
// up to capacity pages, the teaching-kernel equivalent of spec.md §4.1's
// "free list of 4 KiB pages carved from the kernel's heap region."
func NewPageManager(capacity int) *PageManager_t {
	return &PageManager_t{
		pages:  make([]*Bytepg_t, 0, capacity),
		states: make([]pageState_t, 0, capacity),
		freei:  noFree,
	}
}

func (pm *PageManager_t) grow() (uint32, bool) {
	if len(pm.pages) >= cap(pm.pages) {
		return 0, false
	}
	idx := uint32(len(pm.pages))
	pm.pages = append(pm.pages, &Bytepg_t{})
	pm.states = append(pm.states, pageState_t{})
	return idx, true
}

// allocIndex pops a page index off the free list, growing the backing
// store if the free list is empty. ok is false on NoFreePage.
func (pm *PageManager_t) allocIndex() (uint32, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var idx uint32
	if pm.freei != noFree {
		idx = pm.freei
		pm.freei = pm.states[idx].nexti
		pm.freelen--
	} else {
		var ok bool
		idx, ok = pm.grow()
		if !ok {
			return 0, false
		}
	}
	pm.states[idx].inuse = true
	pm.states[idx].refcnt = 0
	return idx, true
}

func idx2pa(idx uint32) Pa_t { return Pa_t(idx) + 1 }
func pa2idx(pa Pa_t) uint32  { return uint32(pa - 1) }

// Refpg_new allocates a zeroed, refcounted page. The returned page's
// refcount starts at zero; the caller Refups it once installed.
func (pm *PageManager_t) Refpg_new() (*Bytepg_t, Pa_t, bool) {
	idx, ok := pm.allocIndex()
	if !ok {
		return nil, 0, false
	}
	pg := pm.pages[idx]
	*pg = Bytepg_t{}
	return pg, idx2pa(idx), true
}

// Refpg_new_nozero allocates a refcounted page without zeroing it.
func (pm *PageManager_t) Refpg_new_nozero() (*Bytepg_t, Pa_t, bool) {
	idx, ok := pm.allocIndex()
	if !ok {
		return nil, 0, false
	}
	return pm.pages[idx], idx2pa(idx), true
}

// Alloc is the non-shareable allocation path for DMA buffers and
// page-table pages, which never participate in refcounting.
func (pm *PageManager_t) Alloc() (Pa_t, *Bytepg_t, bool) {
	idx, ok := pm.allocIndex()
	if !ok {
		return 0, nil, false
	}
	pm.states[idx].refcnt = sentinelRefcount
	return idx2pa(idx), pm.pages[idx], true
}

// AllocZeroed is Alloc with the returned page pre-zeroed.
func (pm *PageManager_t) AllocZeroed() (Pa_t, *Bytepg_t, bool) {
	pa, pg, ok := pm.Alloc()
	if ok {
		*pg = Bytepg_t{}
	}
	return pa, pg, ok
}

// Deref returns the byte storage for pa without touching its refcount.
func (pm *PageManager_t) Deref(pa Pa_t) *Bytepg_t {
	return pm.pages[pa2idx(pa)]
}

// Refcnt returns the current reference count of pa.
func (pm *PageManager_t) Refcnt(pa Pa_t) int {
	return int(atomic.LoadInt32(&pm.states[pa2idx(pa)].refcnt))
}

// Refup increments the reference count of pa. Panics if pa is
// non-shareable — shared ownership of a DMA/page-table page is a
// programmer error, not a runtime condition to recover from.
func (pm *PageManager_t) Refup(pa Pa_t) {
	st := &pm.states[pa2idx(pa)]
	c := atomic.AddInt32(&st.refcnt, 1)
	if c <= 0 {
		panic(fmt.Sprintf("mem: Refup on non-shareable or corrupt page %d (refcnt=%d)", pa, c))
	}
}

// Refdown decrements the reference count of pa, returning true if the
// page was freed. Panics on underflow or on a non-shareable page: per
// spec.md §7, freeing a page with ref-count 0 is an invariant violation.
func (pm *PageManager_t) Refdown(pa Pa_t) bool {
	st := &pm.states[pa2idx(pa)]
	c := atomic.AddInt32(&st.refcnt, -1)
	if c < 0 {
		panic(fmt.Sprintf("mem: Refdown underflow on page %d", pa))
	}
	if c != 0 {
		return false
	}
	pm.free(pa2idx(pa))
	return true
}

// Free releases a non-shareable page (allocated via Alloc/AllocZeroed)
// back to the free list, bypassing refcounting entirely.
func (pm *PageManager_t) Free(pa Pa_t) {
	idx := pa2idx(pa)
	if pm.states[idx].refcnt != sentinelRefcount {
		panic("mem: Free called on a refcounted page; use Refdown")
	}
	pm.free(idx)
}

func (pm *PageManager_t) free(idx uint32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.states[idx].inuse {
		panic("mem: double free")
	}
	pm.states[idx].inuse = false
	pm.states[idx].nexti = pm.freei
	pm.freei = idx
	pm.freelen++
}

// Zeropg is an all-zero page, mirroring the teacher's global Zeropg.
// vm does not map it: the first fault on an anonymous page allocates a
// fresh zeroed page instead.
var Zeropg = &Bytepg_t{}

// Stats reports free/total page counts, used for diagnostics and tests.
func (pm *PageManager_t) Stats() (free, total int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return int(pm.freelen), len(pm.pages)
}
