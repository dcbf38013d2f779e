package vm

import (
	"unsafe"

	"kern/mem"
)

// PGSIZE mirrors mem.PGSIZE for callers that only import vm.
const PGSIZE = mem.PGSIZE

// sv39Levels is the number of page table levels Sv39 walks: VPN[2],
// VPN[1], VPN[0].
const sv39Levels = 3

// ptpage_t is the on-page-table-page view of 512 PTEs; it occupies
// exactly one Bytepg_t, the same "reinterpret a page as a typed array"
// trick the teacher's Pg2bytes/Bytepg2pg perform for Pg_t/Pmap_t.
type ptpage_t [512]Pte_t

func pg2pt(pg *mem.Bytepg_t) *ptpage_t {
	return (*ptpage_t)(unsafe.Pointer(pg))
}

// vpn returns the 9-bit virtual page number field for Sv39 level lvl
// (2 is the root level, 0 is the leaf level) of virtual address va.
func vpn(va int, lvl int) int {
	shift := 12 + 9*lvl
	return (va >> shift) & 0x1ff
}

// pageTable_t walks and mutates a 3-level Sv39 page table rooted at
// Root. It does not own locking; callers serialize through Vm_t's
// mutex, the same division of labor as the teacher's Vm_t/Pmap split.
type pageTable_t struct {
	Root mem.Pa_t
	pm   *mem.PageManager_t
}

// walk descends the page table for va, allocating intermediate
// directory pages on demand when alloc is true. It returns a pointer to
// the leaf PTE slot, or (nil, false) if the walk ran out of memory or
// (with alloc false) hit a missing directory.
func (pt *pageTable_t) walk(va int, alloc bool) (*Pte_t, bool) {
	pa := pt.Root
	for lvl := sv39Levels - 1; lvl > 0; lvl-- {
		tbl := pg2pt(pt.pm.Deref(pa))
		idx := vpn(va, lvl)
		pte := &tbl[idx]
		if !pte.Valid() {
			if !alloc {
				return nil, false
			}
			npa, npg, ok := pt.pm.Alloc()
			if !ok {
				return nil, false
			}
			*npg = mem.Bytepg_t{}
			*pte = mkpte(npa, PTE_V)
		}
		pa = pte.Pa()
	}
	tbl := pg2pt(pt.pm.Deref(pa))
	return &tbl[vpn(va, 0)], true
}

// lookup returns the leaf PTE mapping va, or ok=false if unmapped.
func (pt *pageTable_t) lookup(va int) (Pte_t, bool) {
	slot, ok := pt.walk(va, false)
	if !ok || slot == nil || !slot.Valid() {
		return 0, false
	}
	return *slot, true
}

// install maps va to pa with the given flags, replacing any existing
// mapping. It allocates directory pages as needed.
func (pt *pageTable_t) install(va int, pa mem.Pa_t, flags Pte_t) bool {
	slot, ok := pt.walk(va, true)
	if !ok {
		return false
	}
	*slot = mkpte(pa, flags|PTE_V)
	return true
}

// clear removes the mapping at va, if any, returning the PTE that was
// removed.
func (pt *pageTable_t) clear(va int) (Pte_t, bool) {
	slot, ok := pt.walk(va, false)
	if !ok || slot == nil || !slot.Valid() {
		return 0, false
	}
	old := *slot
	*slot = 0
	return old, true
}

// newRoot allocates a fresh, empty top-level page table.
func newRoot(pm *mem.PageManager_t) (mem.Pa_t, bool) {
	pa, pg, ok := pm.Alloc()
	if !ok {
		return 0, false
	}
	*pg = mem.Bytepg_t{}
	return pa, true
}

// freeRoot tears down every directory page reachable from root
// (non-shareable page-table pages only; leaf physical pages are the
// caller's responsibility via Vm_t.Uvmfree, which Refdowns them).
func freeRoot(pm *mem.PageManager_t, root mem.Pa_t, lvl int) {
	tbl := pg2pt(pm.Deref(root))
	if lvl > 0 {
		for _, pte := range tbl {
			if pte.Valid() && !pte.leaf() {
				freeRoot(pm, pte.Pa(), lvl-1)
			}
		}
	}
	pm.Free(root)
}
