package vm

import (
	"sync"

	"kern/defs"
	"kern/fdops"
	"kern/mem"
)

// mtype_t distinguishes the kind of backing a Vminfo_t region has.
type mtype_t uint

const (
	vmAnon mtype_t = iota
	vmFile
)

// Vminfo_t records one mapped region of an address space: its extent,
// permissions, and whether writes to it must first duplicate a shared
// page (COW) — the bookkeeping the teacher's Vm_t.Vminfo slice carries
// per mtype_t region, used to decide how Pgfault resolves a fault.
type Vminfo_t struct {
	Mtype  mtype_t
	Start  int
	Len    int
	Perms  Pte_t // PTE_R|PTE_W|PTE_X|PTE_U as requested by the mapping
	Shared bool  // true for mmap(MAP_SHARED)-style regions: never COW
	Fops   fdops.Fdops_i
	Foff   int
}

func (vi *Vminfo_t) contains(va int) bool {
	return va >= vi.Start && va < vi.Start+vi.Len
}

// Vm_t is one process's address space: a page table root plus the list
// of regions mapped into it. All mutation goes through Lock/Unlock,
// mirroring the teacher's Vm_t.Lock_pmap/Unlock_pmap convention of a
// single mutex guarding both the page table and the Vminfo_t list.
type Vm_t struct {
	sync.Mutex
	pt     pageTable_t
	pm     *mem.PageManager_t
	Vminfo []Vminfo_t
}

// NewVm creates an empty address space backed by pm.
func NewVm(pm *mem.PageManager_t) (*Vm_t, bool) {
	root, ok := newRoot(pm)
	if !ok {
		return nil, false
	}
	return &Vm_t{pt: pageTable_t{Root: root, pm: pm}, pm: pm}, true
}

// Lock_pmap serializes page-table lookups/mutations against concurrent
// page faults and syscalls on the same address space.
func (as *Vm_t) Lock_pmap() { as.Lock() }

// Unlock_pmap releases the lock taken by Lock_pmap.
func (as *Vm_t) Unlock_pmap() { as.Unlock() }

// Vmadd_anon records an anonymous (zero-fill-on-demand) mapping.
func (as *Vm_t) Vmadd_anon(start, len int, perms Pte_t) {
	as.Vminfo = append(as.Vminfo, Vminfo_t{Mtype: vmAnon, Start: start, Len: len, Perms: perms})
}

// Vmadd_shareanon records an anonymous mapping that is never COW'd on
// fork (both parent and child observe writes through it).
func (as *Vm_t) Vmadd_shareanon(start, len int, perms Pte_t) {
	as.Vminfo = append(as.Vminfo, Vminfo_t{Mtype: vmAnon, Start: start, Len: len, Perms: perms, Shared: true})
}

// Vmadd_file records a mapping backed by an open file descriptor,
// populated lazily on fault from fops at Foff.
func (as *Vm_t) Vmadd_file(start, len int, perms Pte_t, fops fdops.Fdops_i, foff int) {
	as.Vminfo = append(as.Vminfo, Vminfo_t{Mtype: vmFile, Start: start, Len: len, Perms: perms, Fops: fops, Foff: foff})
}

func (as *Vm_t) findRegion(va int) (*Vminfo_t, bool) {
	for i := range as.Vminfo {
		if as.Vminfo[i].contains(va) {
			return &as.Vminfo[i], true
		}
	}
	return nil, false
}

// MapPage installs a direct mapping for va to a freshly allocated,
// refcounted page with the given permissions, populating that page
// eagerly rather than lazily via a fault. Fork does not use it:
// ClonePagesFrom shares the parent's pages through Page_insert.
func (as *Vm_t) MapPage(va int, perms Pte_t) (mem.Pa_t, defs.Err_t) {
	pg, pa, ok := as.pm.Refpg_new()
	_ = pg
	if !ok {
		return 0, -defs.NoFreePage
	}
	as.pm.Refup(pa)
	if !as.pt.install(va, pa, perms) {
		as.pm.Refdown(pa)
		return 0, -defs.NoFreePage
	}
	return pa, 0
}

// Page_insert installs va -> p_pg directly, taking a reference on p_pg.
// Used by fork's COW setup and for mapping pages already allocated
// elsewhere.
func (as *Vm_t) Page_insert(va int, p_pg mem.Pa_t, perms Pte_t, ref bool) defs.Err_t {
	if ref {
		as.pm.Refup(p_pg)
	}
	if !as.pt.install(va, p_pg, perms) {
		if ref {
			as.pm.Refdown(p_pg)
		}
		return -defs.NoFreePage
	}
	return 0
}

// MapAddrs eagerly maps [va, va+size) with freshly allocated,
// refcounted pages (zeroed when zero is set). Fixed-target range
// mappings take Page_insert per page instead: this simulation's
// physical pages are discrete Go allocations, so there is no
// physically contiguous run to cover with one level-1 superpage the
// way the hardware original opportunistically would. On allocation
// failure the pages already installed are unmapped again before the
// error is returned.
func (as *Vm_t) MapAddrs(va, size int, perms Pte_t, zero bool) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for off := 0; off < size; off += PGSIZE {
		var pa mem.Pa_t
		var ok bool
		if zero {
			_, pa, ok = as.pm.Refpg_new()
		} else {
			_, pa, ok = as.pm.Refpg_new_nozero()
		}
		if !ok {
			as.unmapAddrsLocked(va, off)
			return -defs.NoFreePage
		}
		as.pm.Refup(pa)
		if !as.pt.install(va+off, pa, perms) {
			as.pm.Refdown(pa)
			as.unmapAddrsLocked(va, off)
			return -defs.NoFreePage
		}
	}
	return 0
}

// UnmapAddrs removes every leaf mapping in [va, va+size), dropping the
// reference on each page it unmaps. Holes in the range are skipped.
func (as *Vm_t) UnmapAddrs(va, size int) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	as.unmapAddrsLocked(va, size)
}

func (as *Vm_t) unmapAddrsLocked(va, size int) {
	for off := 0; off < size; off += PGSIZE {
		if old, ok := as.pt.clear(va + off); ok {
			as.pm.Refdown(old.Pa())
		}
	}
}

// Page_remove unmaps va, dropping the reference on whatever page was
// mapped there. It returns true if a mapping was removed.
func (as *Vm_t) Page_remove(va int) bool {
	old, ok := as.pt.clear(va)
	if !ok {
		return false
	}
	as.pm.Refdown(old.Pa())
	return true
}

// Lookup returns the PTE currently mapping va.
func (as *Vm_t) Lookup(va int) (Pte_t, bool) {
	return as.pt.lookup(va)
}

// ClonePagesFrom duplicates src's mappings into as for fork: every
// writable user page becomes COW (PTE_W cleared, PTE_C set) in both the
// parent and the child, and the underlying physical page's refcount is
// bumped instead of copied, matching spec.md §4.2's fork semantics.
// Shared regions (Vmadd_shareanon) keep their original writable
// permissions in both address spaces instead of being marked COW.
func (as *Vm_t) ClonePagesFrom(src *Vm_t) defs.Err_t {
	src.Lock_pmap()
	defer src.Unlock_pmap()
	as.Lock_pmap()
	defer as.Unlock_pmap()

	as.Vminfo = append([]Vminfo_t{}, src.Vminfo...)

	var walkErr defs.Err_t
	walkLevel(src.pm, src.pt.Root, sv39Levels-1, 0, func(va int, pte Pte_t) {
		if walkErr != 0 || !pte.User() {
			return
		}
		flags := pte.Flags()
		shared := false
		if vi, ok := src.findRegion(va); ok {
			shared = vi.Shared
		}
		if !shared && flags&PTE_W != 0 {
			flags = (flags &^ PTE_W) | PTE_C
			if slot, ok := src.pt.walk(va, false); ok && slot != nil {
				*slot = mkpte(pte.Pa(), flags)
			}
		}
		if err := as.Page_insert(va, pte.Pa(), flags, true); err != 0 {
			walkErr = err
		}
	})
	return walkErr
}

// walkLevel visits every valid leaf PTE reachable from root, calling fn
// with the reconstructed virtual address and PTE. base accumulates the
// high bits of va as the recursion descends.
func walkLevel(pm *mem.PageManager_t, root mem.Pa_t, lvl int, base int, fn func(va int, pte Pte_t)) {
	tbl := pg2pt(pm.Deref(root))
	for i, pte := range tbl {
		if !pte.Valid() {
			continue
		}
		va := base | (i << (12 + 9*lvl))
		if lvl == 0 {
			fn(va, pte)
			continue
		}
		if pte.leaf() {
			fn(va, pte)
			continue
		}
		walkLevel(pm, pte.Pa(), lvl-1, va, fn)
	}
}

// Pgfault resolves a page fault at fa for the given access type. A
// write fault on a COW page duplicates the physical page (or simply
// regains write permission if the refcount shows no other sharer);
// a fault on an unmapped address within an anon or file region
// populates it on demand.
func (as *Vm_t) Pgfault(fa int, write bool) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.faultLocked(fa, write)
}

// faultLocked is Pgfault's body, callable by Userdmap8_inner and
// friends that already hold as's mutex — Pgfault itself cannot be
// called re-entrantly since sync.Mutex is not recursive.
func (as *Vm_t) faultLocked(fa int, write bool) defs.Err_t {
	pte, ok := as.pt.lookup(fa)
	if ok && pte.Valid() {
		if !write || !pte.Cow() {
			return -defs.InaccessiblePage
		}
		return as.resolveCow(fa, pte)
	}

	vi, ok := as.findRegion(fa)
	if !ok {
		return -defs.VirtualPageNotMapped
	}
	return as.populate(vi, fa)
}

func (as *Vm_t) resolveCow(va int, pte Pte_t) defs.Err_t {
	pa := pte.Pa()
	flags := pte.Flags()
	if as.pm.Refcnt(pa) == 1 {
		// sole owner: just regain write permission, no copy needed.
		newflags := (flags &^ PTE_C) | PTE_W
		slot, _ := as.pt.walk(va, false)
		*slot = mkpte(pa, newflags)
		return 0
	}
	npg, npa, ok := as.pm.Refpg_new_nozero()
	if !ok {
		return -defs.NoFreePage
	}
	*npg = *as.pm.Deref(pa)
	as.pm.Refup(npa)
	as.pm.Refdown(pa)
	newflags := (flags &^ PTE_C) | PTE_W
	slot, _ := as.pt.walk(va, false)
	*slot = mkpte(npa, newflags)
	return 0
}

func (as *Vm_t) populate(vi *Vminfo_t, fa int) defs.Err_t {
	va := (fa / PGSIZE) * PGSIZE
	switch vi.Mtype {
	case vmAnon:
		pg, pa, ok := as.pm.Refpg_new()
		if !ok {
			return -defs.NoFreePage
		}
		_ = pg
		as.pm.Refup(pa)
		// A freshly faulted-in anon page has exactly one owner, so it
		// gets its full requested permissions immediately; COW only
		// comes into play once fork's ClonePagesFrom shares the page.
		if !as.pt.install(va, pa, vi.Perms) {
			as.pm.Refdown(pa)
			return -defs.NoFreePage
		}
		return 0
	case vmFile:
		pg, pa, ok := as.pm.Refpg_new()
		if !ok {
			return -defs.NoFreePage
		}
		off := vi.Foff + (va - vi.Start)
		fb := &fs_fakeubuf{buf: pg[:], off: off}
		_, err := vi.Fops.Read(fb)
		if err != 0 {
			// Refpg_new pages start at refcount 0 and mem.Free
			// rejects them; one Refup/Refdown pair frees the page.
			as.pm.Refup(pa)
			as.pm.Refdown(pa)
			return err
		}
		as.pm.Refup(pa)
		if !as.pt.install(va, pa, vi.Perms) {
			as.pm.Refdown(pa)
			return -defs.NoFreePage
		}
		return 0
	}
	return -defs.VirtualPageNotMapped
}

// fs_fakeubuf adapts a raw page buffer to fdops.Userio_i so a
// file-backed mapping's fault handler can reuse Fdops_i.Read without a
// real user address space. off is informational only here; Fdops_i
// implementations that need file offset tracking carry their own seek
// position per fd.
type fs_fakeubuf struct {
	buf []uint8
	off int
}

func (fb *fs_fakeubuf) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, fb.buf)
	fb.buf = fb.buf[n:]
	return n, 0
}
func (fb *fs_fakeubuf) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(fb.buf, src)
	fb.buf = fb.buf[n:]
	return n, 0
}
func (fb *fs_fakeubuf) Remain() int  { return len(fb.buf) }
func (fb *fs_fakeubuf) Totalsz() int { return len(fb.buf) }

// Uvmfree tears down the address space: every leaf mapping's page is
// Refdowned, then every directory page is freed.
func (as *Vm_t) Uvmfree() {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	walkLevel(as.pm, as.pt.Root, sv39Levels-1, 0, func(va int, pte Pte_t) {
		as.pm.Refdown(pte.Pa())
	})
	freeRoot(as.pm, as.pt.Root, sv39Levels-1)
}

// Root returns the physical page backing the top-level page table, the
// value that goes into satp on a real Sv39 implementation and that
// identifies this address space to the virtio/trap layers in this
// simulation.
func (as *Vm_t) Root() mem.Pa_t { return as.pt.Root }
