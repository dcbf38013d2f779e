// Package vm implements Sv39 page tables, address spaces, and the
// copy-on-write fault path. The teacher's vm/as.go builds a 4-level x86_64
// page table with hardware PTE_P/PTE_W/PTE_U bits and Cpumap/Tlbshoot IPI
// broadcast for multi-core TLB invalidation; this module re-encodes the
// same walk-and-install algorithm for RISC-V's 3-level Sv39 format and
// drops the IPI shootdown, since there is no hardware MMU here for a
// stale TLB entry to diverge from — an address space mutation takes
// effect the next time anything calls Fetch/Walk.
package vm

import "kern/mem"

// Pte_t is a single Sv39 page table entry.
type Pte_t uint64

// Sv39 PTE flag bits. V through D are the architectural bits; C is a
// software-defined bit placed in the RSW (reserved-for-software) field
// at bits 8-9, used to mark a page copy-on-write per spec.md's Open
// Question decision (recorded in DESIGN.md): a writable user mapping
// that must fault and duplicate its backing page before being written.
const (
	PTE_V Pte_t = 1 << 0 // valid
	PTE_R Pte_t = 1 << 1 // readable
	PTE_W Pte_t = 1 << 2 // writable
	PTE_X Pte_t = 1 << 3 // executable
	PTE_U Pte_t = 1 << 4 // accessible in U-mode
	PTE_G Pte_t = 1 << 5 // global mapping
	PTE_A Pte_t = 1 << 6 // accessed
	PTE_D Pte_t = 1 << 7 // dirty
	PTE_C Pte_t = 1 << 8 // copy-on-write (software, RSW bit)

	pteFlagsMask Pte_t = 0x3ff
	ptePPNShift        = 10
)

// mkpte packs a physical page and a flag set into a PTE.
func mkpte(pa mem.Pa_t, flags Pte_t) Pte_t {
	return Pte_t(pa)<<ptePPNShift | (flags & pteFlagsMask)
}

// Pa extracts the physical page a PTE refers to.
func (pte Pte_t) Pa() mem.Pa_t { return mem.Pa_t(pte >> ptePPNShift) }

// Flags extracts the flag bits of a PTE.
func (pte Pte_t) Flags() Pte_t { return pte & pteFlagsMask }

func (pte Pte_t) Valid() bool    { return pte&PTE_V != 0 }
func (pte Pte_t) Writable() bool { return pte&PTE_W != 0 }
func (pte Pte_t) User() bool     { return pte&PTE_U != 0 }
func (pte Pte_t) Cow() bool      { return pte&PTE_C != 0 }
func (pte Pte_t) leaf() bool     { return pte.Valid() && (pte&(PTE_R|PTE_W|PTE_X)) != 0 }

// WithFlags returns pte with its flags replaced, keeping the same
// physical page.
func (pte Pte_t) WithFlags(flags Pte_t) Pte_t {
	return mkpte(pte.Pa(), flags)
}
