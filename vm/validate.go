package vm

import (
	"kern/defs"
)

// Uservalidated_t wraps a user range that Validate has vetted: every
// page in it is mapped (faulted in on demand during validation) and
// carries the flags the caller asked for. The type exists so copy
// paths can demand proof of validation in their signature instead of
// revalidating or trusting the caller — a Uservalidated_t cannot be
// constructed outside Validate.
type Uservalidated_t struct {
	ub *Userbuf_t
}

// Userbuf returns the transfer buffer for the validated range.
func (v Uservalidated_t) Userbuf() *Userbuf_t { return v.ub }

// Ok reports whether v was actually produced by a successful Validate.
func (v Uservalidated_t) Ok() bool { return v.ub != nil }

// Validate checks that every page of [uva, uva+n) is mapped with the
// required flags, faulting unpopulated pages of known regions in as it
// goes, and returns the range wrapped as validated. A copy-on-write
// page counts as writable: the copy path resolves the duplication on
// first touch, and the only way that resolution can fail afterward is
// allocation exhaustion, not an invalid address.
func (as *Vm_t) Validate(uva, n int, required Pte_t) (Uservalidated_t, defs.Err_t) {
	if n < 0 {
		return Uservalidated_t{}, -defs.InvalidInput
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()

	end := uva + n
	for va := uva &^ (PGSIZE - 1); va < end; va += PGSIZE {
		pte, ok := as.pt.lookup(va)
		if !ok || !pte.Valid() {
			if err := as.faultLocked(va, false); err != 0 {
				return Uservalidated_t{}, -defs.BadAddress
			}
			pte, ok = as.pt.lookup(va)
			if !ok {
				return Uservalidated_t{}, -defs.BadAddress
			}
		}
		flags := pte.Flags()
		if flags&PTE_C != 0 {
			flags |= PTE_W
		}
		if flags&required != required {
			return Uservalidated_t{}, -defs.VirtualAddressWithUnexpectedPerm
		}
	}

	ub := Ubpool.Get().(*Userbuf_t)
	ub.Ub_init(as, uva, n)
	return Uservalidated_t{ub: ub}, 0
}

// Release returns the validated range's buffer to the pool once the
// syscall that validated it is finished copying.
func (v Uservalidated_t) Release() {
	if v.ub != nil {
		Ubpool.Put(v.ub)
	}
}
