package vm

import (
	"kern/defs"
	"kern/ustr"
	"kern/util"
)

// Userdmap8_inner returns the byte slice within the page mapping va,
// starting at va's offset within that page. It faults the page in
// first if necessary — for k2u (the kernel is about to write through
// this slice into user memory) a COW page is duplicated; for a plain
// read, an unmapped page in a valid region is populated from its
// backing (anon zero-fill or file). The caller must already hold
// as's mutex (via Lock_pmap), since a fault may install new mappings.
func (as *Vm_t) Userdmap8_inner(va int, k2u bool) ([]uint8, defs.Err_t) {
	voff := va & (PGSIZE - 1)
	vpage := va &^ (PGSIZE - 1)

	pte, ok := as.pt.lookup(vpage)
	needfault := true
	if ok && pte.Valid() {
		if k2u {
			if pte.Writable() {
				needfault = false
			}
		} else {
			needfault = false
		}
	}
	if needfault {
		if err := as.faultLocked(vpage, k2u); err != 0 {
			return nil, err
		}
		pte, ok = as.pt.lookup(vpage)
		if !ok {
			return nil, -defs.VirtualPageNotMapped
		}
	}
	pg := as.pm.Deref(pte.Pa())
	return pg[voff:], 0
}

// Userdmap8r maps va for reading only, taking and releasing the lock
// itself; it must not be used when the caller needs the mapping to
// remain stable across multiple operations.
func (as *Vm_t) Userdmap8r(va int) ([]uint8, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.Userdmap8_inner(va, false)
}

// Userreadn reads n (<= 8) bytes from user address va as a little
// endian integer.
func (as *Vm_t) Userreadn(va, n int) (int, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.userreadn_inner(va, n)
}

func (as *Vm_t) userreadn_inner(va, n int) (int, defs.Err_t) {
	if n > 8 {
		panic("large n")
	}
	var ret int
	for i := 0; i < n; {
		src, err := as.Userdmap8_inner(va+i, false)
		if err != 0 {
			return 0, err
		}
		l := n - i
		if len(src) < l {
			l = len(src)
		}
		v := util.Readn(src, l, 0)
		ret |= v << (8 * uint(i))
		i += l
	}
	return ret, 0
}

// Userwriten writes the low n bytes of val to user address va.
func (as *Vm_t) Userwriten(va, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for i := 0; i < n; {
		v := val >> (8 * uint(i))
		dst, err := as.Userdmap8_inner(va+i, true)
		if err != 0 {
			return err
		}
		l := n - i
		if len(dst) < l {
			l = len(dst)
		}
		util.Writen(dst, l, 0, v)
		i += l
	}
	return 0
}

// Userstr copies a NUL-terminated string from user memory at uva, up to
// lenmax bytes. It returns ArgumentListTooLong if no NUL is found in
// time.
func (as *Vm_t) Userstr(uva int, lenmax int) (ustr.Ustr, defs.Err_t) {
	if lenmax < 0 {
		return nil, 0
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	i := 0
	s := ustr.MkUstr()
	for {
		str, err := as.Userdmap8_inner(uva+i, false)
		if err != 0 {
			return s, err
		}
		for j, c := range str {
			if c == 0 {
				if len(s)+j >= lenmax {
					return nil, -defs.ArgumentListTooLong
				}
				return append(s, str[:j]...), 0
			}
		}
		s = append(s, str...)
		i += len(str)
		if len(s) >= lenmax {
			return nil, -defs.ArgumentListTooLong
		}
	}
}

// K2user copies src into user memory starting at uva.
func (as *Vm_t) K2user(src []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.K2user_inner(src, uva)
}

func (as *Vm_t) K2user_inner(src []uint8, uva int) defs.Err_t {
	cnt := 0
	for cnt != len(src) {
		dst, err := as.Userdmap8_inner(uva+cnt, true)
		if err != 0 {
			return err
		}
		n := copy(dst, src[cnt:])
		cnt += n
	}
	return 0
}

// User2k copies len(dst) bytes from user memory at uva into dst.
func (as *Vm_t) User2k(dst []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.User2k_inner(dst, uva)
}

func (as *Vm_t) User2k_inner(dst []uint8, uva int) defs.Err_t {
	cnt := 0
	for cnt != len(dst) {
		src, err := as.Userdmap8_inner(uva+cnt, false)
		if err != 0 {
			return err
		}
		n := copy(dst[cnt:], src)
		cnt += n
	}
	return 0
}
