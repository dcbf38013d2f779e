// Package fdops defines the narrow interfaces the per-fd file variants
// (pipe, inode-backed file, device) implement, and the user-I/O interface
// that lets circbuf and inode reads/writes copy to or from either real
// user memory or a test fixture without knowing which.
package fdops

import "kern/defs"

// Userio_i abstracts a source or destination for a data transfer: either
// real user memory (vm.Userbuf_t, over a vm.Uservalidated_t range) or a
// fixed in-memory buffer used by kernel-internal callers and tests
// (vm.Fakeubuf_t).
type Userio_i interface {
	// Uioread copies into dst from the underlying source, returning the
	// number of bytes actually copied.
	Uioread(dst []uint8) (int, defs.Err_t)
	// Uiowrite copies src into the underlying destination, returning the
	// number of bytes actually copied.
	Uiowrite(src []uint8) (int, defs.Err_t)
	// Remain reports how many bytes are left to transfer.
	Remain() int
	// Totalsz reports the total size of the transfer as originally sized.
	Totalsz() int
}

// Ready_t is a bitmask of readiness conditions used by Poll.
type Ready_t int

const (
	R_READ  Ready_t = 1 << 0
	R_WRITE Ready_t = 1 << 1
	R_ERROR Ready_t = 1 << 2
	R_HUP   Ready_t = 1 << 3
)

// Pollmsg_t carries a poll request to an Fdops_i implementation.
type Pollmsg_t struct {
	Events Ready_t
}

// Fdops_i is the operation set every open file descriptor variant
// implements: fd.PipeFd_t, fd.InodeFile_t, and fd.DevFile_t. spec.md §9 calls
// this out as a "tagged enum with fixed variants, not dynamic dispatch" —
// Go has no sum types, so the closed set is enforced by convention (three
// concrete types, one interface) rather than by the type system.
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(st []uint8) defs.Err_t
	Read(dst Userio_i) (int, defs.Err_t)
	Reopen() defs.Err_t
	Write(src Userio_i) (int, defs.Err_t)
	Poll(pm Pollmsg_t) (Ready_t, defs.Err_t)
}
