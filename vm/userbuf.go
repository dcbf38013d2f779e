package vm

import (
	"fmt"
	"sync"

	"kern/defs"
)

// Userbuf_t assists reading and writing a single contiguous range of
// user memory. Lookups and copies are atomic with respect to page
// faults: the address space lock is held for the whole transfer.
type Userbuf_t struct {
	userva int
	len    int
	off    int // 0 <= off <= len
	as     *Vm_t
}

// Ub_init initializes ub to describe [uva, uva+len) in as.
func (ub *Userbuf_t) Ub_init(as *Vm_t, uva, len int) {
	if len < 0 {
		panic("negative length")
	}
	if len >= 1<<39 {
		fmt.Printf("suspiciously large user buffer (%v)\n", len)
	}
	ub.userva = uva
	ub.len = len
	ub.off = 0
	ub.as = as
}

// Remain returns the number of unread/unwritten bytes left in the
// buffer.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.off }

// Totalsz reports the total size of the buffer in bytes.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

// Uioread copies from user memory into dst.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	defer ub.as.Unlock_pmap()
	return ub.tx(dst, false)
}

// Uiowrite copies src into user memory.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	defer ub.as.Unlock_pmap()
	return ub.tx(src, true)
}

// tx copies min(len(buf), ub.Remain()) bytes, returning the count moved.
// On error the buffer's offset reflects exactly what was transferred so
// the caller may resume or report a short read/write.
func (ub *Userbuf_t) tx(buf []uint8, write bool) (int, defs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		va := ub.userva + ub.off
		ubuf, err := ub.as.Userdmap8_inner(va, write)
		if err != 0 {
			return ret, err
		}
		if left := ub.len - ub.off; len(ubuf) > left {
			ubuf = ubuf[:left]
		}
		var c int
		if write {
			c = copy(ubuf, buf)
		} else {
			c = copy(buf, ubuf)
		}
		buf = buf[c:]
		ub.off += c
		ret += c
	}
	return ret, 0
}

type iove_t struct {
	uva uint
	sz  int
}

// Useriovec_t represents a scatter/gather list of user buffers, as read
// from an iovec array in user memory (readv/writev).
type Useriovec_t struct {
	iovs []iove_t
	tsz  int
	as   *Vm_t
}

// Iov_init reads niovs {ptr,len} pairs from user memory starting at
// iovarn and initializes iov from them.
func (iov *Useriovec_t) Iov_init(as *Vm_t, iovarn uint, niovs int) defs.Err_t {
	if niovs > 10 {
		return -defs.InvalidInput
	}
	iov.tsz = 0
	iov.iovs = make([]iove_t, niovs)
	iov.as = as

	as.Lock_pmap()
	defer as.Unlock_pmap()
	for i := range iov.iovs {
		const elmsz = uint(16)
		va := iovarn + uint(i)*elmsz
		dstva, err := as.userreadn_inner(int(va), 8)
		if err != 0 {
			return err
		}
		sz, err := as.userreadn_inner(int(va)+8, 8)
		if err != 0 {
			return err
		}
		iov.iovs[i] = iove_t{uva: uint(dstva), sz: sz}
		iov.tsz += sz
	}
	return 0
}

// Remain returns the number of bytes remaining across all iovecs.
func (iov *Useriovec_t) Remain() int {
	ret := 0
	for _, v := range iov.iovs {
		ret += v.sz
	}
	return ret
}

// Totalsz returns the total number of bytes described by the iovec
// array at Iov_init time.
func (iov *Useriovec_t) Totalsz() int { return iov.tsz }

func (iov *Useriovec_t) tx(buf []uint8, touser bool) (int, defs.Err_t) {
	ub := &Userbuf_t{}
	did := 0
	for len(buf) > 0 && len(iov.iovs) > 0 {
		ciov := &iov.iovs[0]
		ub.Ub_init(iov.as, int(ciov.uva), ciov.sz)
		c, err := ub.tx(buf, touser)
		ciov.uva += uint(c)
		ciov.sz -= c
		if ciov.sz == 0 {
			iov.iovs = iov.iovs[1:]
		}
		buf = buf[c:]
		did += c
		if err != 0 {
			return did, err
		}
	}
	return did, 0
}

// Uioread reads into dst from the set of user buffers described by iov.
func (iov *Useriovec_t) Uioread(dst []uint8) (int, defs.Err_t) {
	iov.as.Lock_pmap()
	defer iov.as.Unlock_pmap()
	return iov.tx(dst, false)
}

// Uiowrite writes src across the set of user buffers described by iov.
func (iov *Useriovec_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	iov.as.Lock_pmap()
	defer iov.as.Unlock_pmap()
	return iov.tx(src, true)
}

// Fakeubuf_t implements the same interface as Userbuf_t but operates on
// a plain kernel-owned byte slice. It lets kernel-internal callers and
// tests reuse code written against fdops.Userio_i without a real user
// address space; in this module its users are the tests.
type Fakeubuf_t struct {
	fbuf []uint8
	len  int
}

// Fake_init sets up the fake buffer over buf.
func (fb *Fakeubuf_t) Fake_init(buf []uint8) {
	fb.fbuf = buf
	fb.len = len(buf)
}

// Remain returns the number of bytes left in the fake buffer.
func (fb *Fakeubuf_t) Remain() int { return len(fb.fbuf) }

// Totalsz returns the total length of the fake buffer.
func (fb *Fakeubuf_t) Totalsz() int { return fb.len }

func (fb *Fakeubuf_t) tx(buf []uint8, tofbuf bool) (int, defs.Err_t) {
	var c int
	if tofbuf {
		c = copy(fb.fbuf, buf)
	} else {
		c = copy(buf, fb.fbuf)
	}
	fb.fbuf = fb.fbuf[c:]
	return c, 0
}

// Uioread copies from the fake buffer into dst.
func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) { return fb.tx(dst, false) }

// Uiowrite copies src into the fake buffer.
func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { return fb.tx(src, true) }

// Ubpool recycles Userbuf_t structs across syscalls to cut allocations
// on the hot read/write path.
var Ubpool = sync.Pool{New: func() interface{} { return new(Userbuf_t) }}

// Mkuserbuf allocates (from Ubpool) and initializes a Userbuf_t
// describing [userva, userva+len) in as.
func (as *Vm_t) Mkuserbuf(userva, len int) *Userbuf_t {
	ub := Ubpool.Get().(*Userbuf_t)
	ub.Ub_init(as, userva, len)
	return ub
}
