package fd

import (
	"kern/circbuf"
	"kern/defs"
	"kern/fdops"
	"kern/ksync"
	"kern/limits"
	"kern/mem"
)

// Pipe_t is an anonymous unidirectional byte pipe shared between one or
// more reading Fd_ts and one or more writing Fd_ts (a pipe's ends may
// each be duplicated by fork/dup). Storage is a circbuf.Circbuf_t;
// blocking is a ksync.Condvar_t keyed by the pipe itself, woken whenever
// a read frees space or a write adds data.
type Pipe_t struct {
	mu      ksync.Sleeplock_t
	cv      ksync.Condvar_t
	cb      circbuf.Circbuf_t
	readers int
	writers int
}

// MkPipe allocates a pipe with one reader and one writer end, the state
// right after the pipe(2) syscall creates it, or -defs.NoFreeFileDescriptorTableEntry
// once limits.Syslimit.Pipes outstanding pipes already exist.
func MkPipe(m mem.Page_i) (*Pipe_t, defs.Err_t) {
	if !limits.Syslimit.Pipes.Take() {
		return nil, -defs.NoFreeFileDescriptorTableEntry
	}
	p := &Pipe_t{readers: 1, writers: 1}
	p.cb.Cb_init(mem.PGSIZE, m)
	return p, 0
}

// PipeFd_t is the Fdops_i each end of a pipe exposes; writer
// distinguishes which end this descriptor is.
type PipeFd_t struct {
	pipe   *Pipe_t
	writer bool
}

// MkPipeFd wraps p as a read or write descriptor.
func MkPipeFd(p *Pipe_t, writer bool) *PipeFd_t {
	return &PipeFd_t{pipe: p, writer: writer}
}

func (pf *PipeFd_t) Close() defs.Err_t {
	p := pf.pipe
	p.mu.Lock()
	if pf.writer {
		p.writers--
	} else {
		p.readers--
	}
	done := p.readers == 0 && p.writers == 0
	p.mu.Unlock()
	p.cv.WakeAll(p)
	if done {
		limits.Syslimit.Pipes.Give()
	}
	return 0
}

func (pf *PipeFd_t) Reopen() defs.Err_t {
	p := pf.pipe
	p.mu.Lock()
	if pf.writer {
		p.writers++
	} else {
		p.readers++
	}
	p.mu.Unlock()
	return 0
}

func (pf *PipeFd_t) Fstat(st []uint8) defs.Err_t {
	return 0
}

// Read blocks until data is available or the pipe is empty and every
// writer has closed (EOF, returns 0 bytes). The wait does not check the
// calling process's killed flag, and proc.Kill does not wake it.
func (pf *PipeFd_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	p := pf.pipe
	p.mu.Lock()
	for p.cb.Empty() && p.writers > 0 {
		p.cv.Sleep(&p.mu, p)
	}
	n, err := p.cb.Copyout(dst)
	p.mu.Unlock()
	if n > 0 {
		p.cv.WakeAll(p)
	}
	return n, err
}

// Write blocks until room is available or every reader has closed
// (-defs.BrokenPipe). As with Read, the wait does not check the calling
// process's killed flag, and proc.Kill does not wake it.
func (pf *PipeFd_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	p := pf.pipe
	p.mu.Lock()
	tot := 0
	for tot < src.Totalsz() {
		for p.cb.Full() && p.readers > 0 {
			p.cv.Sleep(&p.mu, p)
		}
		if p.readers == 0 {
			p.mu.Unlock()
			return tot, -defs.BrokenPipe
		}
		n, err := p.cb.Copyin(src)
		if err != 0 {
			p.mu.Unlock()
			return tot, err
		}
		tot += n
		p.cv.WakeAll(p)
		if n == 0 {
			break
		}
	}
	p.mu.Unlock()
	return tot, 0
}

func (pf *PipeFd_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	p := pf.pipe
	p.mu.Lock()
	defer p.mu.Unlock()
	var ready fdops.Ready_t
	if pm.Events&fdops.R_READ != 0 && (!p.cb.Empty() || p.writers == 0) {
		ready |= fdops.R_READ
	}
	if pm.Events&fdops.R_WRITE != 0 && (!p.cb.Full() || p.readers == 0) {
		ready |= fdops.R_WRITE
	}
	if p.readers == 0 || p.writers == 0 {
		ready |= fdops.R_HUP
	}
	return ready, 0
}
