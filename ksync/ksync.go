// Package ksync provides the kernel's locking primitives: a spinlock
// with nested-disable bookkeeping, a sleeplock that parks the calling
// goroutine instead of spinning, and a condition variable modeled the
// way spec.md §9 suggests porting one to a goroutine-based simulation —
// by address identity rather than sync.Cond's opaque broadcast, so a
// waiter can be identified by which address it's sleeping on (used by
// proc's Wait/Kill to wake a specific sleeper without broadcasting to
// every goroutine blocked in the kernel).
//
// The teacher's locking idiom is an embedded sync.Mutex on the owning
// struct (accnt.Accnt_t, fd.Cwd_t, hashtable.bucket_t); these types
// exist for the cases where that's not enough — recursive depth
// tracking for interrupt-disable scopes, and the sleep/wake rendezvous
// the scheduler needs that sync.Mutex alone cannot express.
package ksync

import (
	"sync"
	"sync/atomic"
)

// Spinlock_t is a mutex that additionally tracks how many times the
// calling goroutine has disabled "interrupts" (in this simulation,
// there are no real maskable interrupts — the counter exists so debug
// builds can assert that code holding a spinlock never calls something
// that would block, a real invariant the teacher's x86 CLI/STI nesting
// enforces in hardware).
type Spinlock_t struct {
	mu    sync.Mutex
	depth int32
}

// Lock acquires the spinlock and bumps the nesting depth.
func (l *Spinlock_t) Lock() {
	l.mu.Lock()
	atomic.AddInt32(&l.depth, 1)
}

// Unlock decrements the nesting depth and releases the spinlock.
func (l *Spinlock_t) Unlock() {
	atomic.AddInt32(&l.depth, -1)
	l.mu.Unlock()
}

// Held reports whether the nesting depth is nonzero — usable only as a
// debug assertion, since depth is observed outside the lock.
func (l *Spinlock_t) Held() bool {
	return atomic.LoadInt32(&l.depth) != 0
}

// Sleeplock_t is a mutex meant to be held across a blocking operation
// (a disk read, a pipe wait) — unlike Spinlock_t, which must never be
// held across a suspension point.
type Sleeplock_t struct {
	mu sync.Mutex
}

func (l *Sleeplock_t) Lock()   { l.mu.Lock() }
func (l *Sleeplock_t) Unlock() { l.mu.Unlock() }

// Condvar_t is a condition variable keyed by the address of the value
// a waiter is blocked on. Sys_wait/Sys_kill-style wakeups address a
// specific sleeper by that value instead of broadcasting to everyone
// waiting on the same Condvar_t, which is what lets proc.Kill wake
// a single waiting process rather than the thundering-herd every
// sync.Cond.Broadcast would cause.
type Condvar_t struct {
	mu      sync.Mutex
	waiters map[interface{}][]chan struct{}
}

func (cv *Condvar_t) init() {
	if cv.waiters == nil {
		cv.waiters = make(map[interface{}][]chan struct{})
	}
}

// Register adds the calling goroutine to key's waiter list and returns
// the channel it will be woken on, plus a cancel func that removes the
// registration again if the caller ends up not waiting on it (e.g. it
// woke via a different channel in a select). Calling cancel after the
// channel has already been closed by Wake/WakeAll is a harmless no-op.
//
// This is the primitive Sleep is built on; it exists on its own so a
// caller that needs to wait on more than one key at once (proc.Kill
// forcing a sleeper off its resource cv without broadcasting to every
// other waiter on that same resource) can select between two
// independent Registers instead of being limited to Condvar_t's single
// built-in key per Sleep call.
func (cv *Condvar_t) Register(key interface{}) (<-chan struct{}, func()) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	cv.init()
	ch := make(chan struct{})
	cv.waiters[key] = append(cv.waiters[key], ch)
	cancel := func() {
		cv.mu.Lock()
		defer cv.mu.Unlock()
		chs := cv.waiters[key]
		for i, c := range chs {
			if c == ch {
				cv.waiters[key] = append(chs[:i:i], chs[i+1:]...)
				break
			}
		}
		if len(cv.waiters[key]) == 0 {
			delete(cv.waiters, key)
		}
	}
	return ch, cancel
}

// Sleep registers the calling goroutine as waiting on key, releases
// guard, blocks until woken, then reacquires guard. The caller must
// hold guard on entry; it holds guard again on return.
func (cv *Condvar_t) Sleep(guard sync.Locker, key interface{}) {
	ch, _ := cv.Register(key)
	guard.Unlock()
	<-ch
	guard.Lock()
}

// Wake wakes exactly one waiter blocked on key, if any, returning
// whether a waiter was found.
func (cv *Condvar_t) Wake(key interface{}) bool {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	cv.init()
	chs := cv.waiters[key]
	if len(chs) == 0 {
		return false
	}
	close(chs[0])
	rest := chs[1:]
	if len(rest) == 0 {
		delete(cv.waiters, key)
	} else {
		cv.waiters[key] = rest
	}
	return true
}

// WakeAll wakes every waiter blocked on key.
func (cv *Condvar_t) WakeAll(key interface{}) int {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	cv.init()
	chs := cv.waiters[key]
	for _, ch := range chs {
		close(ch)
	}
	delete(cv.waiters, key)
	return len(chs)
}
