// Package proc implements the process table and scheduler described in
// spec.md §4.4: a fixed-size slot table, fork/exit/wait/kill, and
// condition-variable sleep/wake keyed by resource address.
//
// The teacher's scheduler is a per-hart loop that switch_contexts into a
// Runnable slot's saved callee-saved registers. This module has no real
// harts or assembly context switch to port, so each process slot's body
// runs as its own goroutine and Go's own scheduler plays the role of the
// per-hart loop; Yield becomes a state flip plus runtime.Gosched() rather
// than a saved-register switch, the same hosted-simulation trade the mem
// and vm packages already make for the page allocator and page table.
package proc

import (
	"runtime"
	"sync"
	"sync/atomic"

	"kern/accnt"
	"kern/defs"
	"kern/fd"
	"kern/hashtable"
	"kern/ksync"
	"kern/limits"
	"kern/mem"
	"kern/trapframe"
	"kern/ustr"
	"kern/vm"
)

// NPROC is the process table's fixed size.
const NPROC = 64

// NOFILE is the size of a process's open-file array.
const NOFILE = 16

// Pstate_t is a process slot's shared state, the ProcState spec.md §3
// lists for the shared block.
type Pstate_t int

const (
	Unused Pstate_t = iota
	Used
	Runnable
	Running
	Sleeping
	Zombie
)

func (s Pstate_t) String() string {
	switch s {
	case Unused:
		return "unused"
	case Used:
		return "used"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Zombie:
		return "zombie"
	default:
		return "?"
	}
}

// ProcPrivate_t is the private block spec.md §3 says is exclusively held
// by the running process: its address space, open-file table, current
// directory, and accounting. Cleared (set to nil on the owning
// ProcSlot_t) when the process exits.
type ProcPrivate_t struct {
	PM        *mem.PageManager_t
	AS        *vm.Vm_t
	Fds       [NOFILE]*fd.Fd_t
	Cwd       *fd.Cwd_t
	Accnt     accnt.Accnt_t
	TraceMask uint64

	// TF is the live trapframe trap.Dispatch reads and writes across a
	// syscall, interrupt, or exception. SavedTF is non-nil only while
	// execution is inside an alarm handler, holding the interrupted
	// trapframe sigreturn restores from.
	TF      *trapframe.Trapframe_t
	SavedTF *trapframe.Trapframe_t
}

// ProcSlot_t is one entry of the process table. mu guards the shared
// block (Pid, State, Killed, ExitStatus); parent is guarded instead by
// the package-level waitLock, matching spec.md §3's "parent pointer
// protected by a global wait-lock" so that reparenting on exit never
// races against a concurrent wait() scan. private is only ever touched
// by the process's own goroutine plus Exit (which nils it) and is not
// guarded by mu — the invariant spec.md §3 states ("exactly one hart
// holds the private block while Running or mid-syscall") holds here
// because only that one goroutine ever runs the process's body.
type ProcSlot_t struct {
	mu         ksync.Spinlock_t
	Pid        defs.Pid_t
	Name       string
	State      Pstate_t
	Killed     bool
	ExitStatus int

	private *ProcPrivate_t

	// Alarm is the process's optional periodic signal-handler
	// registration (Sys_sigalarm), guarded by mu like the rest of the
	// shared block since trap.Dispatch checks and rearms it on every
	// trap, not just from the owning goroutine.
	Alarm *trapframe.AlarmState_t

	parent     *ProcSlot_t
	childEnded ksync.Condvar_t
}

// Private returns p's private block. Safe only from p's own goroutine —
// the same invariant that lets run's caller touch p.private directly —
// which is exactly where trap.Dispatch runs, on behalf of the process
// whose trap it is handling.
func (p *ProcSlot_t) Private() *ProcPrivate_t {
	return p.private
}

// EnterSignalHandler saves p's live trapframe and redirects its epc to
// handler, for trap.Dispatch's alarm-expiry check. Panics if a handler
// is already active; spec.md's alarm model doesn't nest.
func (p *ProcSlot_t) EnterSignalHandler(handler uint64) {
	pp := p.private
	if pp.SavedTF != nil {
		panic("proc: EnterSignalHandler called while already in a handler")
	}
	saved := *pp.TF
	pp.SavedTF = &saved
	pp.TF.Epc = handler
}

// Sigreturn restores the trapframe EnterSignalHandler saved, the
// Sys_sigreturn syscall's entire job. Returns NoWaitTarget-style failure
// via a bool since there's nothing sensible to do but report "not in a
// handler" if called outside of one.
func (p *ProcSlot_t) Sigreturn() bool {
	pp := p.private
	if pp.SavedTF == nil {
		return false
	}
	*pp.TF = *pp.SavedTF
	pp.SavedTF = nil
	return true
}

var table [NPROC]ProcSlot_t
var waitLock ksync.Spinlock_t

// pidIndex maps live pids to their slots so Kill doesn't scan the whole
// table per lookup. Entries live from allocSlot to freeSlot; a zombie's
// pid stays resolvable until its parent harvests it.
var pidIndex = hashtable.MkHash(NPROC)

// killcv is keyed by a *ProcSlot_t's own address, distinct from whatever
// resource cv a process is Sleeping on, so Kill can force-wake exactly
// the targeted process without broadcasting to every other sleeper
// blocked on that same resource.
var killcv ksync.Condvar_t

var nextPid int64
var nlive int64

// Init is the first process spawned; Exit reparents orphaned children to
// it, per spec.md §4.4.
var Init *ProcSlot_t

// allocSlot reserves a table entry, admission-controlled against
// limits.Syslimit.Sysprocs in addition to the table's hard NPROC bound.
func allocSlot() (*ProcSlot_t, defs.Err_t) {
	n := atomic.AddInt64(&nlive, 1)
	if n > int64(limits.Syslimit.Sysprocs) {
		atomic.AddInt64(&nlive, -1)
		return nil, -defs.NoFreeProc
	}
	for i := range table {
		p := &table[i]
		p.mu.Lock()
		if p.State == Unused {
			p.Pid = defs.Pid_t(atomic.AddInt64(&nextPid, 1))
			p.State = Used
			p.Killed = false
			p.ExitStatus = 0
			pidIndex.Set(int(p.Pid), p)
			p.mu.Unlock()
			return p, 0
		}
		p.mu.Unlock()
	}
	atomic.AddInt64(&nlive, -1)
	return nil, -defs.NoFreeProc
}

// freeSlot returns p to Unused, reclaiming it for a future alloc.
// Callers must not touch p again afterward.
func freeSlot(p *ProcSlot_t) {
	p.mu.Lock()
	pidIndex.Del(int(p.Pid))
	p.State = Unused
	p.private = nil
	p.mu.Unlock()
	waitLock.Lock()
	p.parent = nil
	waitLock.Unlock()
	atomic.AddInt64(&nlive, -1)
}

// cloneCwd duplicates a Cwd_t's underlying directory descriptor and
// path, the per-process copy Fork needs (parent and child must be able
// to chdir independently afterward).
func cloneCwd(c *fd.Cwd_t) (*fd.Cwd_t, defs.Err_t) {
	c.Lock()
	defer c.Unlock()
	nfd, err := fd.Copyfd(c.Fd)
	if err != 0 {
		return nil, err
	}
	return &fd.Cwd_t{Fd: nfd, Path: append(ustr.Ustr{}, c.Path...)}, 0
}

// Spawn creates a fresh process (an empty address space, no parent) and
// runs body as its own goroutine. Used once, for Init; every other
// process comes from Fork.
func Spawn(pm *mem.PageManager_t, cwd *fd.Cwd_t, name string, body func(*ProcSlot_t)) (*ProcSlot_t, defs.Err_t) {
	p, err := allocSlot()
	if err != 0 {
		return nil, err
	}
	as, ok := vm.NewVm(pm)
	if !ok {
		freeSlot(p)
		return nil, -defs.NoFreePage
	}
	ncwd, err := cloneCwd(cwd)
	if err != 0 {
		freeSlot(p)
		return nil, err
	}
	p.Name = name
	p.private = &ProcPrivate_t{PM: pm, AS: as, Cwd: ncwd, TF: &trapframe.Trapframe_t{}}
	p.mu.Lock()
	p.State = Runnable
	p.mu.Unlock()

	if Init == nil {
		Init = p
	}
	go run(p, body)
	return p, 0
}

// Fork allocates a child slot, clones the parent's address space via
// copy-on-write and duplicates its open-file table and cwd, then runs
// body as the child's own goroutine. It returns the child's pid to the
// parent; the scall layer is responsible for the fork(2) convention
// spec.md §4.4 describes (parent's syscall returns Ok(Some(child_pid)),
// the child's own first return from the syscall path yields Ok(None)) —
// that split lives in how the caller wires up body and the trapframe
// it resumes into, not in this function.
func Fork(parent *ProcSlot_t, body func(child *ProcSlot_t)) (defs.Pid_t, defs.Err_t) {
	child, err := allocSlot()
	if err != 0 {
		return 0, err
	}
	pp := parent.private

	as, ok := vm.NewVm(pp.PM)
	if !ok {
		freeSlot(child)
		return 0, -defs.NoFreePage
	}
	if err := as.ClonePagesFrom(pp.AS); err != 0 {
		freeSlot(child)
		return 0, err
	}
	ncwd, err := cloneCwd(pp.Cwd)
	if err != 0 {
		freeSlot(child)
		return 0, err
	}

	childTF := *pp.TF
	cp := &ProcPrivate_t{PM: pp.PM, AS: as, Cwd: ncwd, TF: &childTF}
	for i, f := range pp.Fds {
		if f == nil {
			continue
		}
		nf, err := fd.Copyfd(f)
		if err != 0 {
			for j := 0; j < i; j++ {
				if cp.Fds[j] != nil {
					cp.Fds[j].Fops.Close()
				}
			}
			freeSlot(child)
			return 0, err
		}
		cp.Fds[i] = nf
	}

	child.Name = parent.Name
	child.private = cp

	waitLock.Lock()
	child.parent = parent
	waitLock.Unlock()

	child.mu.Lock()
	child.State = Runnable
	child.mu.Unlock()

	go run(child, body)
	return child.Pid, 0
}

// run is every process slot's goroutine entry point: it flips the slot
// to Running, invokes the caller's body, and makes sure the slot still
// exits even if body returns without calling Exit itself.
func run(p *ProcSlot_t, body func(*ProcSlot_t)) {
	p.mu.Lock()
	p.State = Running
	p.mu.Unlock()

	start := p.private.Accnt.Now()
	body(p)
	p.mu.Lock()
	exited := p.State == Zombie
	p.mu.Unlock()
	if !exited {
		p.private.Accnt.Finish(start)
		Exit(p, 0)
	}
}

// Yield gives up the rest of this process's turn: Runnable, then back
// to Running once the Go scheduler resumes it. This stands in for the
// teacher's switch_context into the per-hart scheduler loop.
func Yield(p *ProcSlot_t) {
	p.mu.Lock()
	p.State = Runnable
	p.mu.Unlock()
	runtime.Gosched()
	p.mu.Lock()
	p.State = Running
	p.mu.Unlock()
}

// Sleep atomically releases guard and blocks p until Wake(cv) (or Kill)
// wakes it, then reacquires guard, mirroring spec.md §4.4's Sleep(cv,
// guard). It returns SleepingProcessAlreadyKilled if p was already
// killed before going to sleep, or if Kill targeted it while asleep;
// callers (Wait's loop, a future pipe/read wait) must propagate that up
// rather than looping again.
func (p *ProcSlot_t) Sleep(cv *ksync.Condvar_t, guard sync.Locker) defs.Err_t {
	p.mu.Lock()
	if p.Killed {
		p.mu.Unlock()
		return -defs.SleepingProcessAlreadyKilled
	}
	p.State = Sleeping
	p.mu.Unlock()

	rch, rcancel := cv.Register(cv)
	kch, kcancel := killcv.Register(p)

	guard.Unlock()
	select {
	case <-rch:
		kcancel()
	case <-kch:
		rcancel()
	}
	guard.Lock()

	p.mu.Lock()
	p.State = Running
	killed := p.Killed
	p.mu.Unlock()
	if killed {
		return -defs.SleepingProcessAlreadyKilled
	}
	return 0
}

// Wake wakes every process sleeping on cv, spec.md §4.4's "scans all
// slots and promotes Sleeping{chan == address(cv)} -> Runnable" — done
// here by the condvar's own key index rather than a literal table scan.
func Wake(cv *ksync.Condvar_t) {
	cv.WakeAll(cv)
}

// Kill marks pid's process killed and, if it is currently sleeping,
// force-wakes it via killcv so it observes the flag on its next chance
// (the Sleep it's blocked in returns SleepingProcessAlreadyKilled)
// instead of waiting for whatever resource it was blocked on.
func Kill(pid defs.Pid_t) defs.Err_t {
	v, ok := pidIndex.Get(int(pid))
	if !ok {
		return -defs.ProcessNotFound
	}
	p := v.(*ProcSlot_t)
	p.mu.Lock()
	if p.State == Unused || p.Pid != pid {
		// the slot was reclaimed between the index lookup and the lock.
		p.mu.Unlock()
		return -defs.ProcessNotFound
	}
	p.Killed = true
	sleeping := p.State == Sleeping
	p.mu.Unlock()
	if sleeping {
		killcv.Wake(p)
	}
	return 0
}

// Exit closes every open file, releases the cwd, reparents any children
// to Init (waking Init's childEnded if one of them is already a
// zombie), notifies the exiting process's own parent, and moves the
// slot to Zombie with its private block cleared. The caller's goroutine
// returns normally afterward instead of "entering the scheduler never
// to return" — there is no scheduler loop to return into in this
// simulation, just the end of the process's own goroutine.
func Exit(p *ProcSlot_t, status int) {
	pp := p.private
	for i, f := range pp.Fds {
		if f != nil {
			f.Fops.Close()
			pp.Fds[i] = nil
		}
	}
	if pp.Cwd != nil {
		pp.Cwd.Fd.Fops.Close()
	}

	waitLock.Lock()
	for i := range table {
		c := &table[i]
		c.mu.Lock()
		if c.parent != p {
			c.mu.Unlock()
			continue
		}
		c.parent = Init
		zombie := c.State == Zombie
		c.mu.Unlock()
		if zombie && Init != nil {
			Init.childEnded.Wake(&Init.childEnded)
		}
	}
	parent := p.parent
	waitLock.Unlock()

	p.mu.Lock()
	p.State = Zombie
	p.ExitStatus = status
	p.private = nil
	p.mu.Unlock()

	if parent != nil {
		// the wake key is the condvar's own address, matching what
		// Sleep registered under.
		parent.childEnded.Wake(&parent.childEnded)
	}
}

// Wait blocks self until a child matching target (0 meaning "any
// child") becomes a zombie, then harvests and frees that slot. It
// returns NoWaitTarget immediately if self has no matching children at
// all, and propagates SleepingProcessAlreadyKilled if self is killed
// while waiting.
func Wait(self *ProcSlot_t, target defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	waitLock.Lock()
	for {
		found := false
		for i := range table {
			c := &table[i]
			c.mu.Lock()
			if c.parent != self || c.State == Unused {
				c.mu.Unlock()
				continue
			}
			if target != 0 && c.Pid != target {
				c.mu.Unlock()
				continue
			}
			found = true
			if c.State == Zombie {
				pid := c.Pid
				status := c.ExitStatus
				c.mu.Unlock()
				waitLock.Unlock()
				freeSlot(c)
				return pid, status, 0
			}
			c.mu.Unlock()
		}
		if !found {
			waitLock.Unlock()
			return 0, 0, -defs.NoWaitTarget
		}
		if err := self.Sleep(&self.childEnded, &waitLock); err != 0 {
			waitLock.Unlock()
			return 0, 0, err
		}
	}
}

// Getpid returns p's pid; trivial, but every syscall dispatcher needs a
// stable way to read it without reaching into the struct directly.
func Getpid(p *ProcSlot_t) defs.Pid_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Pid
}

// Killed reports whether p has been marked killed, the check trap.Dispatch
// makes after every syscall, exception, and interrupt.
func Killed(p *ProcSlot_t) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Killed
}

// GetAlarm returns p's current alarm registration, or nil if none is
// armed. Guarded by mu since trap.Dispatch reads it from whatever
// goroutine is running p's trap path, not necessarily under any lock
// the caller already holds.
func (p *ProcSlot_t) GetAlarm() *trapframe.AlarmState_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Alarm
}

// SetAlarm installs (or clears, passing nil) p's periodic signal-handler
// registration; Sys_sigalarm's entire job.
func (p *ProcSlot_t) SetAlarm(a *trapframe.AlarmState_t) {
	p.mu.Lock()
	p.Alarm = a
	p.mu.Unlock()
}
