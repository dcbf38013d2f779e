// Package trap is the common landing point for everything that used to
// be a trampoline trap on real hardware: a syscall (ecall), a device
// interrupt, or an exception. The teacher's trap_user in
// interrupt/trap.rs is the direct model — read the saved epc, switch on
// scause, dispatch, recheck killed and the alarm, yield on a timer
// interrupt, then return to user code. There is no real scause/sepc
// register to read in this simulation, so Dispatch takes an explicit
// Cause_t the caller (a syscall entry point, or a device's interrupt
// delivery) supplies in its place, and there is no trap_user_ret: the
// goroutine that called Dispatch simply returns to resume user code
// itself rather than sret-ing through a trampoline page.
//
// Dispatch calls into proc for Exit/Yield/Kill and into scall for
// syscall decoding, but scall itself imports trap (for SyscallDispatch
// and Sigreturn) — to keep that acyclic, scall registers its dispatcher
// into SyscallDispatch at init time rather than trap importing scall
// directly, the same registration idiom fd.RegisterDevice uses for
// device drivers.
package trap

import (
	"fmt"
	"time"

	"kern/caller"
	"kern/defs"
	"kern/proc"
	"kern/trapframe"
)

// Cause_t is the trap reason a caller supplies to Dispatch in place of
// a hardware scause read.
type Cause_t int

const (
	// CauseSyscall is an ecall from user code; a7 holds the syscall
	// number and SyscallDispatch decodes the rest.
	CauseSyscall Cause_t = iota
	// CauseException is an unrecoverable fault (bad memory access,
	// illegal instruction, ...); ExceptionName names which one for the
	// diagnostic print.
	CauseException
	// CauseInterrupt is a device or timer interrupt; Irq identifies
	// which device for CauseInterrupt values that aren't the timer.
	CauseInterrupt
)

// IntrKind_t mirrors handle_dev_interrupt's return value: whether the
// interrupt was the timer, some other recognized device, or nothing
// any registered handler claimed.
type IntrKind_t int

const (
	IntrTimer IntrKind_t = iota
	IntrOther
	IntrNotRecognized
)

// DeviceInterrupt_i is a registered device's interrupt handler, the
// trap-dispatch half of what fd.Devsw_i is to file operations.
type DeviceInterrupt_i interface {
	HandleInterrupt()
}

var deviceIRQ = map[int]DeviceInterrupt_i{}

// RegisterIRQ associates irq with a device's interrupt handler, called
// once at bring-up time by each driver (virtio, the console UART).
func RegisterIRQ(irq int, d DeviceInterrupt_i) {
	deviceIRQ[irq] = d
}

// SyscallDispatch is filled in by package scall's init, breaking what
// would otherwise be an import cycle (scall imports this package for
// SyscallDispatch and Sigreturn; this package needs to call back into
// scall to run syscalls).
var SyscallDispatch func(p *proc.ProcSlot_t, tf *trapframe.Trapframe_t)

// TimerTick is called by whatever drives the simulated clock (a test,
// or a ticker goroutine started at bring-up) instead of a real
// SupervisorTimer trap; it is not routed through Dispatch because it
// doesn't belong to any one process the way a syscall or page fault
// does.
var TimerTick func()

// Event_t describes one trap occurrence: what kind of trap it was and
// (for CauseException/CauseInterrupt) enough detail for the diagnostic
// path. The process it happened in is passed to Dispatch separately.
type Event_t struct {
	Cause         Cause_t
	ExceptionName string
	Irq           int
}

// Dispatch runs p's trap path for ev and returns whether p is still
// alive afterward (false once Dispatch has driven it to Exit).
// Dispatch itself never returns into a trampoline the way trap_user_ret
// does — the caller's own goroutine resumes user code, or doesn't, once
// Dispatch returns.
func Dispatch(p *proc.ProcSlot_t, ev Event_t) bool {
	pp := p.Private()
	tf := pp.TF

	which := IntrOther
	switch ev.Cause {
	case CauseSyscall:
		if proc.Killed(p) {
			proc.Exit(p, -1)
			return false
		}
		// sepc points at the ecall; resume at the following
		// instruction once the syscall returns.
		tf.Epc += 4
		if SyscallDispatch != nil {
			SyscallDispatch(p, tf)
		}
	case CauseException:
		reportFault(p, "exception", ev.ExceptionName, tf)
		proc.Kill(proc.Getpid(p))
	case CauseInterrupt:
		which = handleDevInterrupt(ev.Irq)
		if which == IntrNotRecognized {
			reportFault(p, "unexpected interrupt", fmt.Sprintf("irq=%d", ev.Irq), tf)
			proc.Kill(proc.Getpid(p))
		}
	}

	if proc.Killed(p) {
		proc.Exit(p, -1)
		return false
	}

	if alarm := p.GetAlarm(); alarm != nil {
		now := time.Now()
		if alarm.Expired(now) {
			alarm.Rearm(now)
			p.EnterSignalHandler(alarm.Handler())
		}
	}

	if which == IntrTimer {
		proc.Yield(p)
	}
	return true
}

// reportFault prints the same two-line diagnostic the teacher's
// usertrap prints before killing a process, plus a user-mode backtrace.
func reportFault(p *proc.ProcSlot_t, kind, detail string, tf *trapframe.Trapframe_t) {
	fmt.Printf("usertrap: %s %s pid=%d name=%s\n", kind, detail, proc.Getpid(p), p.Name)
	fmt.Printf("          epc=%#x ra=%#x\n", tf.Epc, tf.Regs.Ra)
	caller.Callerdump(0)
}

// handleDevInterrupt is handle_dev_interrupt's port: the timer is
// always recognized, everything else is dispatched by RegisterIRQ's
// table, matching spec.md's Non-goal of not modeling PLIC claim/complete
// register programming beyond that contract.
func handleDevInterrupt(irq int) IntrKind_t {
	if irq < 0 {
		if TimerTick != nil {
			TimerTick()
		}
		return IntrTimer
	}
	if d, ok := deviceIRQ[irq]; ok {
		d.HandleInterrupt()
		return IntrOther
	}
	if irq == 0 {
		return IntrNotRecognized
	}
	return IntrNotRecognized
}

// Sigreturn handles Sys_sigreturn, a thin wrapper over
// proc.ProcSlot_t.Sigreturn that scall's dispatcher calls directly;
// kept here only so scall doesn't need to know proc's alarm internals.
// It returns -defs.NotInSignalHandler when p is not in a handler.
func Sigreturn(p *proc.ProcSlot_t) defs.Err_t {
	if !p.Sigreturn() {
		return -defs.NotInSignalHandler
	}
	return 0
}
