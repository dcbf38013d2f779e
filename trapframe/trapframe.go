// Package trapframe defines the saved-register layout a process's trap
// path reads and writes. On real RV64 hardware this is the page the
// trampoline's uservec/userret assembly saves/restores GPRs into at a
// fixed virtual address shared by every process's page table; in this
// hosted simulation there is no assembly trampoline to port, so
// Trapframe_t is just the struct a process's own goroutine passes
// through trap.Dispatch, carrying the simulated ecall ABI (a7 holds the
// syscall number, a0..a5 the arguments, a0 the return value) and the
// bookkeeping trap.Dispatch needs to resume the right code on return.
//
// It is its own package, underneath both proc and trap, so that proc's
// ProcPrivate_t can hold a process's live and saved trapframes without
// importing trap (which itself needs proc for Exit/Yield/Kill).
package trapframe

import "time"

// UserRegisters_t is the user-mode general-purpose register file, field
// for field the same 31 registers the teacher's trampoline.S spills to
// and reloads from TRAPFRAME around a trap.
type UserRegisters_t struct {
	Ra, Sp, Gp, Tp uint64
	T0, T1, T2     uint64
	S0, S1         uint64
	A0, A1, A2, A3 uint64
	A4, A5, A6, A7 uint64
	S2, S3, S4, S5 uint64
	S6, S7, S8, S9 uint64
	S10, S11       uint64
	T3, T4, T5, T6 uint64
}

// Trapframe_t is a process's saved trap state: where the kernel should
// resume on the next trap (KernelSatp/KernelSp/KernelTrap/KernelHartid
// mirror the teacher's fields, unused by this simulation but kept so
// the layout reads the same as the hardware original), the user
// program counter at the time of the trap, and the register file.
type Trapframe_t struct {
	KernelSatp   uint64
	KernelSp     uint64
	KernelTrap   uint64
	KernelHartid uint64
	Epc          uint64
	Regs         UserRegisters_t
}

// AlarmState_t is a process's optional periodic signal-handler
// registration (Sys_sigalarm), stored on the shared block since setting
// one is visible process-wide the moment the syscall returns.
type AlarmState_t struct {
	Interval time.Duration
	handler  uint64
	next     time.Time
}

// NewAlarm records a request to redirect execution to handler every
// interval of elapsed time, armed starting now.
func NewAlarm(interval time.Duration, handler uint64) *AlarmState_t {
	return &AlarmState_t{Interval: interval, handler: handler, next: time.Now().Add(interval)}
}

// Handler returns the user virtual address execution should jump to.
func (a *AlarmState_t) Handler() uint64 { return a.handler }

// Expired reports whether the alarm's interval has elapsed.
func (a *AlarmState_t) Expired(now time.Time) bool {
	return a.Interval > 0 && !now.Before(a.next)
}

// Rearm schedules the alarm's next firing relative to now.
func (a *AlarmState_t) Rearm(now time.Time) {
	a.next = now.Add(a.Interval)
}
