// Package trap implements the unified trap entry/exit path (spec.md
// 4.8): a single dispatch point for syscalls, device interrupts,
// timer interrupts, and page faults. The hosting model replaces the
// assembly trampoline and saved-register frame with an ordinary Go
// struct and function call — the trampoline/context-switch asm itself
// stays out of scope, as it does in the source system.
package trap

import (
	"github.com/oichkatzelesfrettschen/sv39k/internal/proc"
)

// Cause identifies why Dispatch was invoked.
type Cause int

const (
	CauseSyscall Cause = iota
	CauseDeviceIRQ
	CauseTimer
	CausePageFault
	CauseOther
)

// Frame stands in for the saved trapframe: the syscall number and its
// positional arguments (a0..a5 in the RISC-V calling convention), the
// return value slot, and, for a page fault, the faulting address.
type Frame struct {
	Cause     Cause
	Syscall   int64
	Args      [6]int64
	Ret       int64
	FaultAddr uintptr
	Write     bool
	IRQ       int
}

// Syscaller dispatches a decoded syscall number/args to its handler,
// implemented by the syscall package to avoid an import cycle.
type Syscaller interface {
	Dispatch(p *proc.Proc, num int64, args [6]int64) int64
}

// FaultHandler attempts to materialize a lazy mapping at addr (spec.md
// 4.8: "if the faulting address matches a lazy-mapping region
// maintained by the syscall layer ... attempt to materialize it"). It
// returns true if the fault was resolved and the process may resume.
type FaultHandler func(p *proc.Proc, addr uintptr, write bool) bool

// Core wires the collaborators Dispatch needs together.
type Core struct {
	Table   *proc.Table
	Ticks   *proc.Ticks
	Calls   Syscaller
	Fault   FaultHandler
	IRQ     *Router
	InitPid int
}

// Dispatch runs one trap to completion. On a user trap it mirrors
// spec.md 4.8, except that Frame carries no program counter, so nothing
// is advanced past the ecall instruction: syscalls store their result in
// Frame.Ret and run with interrupts enabled conceptually (modeled here simply by not
// holding any kernel spinlock across the call); device interrupts
// consume and acknowledge one PLIC claim; CPU 0 alone advances the
// tick counter on a timer interrupt and every CPU's current process
// yields afterward; an unresolved page fault or any other cause kills
// the process. kernelMode restricts the allowed causes to device and
// timer, panicking otherwise, per "kernel traps must be device or
// timer only."
func (c *Core) Dispatch(cpu int, p *proc.Proc, f *Frame, kernelMode bool) {
	if kernelMode && f.Cause != CauseDeviceIRQ && f.Cause != CauseTimer {
		panic("trap: non-device/timer trap while in kernel mode")
	}

	switch f.Cause {
	case CauseSyscall:
		f.Ret = c.Calls.Dispatch(p, f.Syscall, f.Args)

	case CauseDeviceIRQ:
		if c.IRQ != nil {
			c.IRQ.Service(f.IRQ)
		}

	case CauseTimer:
		if cpu == 0 {
			c.Table.Tick(c.Ticks)
		}
		c.Table.Yield(p)

	case CausePageFault:
		resolved := c.Fault != nil && c.Fault(p, f.FaultAddr, f.Write)
		if !resolved {
			p.Locked(func() { p.Killed = true })
		}

	default:
		p.Locked(func() { p.Killed = true })
	}

	if killed(p) {
		c.Table.Exit(p, c.InitPid, -1)
	}
}

func killed(p *proc.Proc) bool {
	var k bool
	p.Locked(func() { k = p.Killed })
	return k
}
