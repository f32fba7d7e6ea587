// Package spinlock implements the kernel's interrupt-disable discipline,
// spinlocks, and sleeplocks (spec.md 4.2).
//
// On real hardware a spinlock acquisition disables interrupts on the
// current hart and busy-waits on a test-and-set word. Hosted on
// goroutines there is no hart-local interrupt flag to flip, so this
// package keeps the *shape* of the discipline — a per-CPU nested
// disable counter and a scoped guard, exactly as spec.md section 9
// recommends ("Interrupt-disable discipline ... is modeled as a scoped
// guard returned by the interrupt controller") — while the actual
// mutual exclusion is delegated to sync.Mutex. IntrState.Off() reports
// whether a CPU is inside a disable region; the scheduler does not
// consult it, so the "holding a spinlock forbids blocking" rule is not
// checked at run time.
package spinlock

import "sync"

// IntrState tracks one CPU's nested interrupt-disable count, standing
// in for the hart's eflags.IF bit plus the teacher's noff/intena pair.
type IntrState struct {
	mu     sync.Mutex
	noff   int
	intena bool
}

// Guard is returned by Push and restores the prior interrupt state
// when Pop'd, modeling the scoped push_off/pop_off guard from
// spec.md section 9.
type Guard struct {
	st *IntrState
}

// Push disables interrupts (conceptually) and returns a guard that
// the caller must Pop to unwind the nesting count.
func (st *IntrState) Push() *Guard {
	st.mu.Lock()
	wasOff := st.noff > 0
	st.noff++
	if st.noff == 1 {
		st.intena = !wasOff
	}
	st.mu.Unlock()
	return &Guard{st: st}
}

// Pop unwinds one level of interrupt-disable nesting.
func (g *Guard) Pop() {
	g.st.mu.Lock()
	if g.st.noff == 0 {
		g.st.mu.Unlock()
		panic("spinlock: pop_off without matching push_off")
	}
	g.st.noff--
	g.st.mu.Unlock()
}

// Off reports whether this CPU currently has interrupts disabled,
// i.e. whether it is forbidden from sleeping except via the process
// lock's designated release-and-sleep path.
func (st *IntrState) Off() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.noff > 0
}

// Lock is a spinlock: acquisition disables interrupts on the calling
// CPU for the duration of the critical section.
type Lock struct {
	mu    sync.Mutex
	cpu   *IntrState
	guard *Guard
	name  string
}

// New creates a named spinlock bound to a CPU's interrupt state.
func New(name string, cpu *IntrState) *Lock {
	return &Lock{name: name, cpu: cpu}
}

// Acquire disables interrupts and takes the lock.
func (l *Lock) Acquire() {
	g := l.cpu.Push()
	l.mu.Lock()
	l.guard = g
}

// Release drops the lock and restores the prior interrupt state.
func (l *Lock) Release() {
	g := l.guard
	l.guard = nil
	l.mu.Unlock()
	g.Pop()
}

// Sleeplock layers a blocking wait on top of a spinlock: acquiring it
// may put the calling goroutine to sleep, so — unlike Lock — it must
// never be held while a Lock elsewhere is held (spec.md 5: "Holding a
// spinlock forbids blocking").
type Sleeplock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	held    bool
	holder  int64
	name    string
}

// NewSleeplock creates a named, initially-free sleeplock.
func NewSleeplock(name string) *Sleeplock {
	sl := &Sleeplock{name: name}
	sl.cond = sync.NewCond(&sl.mu)
	return sl
}

// Acquire blocks until the sleeplock is free, then takes it. holder is
// an opaque identifier (e.g. a pid) recorded for diagnostics.
func (sl *Sleeplock) Acquire(holder int64) {
	sl.mu.Lock()
	for sl.held {
		sl.cond.Wait()
	}
	sl.held = true
	sl.holder = holder
	sl.mu.Unlock()
}

// Release frees the sleeplock and wakes one waiter.
func (sl *Sleeplock) Release() {
	sl.mu.Lock()
	if !sl.held {
		sl.mu.Unlock()
		panic("spinlock: release of unheld sleeplock " + sl.name)
	}
	sl.held = false
	sl.holder = 0
	sl.mu.Unlock()
	sl.cond.Signal()
}

// Holder reports the opaque id of whoever holds the lock, or 0.
func (sl *Sleeplock) Holder() int64 {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.holder
}

// HeldBy reports whether holder currently holds the lock.
func (sl *Sleeplock) HeldBy(holder int64) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.held && sl.holder == holder
}
