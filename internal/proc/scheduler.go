package proc

import (
	"sync/atomic"
	"time"
)

// TickChan is the sleep channel timer interrupts wake (spec.md 4.8:
// "CPU 0 increments the global tick counter and wakes sleepers on
// it").
var TickChan any = struct{ tick int }{}

// Ticks is the global tick counter, advanced by Tick and read by
// callers implementing a sleep(n) syscall in terms of tick deltas.
type Ticks struct {
	n int64
}

// Tick advances the counter by one and wakes every sleeper registered
// on TickChan.
func (t *Table) Tick(ticks *Ticks) {
	atomic.AddInt64(&ticks.n, 1)
	t.Wakeup(TickChan)
}

// Now returns the current tick count.
func (tk *Ticks) Now() int64 { return atomic.LoadInt64(&tk.n) }

// Execute is supplied by the trap/kernel layer to actually run one
// time slice of p (dispatch its next trap, syscall, or simulated
// instruction burst) and return once p yields the CPU back to the
// scheduler.
type Execute func(cpu int, p *Proc)

// RunCPU is one hart's scheduler loop (spec.md 4.7): scan for a
// runnable process, run it until it yields control back, and repeat;
// idle briefly when nothing is runnable rather than busy-spinning,
// standing in for "enables interrupts and halts until the next
// event." It returns when stop is closed.
func RunCPU(t *Table, cpu int, execute Execute, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		p := t.Runnable()
		if p == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		execute(cpu, p)
		t.Yield(p)
	}
}
