package proc

import (
	"sync"
	"time"

	"github.com/oichkatzelesfrettschen/sv39k/internal/fs"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
	"github.com/oichkatzelesfrettschen/sv39k/internal/pmem"
	"github.com/oichkatzelesfrettschen/sv39k/internal/vm"
)

// Table is the fixed-size process table plus the single
// condition variable every sleep/wakeup rendezvous funnels through
// (spec.md 2: "All blocking ... funnels through the sleep-channel
// primitive").
type Table struct {
	mu      sync.Mutex
	cond    *sync.Cond
	procs   [NPROC]*Proc
	nextPid int
	mem     *pmem.Allocator
	fsys    *fs.FS
}

// NewTable creates an empty process table backed by mem for address
// space allocation and fsys for cwd/file operations.
func NewTable(mem *pmem.Allocator, fsys *fs.FS) *Table {
	t := &Table{mem: mem, fsys: fsys, nextPid: 1}
	t.cond = sync.NewCond(&t.mu)
	for i := range t.procs {
		t.procs[i] = &Proc{}
	}
	return t
}

// alloc finds an Unused slot, assigns it the next monotonic pid, and
// marks it Runnable-pending (caller finishes initialization before
// making it visible by returning it unlocked).
func (t *Table) alloc() (*Proc, kerrno.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		p.mu.Lock()
		if p.State == Unused {
			p.Pid = t.nextPid
			t.nextPid++
			p.State = Runnable
			p.mu.Unlock()
			return p, kerrno.EOK
		}
		p.mu.Unlock()
	}
	return nil, kerrno.EOUTOFPROCS
}

// Spawn creates the first process (init-equivalent): a fresh address
// space, cwd set to the filesystem root, and cpu number 0.
func (t *Table) Spawn(name string, cwd *fs.Inode) (*Proc, kerrno.Err_t) {
	p, err := t.alloc()
	if err != kerrno.EOK {
		return nil, err
	}
	pt, perr := vm.New(t.mem, 0)
	if perr != kerrno.EOK {
		p.Locked(func() { p.State = Unused })
		return nil, perr
	}
	p.Pagetable = pt
	p.Name = name
	p.Cwd = cwd
	return p, kerrno.EOK
}

// Fork duplicates parent into a new child process: a copied address
// space (eager, non-COW, per spec.md 4.3's fork_copy), duplicated open
// file references and cwd, and a runnable state — visible to the
// scheduler only once fully built (spec.md O4: "fork publishes the
// child only after its address space is fully [constructed]").
func (t *Table) Fork(parent *Proc, parentCPU int) (*Proc, kerrno.Err_t) {
	child, err := t.alloc()
	if err != kerrno.EOK {
		return nil, err
	}

	childPT, perr := vm.New(t.mem, parentCPU)
	if perr != kerrno.EOK {
		child.Locked(func() { child.State = Unused })
		return nil, perr
	}

	parent.mu.Lock()
	sz := parent.Sz
	parentPT := parent.Pagetable
	files := parent.Files
	cwd := parent.Cwd
	name := parent.Name
	parentPid := parent.Pid
	parent.mu.Unlock()

	if err := vm.ForkCopy(parentPT, childPT, sz); err != kerrno.EOK {
		childPT.Free(sz)
		child.Locked(func() { child.State = Unused })
		return nil, err
	}

	child.mu.Lock()
	child.Pagetable = childPT
	child.Sz = sz
	child.ParentPid = parentPid
	child.Name = name
	child.Cwd = t.fsys.IDup(cwd)
	for i, f := range files {
		if f != nil {
			child.Files[i] = f.dup()
		}
	}
	child.mu.Unlock()

	return child, kerrno.EOK
}

// Exit closes every open file, drops cwd (inside a transaction, per
// spec.md 4.7), reparents live children to initPid, wakes the parent,
// and transitions to zombie.
func (t *Table) Exit(p *Proc, initPid, status int) {
	p.mu.Lock()
	files := p.Files
	cwd := p.Cwd
	p.Files = [NOFILE]*File{}
	p.Cwd = nil
	parentPid := p.ParentPid
	p.mu.Unlock()

	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
	if cwd != nil {
		t.fsys.BeginOp()
		t.fsys.IPut(cwd)
		t.fsys.EndOp()
	}

	t.mu.Lock()
	for _, q := range t.procs {
		q.mu.Lock()
		if q.ParentPid == p.Pid {
			q.ParentPid = initPid
		}
		q.mu.Unlock()
	}
	t.mu.Unlock()

	p.mu.Lock()
	p.ExitCode = status
	p.State = Zombie
	p.mu.Unlock()

	t.Wakeup(waitKey(parentPid))
}

// waitKey is the channel Exit passes to Wakeup for the exiting
// process's parent. Wait does not sleep on it: Wakeup broadcasts the
// table's condition variable, which is what Wait blocks on.
func waitKey(parentPid int) any { return struct{ parentWait int }{parentPid} }

// Wait scans for a zombie child of parent, reaps it, and returns its
// pid and exit status. It blocks on the table's condition variable
// (woken by any Wakeup) if no child is currently a zombie, and returns
// ENOTFOUND if parent has no children at all.
func (t *Table) Wait(parent *Proc) (int, int, kerrno.Err_t) {
	for {
		haveChild := false
		t.mu.Lock()
		for _, p := range t.procs {
			p.mu.Lock()
			if p.ParentPid == parent.Pid && p.State != Unused {
				haveChild = true
				if p.State == Zombie {
					pid := p.Pid
					status := p.ExitCode
					pt := p.Pagetable
					sz := p.Sz
					p.Pid = 0
					p.ParentPid = 0
					p.State = Unused
					p.Killed = false
					p.ExitCode = 0
					p.Name = ""
					p.Pagetable = nil
					p.Sz = 0
					p.Files = [NOFILE]*File{}
					p.Cwd = nil
					p.waitChan = nil
					p.Accnt = Accnt{}
					p.start = time.Time{}
					p.mu.Unlock()
					t.mu.Unlock()
					if pt != nil {
						pt.Free(sz)
					}
					return pid, status, kerrno.EOK
				}
			}
			p.mu.Unlock()
		}
		if !haveChild {
			t.mu.Unlock()
			return 0, 0, kerrno.ENOTFOUND
		}
		t.cond.Wait()
		t.mu.Unlock()
	}
}

// Kill marks pid's pending-kill flag and wakes it if sleeping; the
// victim observes the flag at its next trap return (spec.md 4.7).
func (t *Table) Kill(pid int) kerrno.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		p.mu.Lock()
		if p.Pid == pid && p.State != Unused {
			p.Killed = true
			if p.State == Sleeping {
				p.State = Runnable
			}
			p.mu.Unlock()
			t.cond.Broadcast()
			return kerrno.EOK
		}
		p.mu.Unlock()
	}
	return kerrno.ENOTFOUND
}

// Sleep atomically (relative to Wakeup) marks the calling process
// asleep on chan and blocks until woken, matching spec.md's sleep(chan,
// lk): "atomically releases lk ..., sets state to sleeping with
// wait_chan=chan, and yields."
func (t *Table) Sleep(p *Proc, chanKey any) {
	t.mu.Lock()
	p.mu.Lock()
	p.State = Sleeping
	p.waitChan = chanKey
	p.mu.Unlock()
	for {
		p.mu.Lock()
		state := p.State
		wc := p.waitChan
		p.mu.Unlock()
		if state != Sleeping || wc != chanKey {
			break
		}
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// Wakeup sets every process sleeping on chanKey to runnable (spec.md
// O3: "wakeup(c) is guaranteed to wake all processes already in
// sleep(c, ...) at the moment of wakeup").
func (t *Table) Wakeup(chanKey any) {
	t.mu.Lock()
	for _, p := range t.procs {
		p.mu.Lock()
		if p.State == Sleeping && p.waitChan == chanKey {
			p.State = Runnable
			p.waitChan = nil
		}
		p.mu.Unlock()
	}
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Runnable returns the first Runnable process found, transitioning it
// to Running, for a per-CPU scheduler loop to execute (spec.md 4.7).
// It returns nil if none is ready.
func (t *Table) Runnable() *Proc {
	for _, p := range t.procs {
		p.mu.Lock()
		if p.State == Runnable {
			p.State = Running
			p.mu.Unlock()
			return p
		}
		p.mu.Unlock()
	}
	return nil
}

// Yield returns a Running process to Runnable, modeling the
// self-loop in the spec.md 4.7 state diagram (timer-interrupt yield).
func (t *Table) Yield(p *Proc) {
	p.mu.Lock()
	if p.State == Running {
		p.State = Runnable
	}
	p.mu.Unlock()
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
}
