// Package proc implements the process table and scheduler (spec.md
// 4.7): fork/exit/wait/kill, the sleep/wakeup rendezvous every
// blocking wait funnels through, and per-CPU run loops.
//
// Grounded on the teacher's accnt.Accnt_t (per-process user/system
// time accounting, generalized here into Proc's embedded Accnt field)
// and fd.Fd_t/Cwd_t (file descriptor and working-directory handle
// shape, generalized into File/proc cwd).
package proc

import (
	"sync"
	"time"

	"github.com/oichkatzelesfrettschen/sv39k/internal/fs"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
	"github.com/oichkatzelesfrettschen/sv39k/internal/vm"
)

// NOFILE bounds the number of simultaneously open file descriptors
// per process.
const NOFILE = 16

// NPROC bounds the number of resident process table slots.
const NPROC = 64

// State is a process's position in the spec.md 4.7 state diagram:
// unused -> runnable -> running -> sleeping -> runnable -> running ->
// zombie -> unused, with a running -> runnable self-loop on yield.
type State int

const (
	Unused State = iota
	Runnable
	Running
	Sleeping
	Zombie
)

// Accnt accumulates per-process user/system runtime, mirroring the
// teacher's accnt.Accnt_t.
type Accnt struct {
	mu      sync.Mutex
	UserNs  int64
	SysNs   int64
}

// Add adds userNs and sysNs to a's counters, taking a's lock.
func (a *Accnt) Add(userNs, sysNs int64) {
	a.mu.Lock()
	a.UserNs += userNs
	a.SysNs += sysNs
	a.mu.Unlock()
}

// Snapshot returns a consistent (userNs, sysNs) pair.
func (a *Accnt) Snapshot() (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.UserNs, a.SysNs
}

// Proc is one process table entry.
type Proc struct {
	mu sync.Mutex

	Pid       int
	ParentPid int
	State     State
	Killed    bool
	ExitCode  int
	Name      string

	Pagetable *vm.Pagetable
	Sz        int // user address space size, bytes

	Files [NOFILE]*File
	Cwd   *fs.Inode

	waitChan any // non-nil while Sleeping

	Accnt Accnt
	start time.Time
}

// Locked runs fn while holding p's process lock, mirroring the
// teacher's convention of a small critical section per state
// transition rather than one held across a whole syscall.
func (p *Proc) Locked(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

// AllocFd installs f in the lowest free descriptor slot, returning
// EBADDESC if the table is full.
func (p *Proc) AllocFd(f *File) (int, kerrno.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.Files {
		if cur == nil {
			p.Files[i] = f
			return i, kerrno.EOK
		}
	}
	return -1, kerrno.EBADDESC
}

// Fd returns the File installed at descriptor fd, or nil if fd is out
// of range or unused.
func (p *Proc) Fd(fd int) *File {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= NOFILE {
		return nil
	}
	return p.Files[fd]
}
