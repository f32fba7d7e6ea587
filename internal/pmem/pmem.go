// Package pmem implements the kernel's physical page allocator.
//
// It manages 4 KiB frames carved out of a single backing arena (standing
// in for "[end_of_kernel, PHYSTOP)" on real hardware — see spec.md
// 4.1). Each CPU owns a private freelist; Alloc steals from other
// CPUs' lists on local exhaustion rather than blocking, the same
// bounded-steal design as the teacher's mem.Physmem_t percpu lists.
package pmem

import (
	"sync"

	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

// PageSize is the size of a single physical frame in bytes.
const PageSize = 4096

// stealBatch bounds how many pages Alloc moves from a foreign CPU's
// freelist into the caller's own list in one steal, per spec.md 4.1.
const stealBatch = 64

// fillByte is written into every freshly allocated page so stray reads
// of uninitialized memory are easy to spot instead of silently
// returning zero.
const fillByte = 0xa5

// Frame is a physical frame number (an index into Allocator.arena,
// measured in pages).
type Frame uintptr

type freelist struct {
	sync.Mutex
	free []Frame
}

// Allocator owns all physical memory and exposes per-CPU freelists.
type Allocator struct {
	arena []byte
	ncpu  int
	lists []freelist
}

// New creates an allocator over npages pages, round-robining the
// initial free frames across ncpu per-CPU freelists so that Alloc can
// proceed without contention in the common case.
func New(npages, ncpu int) *Allocator {
	if ncpu < 1 {
		ncpu = 1
	}
	a := &Allocator{
		arena: make([]byte, npages*PageSize),
		ncpu:  ncpu,
		lists: make([]freelist, ncpu),
	}
	for i := 0; i < npages; i++ {
		cpu := i % ncpu
		a.lists[cpu].free = append(a.lists[cpu].free, Frame(i))
	}
	return a
}

// Alloc returns a freshly filled page for the given CPU. It first
// tries the caller's own freelist; on exhaustion it steals up to
// stealBatch frames from another CPU's list, holding at most one
// foreign lock at a time so no lock-ordering cycle is possible (see
// spec.md 4.1 and the locking discipline in section 5, rule 1).
func (a *Allocator) Alloc(cpu int) (Frame, kerrno.Err_t) {
	if f, ok := a.popLocal(cpu); ok {
		a.fill(f)
		return f, kerrno.EOK
	}
	for i := 0; i < a.ncpu; i++ {
		if i == cpu {
			continue
		}
		if a.steal(cpu, i) {
			if f, ok := a.popLocal(cpu); ok {
				a.fill(f)
				return f, kerrno.EOK
			}
		}
	}
	return 0, kerrno.EOOM
}

// Free returns a page to the current CPU's freelist after validating
// that it names a page-aligned frame within range.
func (a *Allocator) Free(cpu int, f Frame) {
	if int(f)*PageSize >= len(a.arena) {
		panic("pmem: free of out-of-range frame")
	}
	l := &a.lists[cpu%a.ncpu]
	l.Lock()
	l.free = append(l.free, f)
	l.Unlock()
}

// Bytes returns the backing storage for a frame as a PageSize slice.
func (a *Allocator) Bytes(f Frame) []byte {
	off := int(f) * PageSize
	return a.arena[off : off+PageSize]
}

// Free pages (diagnostic helper, not load bearing for correctness).
func (a *Allocator) FreeCount() int {
	n := 0
	for i := range a.lists {
		a.lists[i].Lock()
		n += len(a.lists[i].free)
		a.lists[i].Unlock()
	}
	return n
}

func (a *Allocator) popLocal(cpu int) (Frame, bool) {
	l := &a.lists[cpu%a.ncpu]
	l.Lock()
	defer l.Unlock()
	n := len(l.free)
	if n == 0 {
		return 0, false
	}
	f := l.free[n-1]
	l.free = l.free[:n-1]
	return f, true
}

// steal moves up to stealBatch frames from src's freelist onto dst's,
// acquiring at most one foreign lock at a time.
func (a *Allocator) steal(dst, src int) bool {
	sl := &a.lists[src]
	sl.Lock()
	n := len(sl.free)
	if n == 0 {
		sl.Unlock()
		return false
	}
	take := stealBatch
	if take > n {
		take = n
	}
	moved := sl.free[n-take:]
	stolen := make([]Frame, len(moved))
	copy(stolen, moved)
	sl.free = sl.free[:n-take]
	sl.Unlock()

	dl := &a.lists[dst]
	dl.Lock()
	dl.free = append(dl.free, stolen...)
	dl.Unlock()
	return true
}

func (a *Allocator) fill(f Frame) {
	b := a.Bytes(f)
	for i := range b {
		b[i] = fillByte
	}
}
