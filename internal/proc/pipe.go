package proc

import (
	"sync"

	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

const pipeSize = 512

// Pipe is an in-kernel byte pipe: Write blocks while the buffer is
// full and the read end is still open; Read blocks while the buffer
// is empty and the write end is still open, matching spec.md's "pipe
// read/write on empty/full" blocking condition.
type Pipe struct {
	mu         sync.Mutex
	cond       *sync.Cond
	buf        [pipeSize]byte
	nread      int
	nwrite     int
	readOpen   bool
	writeOpen  bool
}

// NewPipe constructs an open pipe with both ends live.
func NewPipe() *Pipe {
	p := &Pipe{readOpen: true, writeOpen: true}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Write copies src into the pipe, blocking while full. It returns
// EDEVICEIO if the read end has already closed (broken pipe).
func (p *Pipe) Write(src []byte) (int, kerrno.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for n < len(src) {
		if !p.readOpen {
			return n, kerrno.EDEVICEIO
		}
		if p.nwrite-p.nread == pipeSize {
			p.cond.Broadcast()
			p.cond.Wait()
			continue
		}
		p.buf[p.nwrite%pipeSize] = src[n]
		p.nwrite++
		n++
	}
	p.cond.Broadcast()
	return n, kerrno.EOK
}

// Read copies buffered bytes into dst, blocking while empty and the
// write end is still open. Returns 0 bytes with EOK once the write
// end has closed and the buffer has drained (EOF).
func (p *Pipe) Read(dst []byte) (int, kerrno.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.nread == p.nwrite && p.writeOpen {
		p.cond.Wait()
	}
	n := 0
	for n < len(dst) && p.nread < p.nwrite {
		dst[n] = p.buf[p.nread%pipeSize]
		p.nread++
		n++
	}
	p.cond.Broadcast()
	return n, kerrno.EOK
}

// CloseEnd marks the write end (writable=true) or read end closed,
// waking any peer blocked on fullness or emptiness.
func (p *Pipe) CloseEnd(writable bool) {
	p.mu.Lock()
	if writable {
		p.writeOpen = false
	} else {
		p.readOpen = false
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}
