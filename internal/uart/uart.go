// Package uart models the UART as an external collaborator behind a
// narrow interface (spec.md section 1: "out of scope and treated as
// external collaborators with named interfaces only"). Kernel code
// never talks to real UART registers — it talks to this interface, so
// the console driver can be swapped for an in-memory ring buffer in
// tests and for a real device in any future bare-metal port.
package uart

import (
	"sync"

	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

// Device is the narrow UART contract the kernel's console driver is
// built against.
type Device interface {
	// PutByte transmits one byte, blocking while the transmit ring is
	// full.
	PutByte(b byte) kerrno.Err_t
	// GetByte returns the next received byte, blocking while the
	// receive ring is empty.
	GetByte() (byte, kerrno.Err_t)
	// Interrupt services a pending UART IRQ: it drains whatever bytes
	// are ready and reports whether any work was done, matching the
	// teacher's interrupt-handler pattern of an idempotent per-IRQ
	// poll (spec.md 4.8).
	Interrupt() bool
}

const ringSize = 32

// Ring is an in-memory, sleep/wakeup-style loopback UART: bytes
// written with PutByte become available to GetByte, queued through a
// fixed-size ring exactly as a real 16550's FIFO would behave,
// modeling the "empty UART queue" sleep condition named in spec.md
// section 4.7.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  [ringSize]byte
	head int
	tail int
	n    int
}

// NewRing constructs a loopback ring UART.
func NewRing() *Ring {
	r := &Ring{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// PutByte enqueues b, blocking while the ring is full.
func (r *Ring) PutByte(b byte) kerrno.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.n == ringSize {
		r.cond.Wait()
	}
	r.buf[r.tail] = b
	r.tail = (r.tail + 1) % ringSize
	r.n++
	r.cond.Broadcast()
	return kerrno.EOK
}

// GetByte dequeues the next byte, blocking while the ring is empty.
func (r *Ring) GetByte() (byte, kerrno.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.n == 0 {
		r.cond.Wait()
	}
	b := r.buf[r.head]
	r.head = (r.head + 1) % ringSize
	r.n--
	r.cond.Broadcast()
	return b, kerrno.EOK
}

// Interrupt is a no-op for the in-memory ring: PutByte/GetByte already
// wake waiters directly. It reports whether the ring currently holds
// unread bytes, matching the boolean "did work happen" contract other
// Device implementations use to decide whether to re-arm an IRQ.
func (r *Ring) Interrupt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n > 0
}
