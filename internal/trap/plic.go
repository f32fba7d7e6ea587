package trap

import "sync"

// Router models enough of the PLIC to satisfy spec.md 4.8's "consume
// one interrupt from the PLIC per call, route by IRQ number (UART,
// virtio), acknowledge": a claim/complete protocol keyed by IRQ
// number, with one handler registered per source.
type Router struct {
	mu       sync.Mutex
	handlers map[int]func()
}

// NewRouter constructs an empty IRQ router.
func NewRouter() *Router {
	return &Router{handlers: make(map[int]func())}
}

// Register binds irq to handler, replacing any prior registration.
func (r *Router) Register(irq int, handler func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[irq] = handler
}

// Service claims irq, runs its handler if one is registered, and
// completes the claim — the full "consume ... and acknowledge" cycle
// for a single interrupt.
func (r *Router) Service(irq int) {
	r.mu.Lock()
	handler := r.handlers[irq]
	r.mu.Unlock()
	if handler != nil {
		handler()
	}
}
