package host

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Fake is an in-process Host that replays synthetic event sequences.
// Handlers run synchronously on the delivering goroutine, matching the
// real host's callback model; deliveries from multiple goroutines
// exercise the agent's concurrent paths.
type Fake struct {
	mu       sync.RWMutex
	handlers map[EventKind]Handler

	ready  atomic.Bool
	reject map[EventKind]bool
}

// NewFake returns a Fake with no registered handlers, not yet ready.
func NewFake() *Fake {
	return &Fake{
		handlers: make(map[EventKind]Handler),
		reject:   make(map[EventKind]bool),
	}
}

// RejectRegistration makes future RegisterCallback calls for kind
// fail, simulating a host that refuses instrumentation.
func (f *Fake) RejectRegistration(kind EventKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject[kind] = true
}

// RegisterCallback implements Host.
func (f *Fake) RegisterCallback(kind EventKind, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("host: nil handler for %s", kind)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject[kind] {
		return fmt.Errorf("host: registration refused for %s", kind)
	}
	f.handlers[kind] = handler
	return nil
}

// IsReady implements Host. The fake becomes ready when Start runs,
// mirroring the real host's "auxiliary support available after VM
// start" contract.
func (f *Fake) IsReady() bool {
	return f.ready.Load()
}

// Registered reports whether a handler is installed for kind.
func (f *Fake) Registered(kind EventKind) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.handlers[kind] != nil
}

// Start marks the host ready and delivers the VM start event.
func (f *Fake) Start() error {
	f.ready.Store(true)
	return f.Deliver(Event{Kind: EventVMStart})
}

// Init delivers the VM init (steady state) event.
func (f *Fake) Init() error {
	return f.Deliver(Event{Kind: EventVMInit})
}

// EndThread delivers a thread-end event for the given thread.
func (f *Fake) EndThread(threadID int64) error {
	return f.Deliver(Event{Kind: EventThreadEnd, ThreadID: threadID})
}

// Call delivers a per-call event. The returned error is the failure
// the traced program would observe: nil if the operation proceeded,
// the handler's error if the agent denied it.
func (f *Fake) Call(kind EventKind, site *CallSite) error {
	return f.Deliver(Event{Kind: kind, Site: site})
}

// Deliver invokes the handler registered for the event's kind; an
// event nobody registered for is silently dropped, as a real host
// would never deliver it. The handler runs outside the fake's lock so
// slow handlers on one goroutine never block deliveries on another.
func (f *Fake) Deliver(ev Event) error {
	f.mu.RLock()
	handler := f.handlers[ev.Kind]
	f.mu.RUnlock()
	if handler == nil {
		return nil
	}
	return handler(ev)
}
