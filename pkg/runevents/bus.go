package runevents

import "sync"

// Broadcaster receives every event emitted by the core.
// Implementations must not call back into the emitting component synchronously
// while holding their own locks.
type Broadcaster interface {
	Publish(event Event)
}

// BroadcasterFunc adapts a function to the Broadcaster interface.
type BroadcasterFunc func(event Event)

// Publish calls f(event).
func (f BroadcasterFunc) Publish(event Event) {
	f(event)
}

// Discard drops every event.
var Discard Broadcaster = BroadcasterFunc(func(Event) {})

// Handler is a function that handles events
type Handler func(event Event)

// Bus is an in-process Broadcaster that fans events out to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
	}
}

// On registers a handler for a specific event type
func (b *Bus) On(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// OnAll registers a handler that receives every event
func (b *Bus) OnAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, handler)
}

// Off removes all handlers for the event type
func (b *Bus) Off(eventType Type) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, eventType)
}

// Publish delivers the event synchronously to typed handlers first, then to
// catch-all handlers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	typed := append([]Handler(nil), b.handlers[event.Type]...)
	all := append([]Handler(nil), b.all...)
	b.mu.RUnlock()

	for _, h := range typed {
		h(event)
	}
	for _, h := range all {
		h(event)
	}
}

// Fanout publishes each event to several broadcasters in order.
type Fanout []Broadcaster

// Publish implements Broadcaster.
func (f Fanout) Publish(event Event) {
	for _, b := range f {
		if b != nil {
			b.Publish(event)
		}
	}
}

// Recorder collects events in memory. Useful in tests and for the simulate command.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Broadcaster.
func (r *Recorder) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events carrying the given tag.
func (r *Recorder) OfType(eventType Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
