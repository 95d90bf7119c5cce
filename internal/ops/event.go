package ops

import "sync"

// Event is a set-once synchronization flag. It replaces plain shared booleans
// for readiness and shutdown signalling: setting it is idempotent, observing
// it is race-free, and waiters can select on Done.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

// NewEvent returns an unset Event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set marks the event. Safe to call from multiple goroutines; only the first
// call has an effect.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// IsSet reports whether the event has been set.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the event is set.
func (e *Event) Done() <-chan struct{} {
	return e.ch
}
