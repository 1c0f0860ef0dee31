package buffer

import (
	"sync"

	"github.com/lucid-vigil/hostwatch/pkg/events"
)

// EventBuffer holds scored events between producers and the streaming
// client. Appends may come from any goroutine; Drain hands everything held
// so far to exactly one caller.
type EventBuffer struct {
	mu     sync.Mutex
	events []events.ScoredEvent
}

func New() *EventBuffer {
	return &EventBuffer{}
}

// Append adds one event. It never blocks beyond the short critical section.
func (b *EventBuffer) Append(ev events.ScoredEvent) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

// Drain removes and returns every held event in insertion order. The result
// is nil when the buffer is empty.
func (b *EventBuffer) Drain() []events.ScoredEvent {
	b.mu.Lock()
	out := b.events
	b.events = nil
	b.mu.Unlock()
	return out
}

// Len returns the number of events waiting to be drained.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
