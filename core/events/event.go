package events

import (
	"sync"

	"stablevault/core/types"
)

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer retains the most recent events up to a fixed capacity.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	records  []*types.Event
}

// NewBuffer constructs a buffer holding at most capacity records.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &Buffer{capacity: capacity}
}

// Emit implements Emitter.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	record := evt.Event()
	if record == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, record)
	if overflow := len(b.records) - b.capacity; overflow > 0 {
		b.records = append([]*types.Event(nil), b.records[overflow:]...)
	}
}

// Recent returns up to limit of the newest records, oldest first.
func (b *Buffer) Recent(limit int) []*types.Event {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if limit > 0 && len(b.records) > limit {
		start = len(b.records) - limit
	}
	out := make([]*types.Event, 0, len(b.records)-start)
	for _, record := range b.records[start:] {
		out = append(out, record.Clone())
	}
	return out
}

// Fanout forwards every event to each of its emitters.
type Fanout []Emitter

// Emit implements Emitter.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
