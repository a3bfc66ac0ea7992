package events

import (
	"sync"

	"refi/core/types"
)

// Event represents a structured state change emitted by an engine.
type Event interface {
	EventType() string
}

// Recorder is implemented by events that can render themselves as a flat
// attribute record for downstream consumers (RPC, websocket feed, archive).
type Recorder interface {
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while
// discarding all events. It is useful when a component wants to optionally
// expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Record converts an event into its flat record form, falling back to a
// bare-typed record for events that do not implement Recorder.
func Record(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	if recorder, ok := evt.(Recorder); ok {
		return recorder.Event()
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

// Bus fans emitted events out to subscribers. Subscriber channels are bounded;
// a subscriber that falls behind loses events rather than blocking emitters.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan *types.Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan *types.Event)}
}

// Emit implements the Emitter interface.
func (b *Bus) Emit(evt Event) {
	record := Record(evt)
	if record == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- record:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given buffer size and returns
// its channel plus a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan *types.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *types.Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}
