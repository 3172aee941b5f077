package beat

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind classifies engine events.
type EventKind string

// Engine event kinds.
const (
	EventDispatched     EventKind = "dispatched"
	EventDispatchFailed EventKind = "dispatch_failed"
	EventSkippedExpired EventKind = "skipped_expired"
	EventReloaded       EventKind = "reloaded"
	EventReloadFailed   EventKind = "reload_failed"
)

// Event describes something the engine did.
type Event struct {
	Kind  EventKind `json:"kind"`
	At    time.Time `json:"at"`
	Entry string    `json:"entry,omitempty"`
	Task  string    `json:"task,omitempty"`
	Due   time.Time `json:"due,omitzero"`
	// Missed counts occurrences coalesced into this dispatch.
	Missed  int    `json:"missed,omitempty"`
	Version int64  `json:"version,omitempty"`
	Entries int    `json:"entries,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Bus fans events out to subscribers. A subscriber that is not keeping up
// loses events instead of slowing the engine down.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Int64
}

// NewBus returns a bus without subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
