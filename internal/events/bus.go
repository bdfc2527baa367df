package events

import (
	"log/slog"
	"sync"
)

// defaultBuffer is the per-subscriber channel capacity.
const defaultBuffer = 64

// Bus fans events out to subscribers over bounded channels. Publish never
// blocks: a subscriber that falls behind loses events and the drop is
// counted, so a stuck websocket client cannot stall a cascade.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Event
	dropped map[int]int
	logger  *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[int]chan Event),
		dropped: make(map[int]int),
		logger:  logger,
	}
}

// Subscribe registers a listener and returns its channel plus a cancel
// function. Cancel closes the channel; the subscriber must stop reading
// after calling it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, defaultBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			delete(b.dropped, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped[id]++
			if b.dropped[id] == 1 || b.dropped[id]%100 == 0 {
				b.logger.Warn("event subscriber overflowing, dropping",
					"subscriber", id,
					"dropped_total", b.dropped[id],
					"kind", ev.Kind)
			}
		}
	}
}

// Dropped returns the total number of events dropped across all current
// subscribers.
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, n := range b.dropped {
		total += n
	}
	return total
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
