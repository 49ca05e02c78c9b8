package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/logging"
)

// DefaultSubscriberBuffer bounds a subscriber queue when the caller passes 0.
const DefaultSubscriberBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: when a
// subscriber's queue is full the oldest queued event is dropped first.
type Bus struct {
	log logging.Logger

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	dropped atomic.Int64
}

type subscriber struct {
	ch chan Event
}

// NewBus creates an empty bus.
func NewBus(log logging.Logger) *Bus {
	return &Bus{
		log:  log.WithField("component", "event-bus"),
		subs: make(map[int]*subscriber),
	}
}

// Subscribe registers a bounded queue and returns its channel plus a cancel
// function. The channel is closed by cancel or by Close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish stamps and delivers an event to every subscriber. Slow consumers
// lose their oldest queued event rather than blocking the publisher.
func (b *Bus) Publish(eventType Type, payload interface{}) {
	ev := Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Queue full: drop the oldest, then try once more.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped reports how many events were discarded due to slow consumers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	if n := b.dropped.Load(); n > 0 {
		b.log.WithField("dropped", n).Debug("event bus closed with dropped events")
	}
}
