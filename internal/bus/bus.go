// Package bus provides the hierarchical publish/subscribe event substrate.
//
// Events are published on a path such as ["safety", "arm1"]. A subscription
// on a prefix receives every event whose path starts with that prefix.
// Publishing never blocks: a subscriber whose buffer is full misses the event.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/armctl/internal/models"
	"github.com/google/uuid"
)

// DefaultBuffer is the channel capacity of a subscription.
const DefaultBuffer = 64

// Bus is an in-process hierarchical pub/sub hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	dropped atomic.Uint64
}

// Subscription receives events published under its prefix.
type Subscription struct {
	id     uint64
	prefix []string
	ch     chan models.Event
	bus    *Bus
	once   sync.Once
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers interest in every path starting with prefix.
// An empty prefix receives everything.
func (b *Bus) Subscribe(prefix ...string) *Subscription {
	return b.SubscribeBuffered(DefaultBuffer, prefix...)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity.
func (b *Bus) SubscribeBuffered(buffer int, prefix ...string) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: append([]string(nil), prefix...),
		ch:     make(chan models.Event, buffer),
		bus:    b,
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every matching subscriber. The path is stored
// on the event; ID and Timestamp are filled in when empty.
func (b *Bus) Publish(path []string, event models.Event) {
	event.Path = append([]string(nil), path...)
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !hasPrefix(event.Path, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan models.Event {
	return s.ch
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Path joins path segments for display and storage.
func Path(path []string) string {
	return strings.Join(path, "/")
}

func hasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i, p := range prefix {
		if path[i] != p {
			return false
		}
	}
	return true
}
