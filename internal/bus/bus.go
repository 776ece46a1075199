package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Subscribers receive matching events in the order they subscribed.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
}

type subscription struct {
	namespace string
	ch        chan Event
	active    bool
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind. Delivery is non-blocking: a full subscriber buffer drops the
// event rather than stalling the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.active || !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel that receives events matching the given
// namespace prefix. bufSize controls the channel buffer. Returns the channel
// and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	sub := &subscription{namespace: namespace, ch: ch, active: true}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		sub.active = false
		b.mu.Unlock()
	}
}
