package status

import (
	"sync"

	"github.com/whale-net/sandman/host/core"
)

// subscriberBuffer is the per-subscriber channel depth. Slow subscribers
// miss intermediate snapshots rather than blocking the publisher.
const subscriberBuffer = 8

// Hub fans status snapshots out to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan *core.SystemStatus]struct{}
	closed      bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan *core.SystemStatus]struct{})}
}

// Subscription is one subscriber's handle on the status feed.
type Subscription struct {
	ch     chan *core.SystemStatus
	cancel func()
}

// Channel returns the read side of the feed. It is closed when the
// subscription is cancelled or the hub shuts down.
func (s *Subscription) Channel() <-chan *core.SystemStatus {
	return s.ch
}

// Unsubscribe detaches from the feed and closes the channel.
func (s *Subscription) Unsubscribe() {
	s.cancel()
}

// Subscribe attaches a new subscriber.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan *core.SystemStatus, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return &Subscription{ch: ch, cancel: func() {}}
	}
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subscribers[ch]; ok {
				delete(h.subscribers, ch)
				close(ch)
			}
		})
	}
	return &Subscription{ch: ch, cancel: cancel}
}

// Publish delivers a snapshot to every subscriber without blocking; full
// subscriber buffers are skipped.
func (h *Hub) Publish(st *core.SystemStatus) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- st:
		default:
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close detaches every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = make(map[chan *core.SystemStatus]struct{})
}
