// Package stream provides the message-passing primitives the orchestrators use
// to publish their event streams: an ordered unbounded Queue for a single
// consumer and a fan-out Hub for observers.
//
// Hub follows a drop-new policy: a subscriber whose buffer is full misses the
// value instead of stalling the publisher. Consumers that must see every value
// read from a Queue instead.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with an unknown id.
	ErrSubscriberNotFound = errors.New("subscriber id not found")

	// ErrHubClosed is returned when operations are attempted on a closed hub.
	ErrHubClosed = errors.New("hub is closed")
)

// SubscriberStats counts deliveries for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// HubStats is a snapshot of hub counters.
type HubStats struct {
	TotalPublished uint64
	Subscribers    map[string]SubscriberStats
}

type subscriber[T any] struct {
	ch      chan T
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Hub fans values out to subscriber channels it owns.
type Hub[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber[T]
	closed      bool

	totalPublished atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subscribers: make(map[string]*subscriber[T])}
}

// Subscribe registers id and returns a channel with the given buffer size.
// The channel is closed by Unsubscribe or Close.
func (h *Hub[T]) Subscribe(id string, buffer int) (<-chan T, error) {
	if buffer < 1 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if _, exists := h.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}
	sub := &subscriber[T]{ch: make(chan T, buffer)}
	h.subscribers[id] = sub
	return sub.ch, nil
}

// Unsubscribe removes id and closes its channel.
func (h *Hub[T]) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	sub, exists := h.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	delete(h.subscribers, id)
	close(sub.ch)
	return nil
}

// Publish sends v to every subscriber without blocking. Publishing on a
// closed hub is a no-op.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	h.totalPublished.Add(1)

	for _, sub := range h.subscribers {
		select {
		case sub.ch <- v:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
}

// Stats returns a snapshot of the counters.
func (h *Hub[T]) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := HubStats{
		TotalPublished: h.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(h.subscribers)),
	}
	for id, sub := range h.subscribers {
		out.Subscribers[id] = SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
	}
	return out
}

// Close closes every subscriber channel. Idempotent.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}
