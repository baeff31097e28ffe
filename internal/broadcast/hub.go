// Package broadcast fans execution status events out to live subscribers.
package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"polyglot-exec/internal/execution"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

var (
	// ErrSlowSubscriber ends a subscription whose queue filled up.
	ErrSlowSubscriber = errors.New("subscriber too slow")

	// ErrHubClosed ends every subscription when the hub shuts down.
	ErrHubClosed = errors.New("server shutting down")
)

// Publisher is the write side of the hub. The service depends on this rather
// than on *Hub so tests can record events.
type Publisher interface {
	Publish(ev execution.StatusEvent)
}

// Hub is an in-process pub/sub channel. There is no history: a subscriber
// only sees events published after Subscribe returns.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
	onDrop    func()
}

// NewHub returns a hub whose subscribers each queue up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// OnDrop registers a callback run whenever a slow subscriber is cut off.
// Must be called before the hub is shared.
func (h *Hub) OnDrop(fn func()) { h.onDrop = fn }

// Subscription is one observer's FIFO view of the hub.
type Subscription struct {
	id     uint64
	hub    *Hub
	ch     chan execution.StatusEvent
	filter func(execution.StatusEvent) bool

	// mu orders deliveries with the close so nothing is sent once a
	// delivery was missed.
	mu     sync.Mutex
	closed bool
	err    error
}

// Events returns the receive channel. It is closed when the subscription
// ends, either by Close, because the subscriber fell behind, or because the
// hub closed. Err tells which.
func (s *Subscription) Events() <-chan execution.StatusEvent { return s.ch }

// Err reports why the channel was closed: ErrSlowSubscriber, ErrHubClosed,
// or nil after Close or while still open.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
	s.end(nil)
}

// offer queues ev without blocking. A full queue ends the subscription on
// the spot, so events it already holds are a gapless prefix of what was
// offered. offer reports false only for the delivery that cut it off.
func (s *Subscription) offer(ev execution.StatusEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.closeLocked(ErrSlowSubscriber)
		return false
	}
}

func (s *Subscription) end(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
}

func (s *Subscription) closeLocked(reason error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = reason
	close(s.ch)
}

// Subscribe registers a subscriber that receives every event.
func (h *Hub) Subscribe() *Subscription {
	return h.SubscribeFunc(nil)
}

// SubscribeFunc registers a subscriber that only receives events accepted by
// filter. A nil filter accepts everything.
func (h *Hub) SubscribeFunc(filter func(execution.StatusEvent) bool) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		hub:    h,
		ch:     make(chan execution.StatusEvent, h.buffer),
		filter: filter,
	}
	if h.closed {
		sub.end(ErrHubClosed)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber without blocking. A
// subscriber whose queue is full is disconnected so the events it did get
// have no gaps.
func (h *Hub) Publish(ev execution.StatusEvent) {
	h.published.Add(1)

	var slow []uint64
	h.mu.RLock()
	for id, sub := range h.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		if !sub.offer(ev) {
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.remove(id)
		h.dropped.Add(1)
		if h.onDrop != nil {
			h.onDrop()
		}
		log.Warn().Uint64("subscriber", id).Str("execution_id", ev.ExecutionID).
			Msg("subscriber too slow, disconnecting")
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns lifetime publish and disconnect counts.
func (h *Hub) Stats() (published, dropped int64) {
	return h.published.Load(), h.dropped.Load()
}

// Close disconnects every subscriber with ErrHubClosed. Later subscriptions
// start closed.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.end(ErrHubClosed)
	}
}
