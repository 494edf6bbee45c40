// Package notify implements the in-process notification hub: per-session
// subscriber sets with best-effort, at-most-once fan-out of session change
// events.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

const defaultBufferSize = 16

// Hub fans session change events out to subscribers. Publish never blocks:
// when a subscriber's buffer is full the oldest queued event is dropped and
// counted. Delivery is FIFO per subscriber.
type Hub struct {
	logger     *slog.Logger
	bufferSize int
	dropped    atomic.Uint64
	published  atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]map[string]*Subscriber // session_id -> subscriber_id -> sub
}

// Subscriber is a handle for one (session_id, subscriber_id) subscription.
type Subscriber struct {
	id        string
	sessionID string
	hub       *Hub

	mu     sync.Mutex
	ch     chan protocol.Envelope
	closed bool
}

// New creates a Hub. bufferSize <= 0 selects the default.
func New(logger *slog.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		logger:     logger.With("component", "notify"),
		bufferSize: bufferSize,
		sessions:   make(map[string]map[string]*Subscriber),
	}
}

// Subscribe registers a subscriber for a session. A second Subscribe with the
// same subscriber id replaces the previous subscription.
func (h *Hub) Subscribe(sessionID, subscriberID string) *Subscriber {
	sub := &Subscriber{
		id:        subscriberID,
		sessionID: sessionID,
		hub:       h,
		ch:        make(chan protocol.Envelope, h.bufferSize),
	}

	h.mu.Lock()
	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = make(map[string]*Subscriber)
		h.sessions[sessionID] = subs
	}
	prev := subs[subscriberID]
	subs[subscriberID] = sub
	h.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	return sub
}

// Unsubscribe removes the subscription and releases its buffered events.
// Safe to call multiple times and from any goroutine.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if subs, ok := h.sessions[sub.sessionID]; ok {
		if current, ok := subs[sub.id]; ok && current == sub {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(h.sessions, sub.sessionID)
			}
		}
	}
	h.mu.Unlock()

	sub.close()
}

// Publish delivers an event to every subscriber of the session. Called after
// the storage transaction has committed; holds no storage state.
func (h *Hub) Publish(sessionID string, env protocol.Envelope) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.sessions[sessionID]))
	for _, sub := range h.sessions[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	h.published.Add(1)
	for _, sub := range subs {
		if dropped := sub.offer(env); dropped {
			h.dropped.Add(1)
			h.logger.Debug("dropped oldest event for slow subscriber",
				"session_id", sessionID, "subscriber_id", sub.id)
		}
	}
}

// SubscriberCount returns the number of subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Stats returns total published events and total dropped events.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

// Events is the subscriber's receive channel. It is closed on unsubscribe.
func (s *Subscriber) Events() <-chan protocol.Envelope { return s.ch }

// SessionID returns the session this handle is subscribed to.
func (s *Subscriber) SessionID() string { return s.sessionID }

// offer enqueues without blocking; reports whether an event was dropped.
func (s *Subscriber) offer(env protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- env:
		return false
	default:
	}
	// Buffer full: evict the oldest queued event to make room.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- env:
	default:
	}
	return true
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
