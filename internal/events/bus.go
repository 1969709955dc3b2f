// Package events carries session and call state-change notifications from the
// registry to observability consumers. Publishing never blocks: a subscriber
// that falls behind loses events rather than stalling a state transition.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies what changed.
type Kind string

const (
	KindSessionCreated Kind = "session_created"
	KindSessionState   Kind = "session_state"
	KindSessionRemoved Kind = "session_removed"
	KindCallAttached   Kind = "call_attached"
	KindCallState      Kind = "call_state"
)

// Event describes one session or call state change.
type Event struct {
	Kind      Kind
	SessionID string
	CallID    string
	State     string
	// Reason carries termination metadata ("graceful", "peer_disconnect",
	// "fabric_failure", ...). The state machine itself does not distinguish
	// these; only events do.
	Reason string
	At     time.Time
}

// subscriberBuf is the per-subscriber channel depth. A full channel drops.
const subscriberBuf = 64

// Bus is a fan-out publisher for registry events.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With("subsystem", "events"),
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a new consumer and returns its channel together with a
// cancel function. The channel is closed by the cancel function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuf)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking. Events to a
// full subscriber channel are dropped.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("event dropped, subscriber full",
				"kind", ev.Kind,
				"session_id", ev.SessionID,
			)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
