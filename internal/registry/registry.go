// Package registry is the single source of truth for live signaling sessions
// and their calls. Access is sharded by session id so concurrent calls never
// contend on one exchange-wide lock.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wirepbx/wirepbx/internal/events"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
)

// SessionState is the signaling lifecycle state of a session.
type SessionState string

const (
	StateCreated    SessionState = "created"
	StateOffered    SessionState = "offered"
	StateRinging    SessionState = "ringing"
	StateConnected  SessionState = "connected"
	StateTerminated SessionState = "terminated"
	StateFailed     SessionState = "failed"
)

// Terminal reports whether s is a terminal state.
func (s SessionState) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// CallStatus is the lifecycle status of a call.
type CallStatus string

const (
	CallRinging   CallStatus = "ringing"
	CallConnected CallStatus = "connected"
	CallFailed    CallStatus = "failed"
	CallEnded     CallStatus = "ended"
)

// Call is one real-time media exchange between two parties.
type Call struct {
	ID          string
	SessionID   string // empty when the call is owned directly by the fabric
	SourceExt   string
	TargetExt   string
	Status      CallStatus
	InitiatedAt time.Time
	ConnectedAt *time.Time
	EndedAt     *time.Time
}

// Session is a signaling context for one browser endpoint.
type Session struct {
	ID         string
	Extension  string
	ICEServers []string
	State      SessionState
	CreatedAt  time.Time
	Call       *Call // nil until a call is attached
}

// clone returns a deep copy so callers never alias registry-owned state.
func (s *Session) clone() *Session {
	cp := *s
	cp.ICEServers = append([]string(nil), s.ICEServers...)
	if s.Call != nil {
		call := *s.Call
		cp.Call = &call
	}
	return &cp
}

// shardCount must be a power of two.
const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry tracks all live sessions sharded by session id. A secondary
// call-id index locates the owning session for fabric callbacks.
type Registry struct {
	shards      [shardCount]*shard
	maxSessions int
	count       atomic.Int64
	bus         *events.Bus
	logger      *slog.Logger

	callMu    sync.RWMutex
	callIndex map[string]string // call id -> session id
}

// New creates a session registry with the given capacity. Events for every
// mutation are published to bus without ever blocking the mutating caller.
func New(maxSessions int, bus *events.Bus, logger *slog.Logger) *Registry {
	r := &Registry{
		maxSessions: maxSessions,
		bus:         bus,
		logger:      logger.With("subsystem", "registry"),
		callIndex:   make(map[string]string),
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return r.shards[h.Sum32()&(shardCount-1)]
}

// Create allocates a fresh session in the created state. It fails with
// pbxerr.ErrResourceExhausted when the configured capacity is reached.
func (r *Registry) Create(extension string, iceServers []string) (*Session, error) {
	// Optimistic reservation; undone if the capacity race is lost.
	if r.count.Add(1) > int64(r.maxSessions) {
		r.count.Add(-1)
		return nil, fmt.Errorf("session capacity %d reached: %w", r.maxSessions, pbxerr.ErrResourceExhausted)
	}

	s := &Session{
		ID:         uuid.NewString(),
		Extension:  extension,
		ICEServers: append([]string(nil), iceServers...),
		State:      StateCreated,
		CreatedAt:  time.Now(),
	}

	sh := r.shardFor(s.ID)
	sh.mu.Lock()
	sh.sessions[s.ID] = s
	sh.mu.Unlock()

	r.bus.Publish(events.Event{
		Kind:      events.KindSessionCreated,
		SessionID: s.ID,
		State:     string(s.State),
	})

	r.logger.Debug("session created", "session_id", s.ID, "extension", extension)
	return s.clone(), nil
}

// Get returns a copy of a session, or pbxerr.ErrNotFound.
func (r *Registry) Get(sessionID string) (*Session, error) {
	sh := r.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, pbxerr.ErrNotFound)
	}
	return s.clone(), nil
}

// AttachCall binds a call to a session. It fails with pbxerr.ErrNotFound if
// the session is missing and pbxerr.ErrConflict if a call is already attached.
func (r *Registry) AttachCall(sessionID string, call *Call) error {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()

	s, ok := sh.sessions[sessionID]
	if !ok {
		sh.mu.Unlock()
		return fmt.Errorf("session %q: %w", sessionID, pbxerr.ErrNotFound)
	}
	if s.Call != nil {
		sh.mu.Unlock()
		return fmt.Errorf("session %q already has call %q: %w", sessionID, s.Call.ID, pbxerr.ErrConflict)
	}

	attached := *call
	attached.SessionID = sessionID
	s.Call = &attached
	sh.mu.Unlock()

	r.callMu.Lock()
	r.callIndex[call.ID] = sessionID
	r.callMu.Unlock()

	r.bus.Publish(events.Event{
		Kind:      events.KindCallAttached,
		SessionID: sessionID,
		CallID:    call.ID,
		State:     string(attached.Status),
	})
	return nil
}

// SetState transitions a session's lifecycle state and publishes the change.
func (r *Registry) SetState(sessionID string, state SessionState, reason string) error {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()

	s, ok := sh.sessions[sessionID]
	if !ok {
		sh.mu.Unlock()
		return fmt.Errorf("session %q: %w", sessionID, pbxerr.ErrNotFound)
	}
	s.State = state
	sh.mu.Unlock()

	r.bus.Publish(events.Event{
		Kind:      events.KindSessionState,
		SessionID: sessionID,
		State:     string(state),
		Reason:    reason,
	})
	return nil
}

// SetCallStatus updates the status of a session-owned call, stamping
// connected-at and ended-at as appropriate.
func (r *Registry) SetCallStatus(callID string, status CallStatus, reason string) error {
	sessionID, ok := r.lookupCall(callID)
	if !ok {
		return fmt.Errorf("call %q: %w", callID, pbxerr.ErrNotFound)
	}

	sh := r.shardFor(sessionID)
	sh.mu.Lock()

	s, exists := sh.sessions[sessionID]
	if !exists || s.Call == nil || s.Call.ID != callID {
		sh.mu.Unlock()
		return fmt.Errorf("call %q: %w", callID, pbxerr.ErrNotFound)
	}

	now := time.Now()
	s.Call.Status = status
	switch status {
	case CallConnected:
		s.Call.ConnectedAt = &now
	case CallEnded, CallFailed:
		s.Call.EndedAt = &now
	}
	sh.mu.Unlock()

	r.bus.Publish(events.Event{
		Kind:      events.KindCallState,
		SessionID: sessionID,
		CallID:    callID,
		State:     string(status),
		Reason:    reason,
	})
	return nil
}

// GetByCallID returns a copy of the session owning the given call.
func (r *Registry) GetByCallID(callID string) (*Session, error) {
	sessionID, ok := r.lookupCall(callID)
	if !ok {
		return nil, fmt.Errorf("call %q: %w", callID, pbxerr.ErrNotFound)
	}
	return r.Get(sessionID)
}

func (r *Registry) lookupCall(callID string) (string, bool) {
	r.callMu.RLock()
	defer r.callMu.RUnlock()
	sessionID, ok := r.callIndex[callID]
	return sessionID, ok
}

// Remove deletes a session. It is idempotent: removing a missing session is
// not an error, which absorbs duplicate hangup delivery.
func (r *Registry) Remove(sessionID string) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	s, ok := sh.sessions[sessionID]
	if ok {
		delete(sh.sessions, sessionID)
	}
	sh.mu.Unlock()

	if !ok {
		return
	}

	r.count.Add(-1)

	if s.Call != nil {
		r.callMu.Lock()
		delete(r.callIndex, s.Call.ID)
		r.callMu.Unlock()
	}

	r.bus.Publish(events.Event{
		Kind:      events.KindSessionRemoved,
		SessionID: sessionID,
	})
	r.logger.Debug("session removed", "session_id", sessionID)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// ActiveCallCount returns the number of attached calls in a non-terminal
// status.
func (r *Registry) ActiveCallCount() int {
	count := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			if s.Call != nil && (s.Call.Status == CallRinging || s.Call.Status == CallConnected) {
				count++
			}
		}
		sh.mu.RUnlock()
	}
	return count
}

// List returns copies of all live sessions.
func (r *Registry) List() []*Session {
	var out []*Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s.clone())
		}
		sh.mu.RUnlock()
	}
	return out
}

// ReapIdle runs until ctx is cancelled, removing sessions that have sat in
// created or offered with no call for longer than idleTimeout. Sessions with
// a call attached are never reaped here; hangup owns their teardown.
func (r *Registry) ReapIdle(ctx context.Context, idleTimeout, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idleTimeout)
			for _, s := range r.List() {
				if s.Call != nil {
					continue
				}
				if (s.State == StateCreated || s.State == StateOffered) && s.CreatedAt.Before(cutoff) {
					r.logger.Info("reaping idle session",
						"session_id", s.ID,
						"extension", s.Extension,
						"age", time.Since(s.CreatedAt).Round(time.Second).String(),
					)
					r.Remove(s.ID)
				}
			}
		}
	}
}
