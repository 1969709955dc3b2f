// Package signal implements the per-session signaling state machine that
// drives offer/answer exchange, candidate relay, DTMF relay, and teardown
// against the call fabric.
//
// Every session is owned by one worker goroutine. Client commands and fabric
// callbacks both land in the worker's inbox, so all state transitions for a
// session are strictly serialized no matter where they originate.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"

	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/events"
	"github.com/wirepbx/wirepbx/internal/fabric"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
	"github.com/wirepbx/wirepbx/internal/registry"
	"github.com/wirepbx/wirepbx/internal/route"
)

// Session state machine events.
const (
	evOffer     = "offer"
	evRing      = "ring"
	evConnect   = "connect"
	evFail      = "fail"
	evTerminate = "terminate"
)

// inboxDepth bounds queued commands per session worker.
const inboxDepth = 32

// Bridge owns the signaling side of browser calls: one worker per session,
// all driving the shared registry and the call fabric.
type Bridge struct {
	reg        *registry.Registry
	resolver   route.Resolver
	fab        fabric.Fabric
	cdrs       database.CDRRepository
	bus        *events.Bus
	iceServers []string
	logger     *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker // session id -> worker
	byCall  map[string]*worker // call id -> worker
}

// NewBridge creates the signaling bridge.
func NewBridge(
	reg *registry.Registry,
	resolver route.Resolver,
	fab fabric.Fabric,
	cdrs database.CDRRepository,
	bus *events.Bus,
	iceServers []string,
	logger *slog.Logger,
) *Bridge {
	return &Bridge{
		reg:        reg,
		resolver:   resolver,
		fab:        fab,
		cdrs:       cdrs,
		bus:        bus,
		iceServers: iceServers,
		logger:     logger.With("subsystem", "signal"),
		workers:    make(map[string]*worker),
		byCall:     make(map[string]*worker),
	}
}

// Start runs background maintenance until ctx is cancelled: workers whose
// sessions the registry reaps (idle timeout) are shut down here.
func (b *Bridge) Start(ctx context.Context) {
	ch, cancel := b.bus.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Kind != events.KindSessionRemoved {
					continue
				}
				b.mu.Lock()
				w := b.workers[ev.SessionID]
				b.mu.Unlock()
				if w != nil {
					w.enqueue(func() { w.terminate("idle_reaped", false) })
				}
			}
		}
	}()
}

// CreateSession allocates a session in CREATED and starts its worker.
// Fails with pbxerr.ErrResourceExhausted at capacity.
func (b *Bridge) CreateSession(ctx context.Context, extension string) (*registry.Session, error) {
	s, err := b.reg.Create(extension, b.iceServers)
	if err != nil {
		return nil, err
	}

	w := newWorker(b, s.ID, extension)
	b.mu.Lock()
	b.workers[s.ID] = w
	b.mu.Unlock()

	go w.run()

	b.logger.Info("session created", "session_id", s.ID, "extension", extension)
	return s, nil
}

// SubmitOffer validates and stores the endpoint's SDP offer, moving the
// session to OFFERED. Legal in CREATED and OFFERED; resubmission replaces the
// stored offer. Fails with pbxerr.ErrInvalidOffer on a malformed payload and
// pbxerr.ErrInvalidState elsewhere.
func (b *Bridge) SubmitOffer(ctx context.Context, sessionID, rawSDP string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(rawSDP)); err != nil {
		return fmt.Errorf("parsing sdp offer: %w: %w", pbxerr.ErrInvalidOffer, err)
	}

	w, err := b.worker(sessionID)
	if err != nil {
		return err
	}
	return w.call(ctx, func() error { return w.submitOffer(rawSDP) })
}

// PlaceCall resolves the target extension and rings it. Requires OFFERED.
// On resolution failure the session moves to FAILED and the fabric is never
// invoked.
func (b *Bridge) PlaceCall(ctx context.Context, sessionID, targetExt string) (string, error) {
	w, err := b.worker(sessionID)
	if err != nil {
		return "", err
	}

	var callID string
	err = w.call(ctx, func() error {
		var perr error
		callID, perr = w.placeCall(ctx, targetExt)
		return perr
	})
	return callID, err
}

// ICECandidate relays a candidate toward the remote leg. Accepted in any
// non-terminal state; relay is fire-and-forget and preserves per-session
// submission order. Candidates arriving before a call exists are dropped.
func (b *Bridge) ICECandidate(ctx context.Context, sessionID, candidate string) error {
	w, err := b.worker(sessionID)
	if err != nil {
		return err
	}
	return w.call(ctx, func() error { return w.relayCandidate(candidate) })
}

// DTMF relays a digit into the connected call's media path. Requires
// CONNECTED.
func (b *Bridge) DTMF(ctx context.Context, sessionID, digit string, durationMs int) error {
	w, err := b.worker(sessionID)
	if err != nil {
		return err
	}
	return w.call(ctx, func() error { return w.relayDTMF(digit, durationMs) })
}

// Hangup tears down the session from any state. Idempotent: hanging up an
// unknown or already-terminated session succeeds.
func (b *Bridge) Hangup(ctx context.Context, sessionID string) error {
	w, err := b.worker(sessionID)
	if err != nil {
		// Already gone; duplicate hangup delivery is expected.
		return nil
	}
	// Best effort: if the worker exits before processing, the session is
	// already terminal, which is the outcome hangup wants.
	_ = w.call(ctx, func() error {
		w.terminate("graceful", true)
		return nil
	})
	return nil
}

// RemoteAnswered is the fabric callback for an answered call.
func (b *Bridge) RemoteAnswered(callID string) {
	w := b.workerByCall(callID)
	if w == nil {
		return
	}
	w.enqueue(func() { w.remoteAnswered(callID) })
}

// RemoteHungup is the fabric callback for a peer-terminated call.
func (b *Bridge) RemoteHungup(callID, reason string) {
	w := b.workerByCall(callID)
	if w == nil {
		return
	}
	w.enqueue(func() {
		w.markCallEnded(registry.CallEnded, reason)
		w.terminate(reason, true)
	})
}

// CallFailed is the fabric callback for an unanswered or failed bridge
// attempt. The session terminates through the hangup path; the failure shows
// up in call status and event metadata, not as a distinct session state.
func (b *Bridge) CallFailed(callID, reason string) {
	w := b.workerByCall(callID)
	if w == nil {
		return
	}
	w.enqueue(func() {
		w.markCallEnded(registry.CallFailed, reason)
		w.terminate(reason, true)
	})
}

// OwnsCall reports whether a browser session owns the given call id.
func (b *Bridge) OwnsCall(callID string) bool {
	return b.workerByCall(callID) != nil
}

// Close hangs up every live session. Used during shutdown.
func (b *Bridge) Close() {
	b.mu.Lock()
	ws := make([]*worker, 0, len(b.workers))
	for _, w := range b.workers {
		ws = append(ws, w)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, w := range ws {
		_ = w.call(ctx, func() error {
			w.terminate("shutdown", true)
			return nil
		})
	}
}

func (b *Bridge) worker(sessionID string) (*worker, error) {
	b.mu.Lock()
	w := b.workers[sessionID]
	b.mu.Unlock()
	if w == nil {
		return nil, fmt.Errorf("session %q: %w", sessionID, pbxerr.ErrNotFound)
	}
	return w, nil
}

func (b *Bridge) workerByCall(callID string) *worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byCall[callID]
}

func (b *Bridge) indexCall(callID string, w *worker) {
	b.mu.Lock()
	b.byCall[callID] = w
	b.mu.Unlock()
}

func (b *Bridge) detach(w *worker) {
	b.mu.Lock()
	delete(b.workers, w.sessionID)
	if w.callID != "" {
		delete(b.byCall, w.callID)
	}
	b.mu.Unlock()
}

// worker owns one session. All fields below the inbox are touched only on
// the worker goroutine.
type worker struct {
	b         *Bridge
	sessionID string
	extension string
	logger    *slog.Logger

	inbox  chan func()
	outbox chan func() // ordered fire-and-forget relay to the fabric
	done   chan struct{}

	machine *fsm.FSM

	callID       string
	offer        string
	teardownSent bool
}

func newWorker(b *Bridge, sessionID, extension string) *worker {
	w := &worker{
		b:         b,
		sessionID: sessionID,
		extension: extension,
		logger:    b.logger.With("session_id", sessionID),
		inbox:     make(chan func(), inboxDepth),
		outbox:    make(chan func(), inboxDepth),
		done:      make(chan struct{}),
	}

	w.machine = fsm.NewFSM(
		string(registry.StateCreated),
		fsm.Events{
			{Name: evOffer, Src: []string{string(registry.StateCreated), string(registry.StateOffered)}, Dst: string(registry.StateOffered)},
			{Name: evRing, Src: []string{string(registry.StateOffered)}, Dst: string(registry.StateRinging)},
			{Name: evConnect, Src: []string{string(registry.StateRinging)}, Dst: string(registry.StateConnected)},
			{Name: evFail, Src: []string{
				string(registry.StateCreated), string(registry.StateOffered),
				string(registry.StateRinging), string(registry.StateConnected),
			}, Dst: string(registry.StateFailed)},
			{Name: evTerminate, Src: []string{
				string(registry.StateCreated), string(registry.StateOffered),
				string(registry.StateRinging), string(registry.StateConnected),
			}, Dst: string(registry.StateTerminated)},
		},
		fsm.Callbacks{},
	)

	return w
}

// run processes the inbox until the session reaches a terminal state. The
// outbox goroutine drains relay work in submission order without ever
// blocking state transitions.
func (w *worker) run() {
	go func() {
		for fn := range w.outbox {
			fn()
		}
	}()

	for {
		select {
		case <-w.done:
			close(w.outbox)
			return
		case fn := <-w.inbox:
			fn()
		}
	}
}

// enqueue submits work to the worker, dropping it if the worker is gone or
// the inbox is saturated. Used for fabric callbacks, which are at-most-once
// by contract.
func (w *worker) enqueue(fn func()) {
	select {
	case <-w.done:
	case w.inbox <- fn:
	default:
		w.logger.Warn("worker inbox full, dropping event")
	}
}

// call runs fn on the worker goroutine and waits for its result.
func (w *worker) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case <-w.done:
		return fmt.Errorf("session %q: %w", w.sessionID, pbxerr.ErrNotFound)
	case <-ctx.Done():
		return ctx.Err()
	case w.inbox <- func() { res <- fn() }:
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition fires a state machine event and mirrors it into the registry.
func (w *worker) transition(event, reason string) error {
	if err := w.machine.Event(context.Background(), event); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return fmt.Errorf("%s not legal in state %s: %w", event, w.machine.Current(), pbxerr.ErrInvalidState)
		}
		return fmt.Errorf("state machine: %w: %w", pbxerr.ErrFatal, err)
	}
	if err := w.b.reg.SetState(w.sessionID, registry.SessionState(w.machine.Current()), reason); err != nil {
		w.logger.Warn("registry state update failed", "error", err)
	}
	return nil
}

func (w *worker) submitOffer(rawSDP string) error {
	if err := w.transition(evOffer, ""); err != nil {
		return err
	}
	w.offer = rawSDP
	w.logger.Debug("offer stored", "bytes", len(rawSDP))
	return nil
}

func (w *worker) placeCall(ctx context.Context, targetExt string) (string, error) {
	if w.machine.Current() != string(registry.StateOffered) {
		return "", fmt.Errorf("place-call requires an offered session, state is %s: %w",
			w.machine.Current(), pbxerr.ErrInvalidState)
	}

	dest, err := w.b.resolver.Resolve(ctx, models.DestExtension, targetExt)
	if err != nil {
		// Resolution failure fails the session before the fabric is ever
		// touched: no orphaned ringing state.
		if ferr := w.transition(evFail, "resolution_failed"); ferr != nil {
			w.logger.Error("failed to fail session", "error", ferr)
		}
		w.finish()
		return "", fmt.Errorf("resolving target %q: %w", targetExt, err)
	}
	if dest.Kind != route.KindBridge {
		if ferr := w.transition(evFail, "resolution_failed"); ferr != nil {
			w.logger.Error("failed to fail session", "error", ferr)
		}
		w.finish()
		return "", fmt.Errorf("target %q is not bridgeable: %w", targetExt, pbxerr.ErrUnreachable)
	}

	call := &registry.Call{
		ID:          uuid.NewString(),
		SourceExt:   w.extension,
		TargetExt:   dest.Target,
		Status:      registry.CallRinging,
		InitiatedAt: time.Now(),
	}
	if err := w.b.reg.AttachCall(w.sessionID, call); err != nil {
		return "", err
	}
	w.callID = call.ID
	w.b.indexCall(call.ID, w)

	if err := w.transition(evRing, ""); err != nil {
		return "", err
	}

	if err := w.b.fab.Bridge(ctx, fabric.Call{
		ID:        call.ID,
		SourceExt: w.extension,
		TargetExt: dest.Target,
		SDPOffer:  w.offer,
	}); err != nil {
		w.markCallEnded(registry.CallFailed, "fabric_failure")
		w.terminate("fabric_failure", true)
		return "", fmt.Errorf("bridging call: %w: %w", pbxerr.ErrUnreachable, err)
	}

	w.logger.Info("call placed", "call_id", call.ID, "target", dest.Target)
	return call.ID, nil
}

func (w *worker) relayCandidate(candidate string) error {
	state := registry.SessionState(w.machine.Current())
	if state.Terminal() {
		return fmt.Errorf("session %q is %s: %w", w.sessionID, state, pbxerr.ErrInvalidState)
	}
	if w.callID == "" {
		// Best-effort relay: before a call exists there is no remote leg,
		// the candidate is dropped rather than buffered.
		w.logger.Debug("dropping candidate, no call attached")
		return nil
	}

	callID := w.callID
	w.relay(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.b.fab.RelayCandidate(ctx, callID, candidate); err != nil {
			w.logger.Debug("candidate relay failed", "call_id", callID, "error", err)
		}
	})
	return nil
}

func (w *worker) relayDTMF(digit string, durationMs int) error {
	if w.machine.Current() != string(registry.StateConnected) {
		return fmt.Errorf("dtmf requires a connected call, state is %s: %w",
			w.machine.Current(), pbxerr.ErrInvalidState)
	}

	callID := w.callID
	w.relay(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.b.fab.SendDTMF(ctx, callID, digit, durationMs); err != nil {
			w.logger.Warn("dtmf relay failed", "call_id", callID, "error", err)
		}
	})
	return nil
}

// relay hands ordered fire-and-forget work to the outbox goroutine without
// ever blocking the state machine. A saturated outbox drops.
func (w *worker) relay(fn func()) {
	select {
	case w.outbox <- fn:
	default:
		w.logger.Warn("relay outbox full, dropping")
	}
}

func (w *worker) remoteAnswered(callID string) {
	if w.machine.Current() != string(registry.StateRinging) || callID != w.callID {
		// Stale callback after the session moved on.
		w.logger.Debug("ignoring stale answer", "call_id", callID, "state", w.machine.Current())
		return
	}
	if err := w.b.reg.SetCallStatus(callID, registry.CallConnected, ""); err != nil {
		w.logger.Warn("call status update failed", "error", err)
	}
	if err := w.transition(evConnect, ""); err != nil {
		w.logger.Error("connect transition failed", "error", err)
		return
	}
	w.logger.Info("call connected", "call_id", callID)
}

// markCallEnded moves the attached call to a terminal status if it has one
// and is not terminal already.
func (w *worker) markCallEnded(status registry.CallStatus, reason string) {
	if w.callID == "" {
		return
	}
	s, err := w.b.reg.GetByCallID(w.callID)
	if err != nil || s.Call == nil {
		return
	}
	if s.Call.Status == registry.CallEnded || s.Call.Status == registry.CallFailed {
		return
	}
	if err := w.b.reg.SetCallStatus(w.callID, status, reason); err != nil {
		w.logger.Warn("call status update failed", "error", err)
	}
}

// terminate drives the session to its terminal state, tears down the fabric
// leg exactly once, records the CDR, and releases the worker. Safe to call
// repeatedly; only the first invocation acts.
func (w *worker) terminate(reason string, teardownFabric bool) {
	state := registry.SessionState(w.machine.Current())
	if state.Terminal() {
		return
	}

	w.markCallEnded(registry.CallEnded, reason)

	if teardownFabric && w.callID != "" && !w.teardownSent {
		w.teardownSent = true
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.b.fab.Teardown(ctx, w.callID); err != nil {
			// Best effort: fabric notification failures are logged, never
			// surfaced to the hangup caller.
			w.logger.Warn("fabric teardown failed", "call_id", w.callID, "error", err)
		}
		cancel()
	}

	if err := w.transition(evTerminate, reason); err != nil {
		w.logger.Error("terminate transition failed", "error", err)
	}

	w.finish()
	w.logger.Info("session terminated", "reason", reason)
}

// finish writes the CDR, removes the session from the registry, and stops
// the worker. Runs for both TERMINATED and FAILED exits.
func (w *worker) finish() {
	w.writeCDR()
	w.b.reg.Remove(w.sessionID)
	w.b.detach(w)
	close(w.done)
}

// writeCDR persists the call detail record for an attached call.
func (w *worker) writeCDR() {
	if w.callID == "" || w.b.cdrs == nil {
		return
	}
	s, err := w.b.reg.GetByCallID(w.callID)
	if err != nil || s.Call == nil {
		return
	}
	c := s.Call

	disposition := "abandoned"
	switch {
	case c.Status == registry.CallFailed:
		disposition = "failed"
	case c.ConnectedAt != nil:
		disposition = "answered"
	}

	cdr := &models.CDR{
		CallID:      c.ID,
		SessionID:   w.sessionID,
		SourceExt:   c.SourceExt,
		TargetExt:   c.TargetExt,
		InitiatedAt: c.InitiatedAt,
		ConnectedAt: c.ConnectedAt,
		EndedAt:     c.EndedAt,
		Disposition: disposition,
		MenuPath:    "[]",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.b.cdrs.Create(ctx, cdr); err != nil {
		w.logger.Error("failed to write cdr", "call_id", c.ID, "error", err)
	}
}
