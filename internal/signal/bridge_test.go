package signal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/events"
	"github.com/wirepbx/wirepbx/internal/fabric"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
	"github.com/wirepbx/wirepbx/internal/registry"
	"github.com/wirepbx/wirepbx/internal/route"
)

const validOffer = "v=0\r\n" +
	"o=- 123456 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockFabric records calls without touching any transport.
type dtmfPress struct {
	digit      string
	durationMs int
}

type mockFabric struct {
	mu         sync.Mutex
	bridged    []fabric.Call
	teardowns  map[string]int
	dtmf       []dtmfPress
	candidates []string
	bridgeErr  error
}

func newMockFabric() *mockFabric {
	return &mockFabric{teardowns: make(map[string]int)}
}

func (m *mockFabric) Bridge(ctx context.Context, call fabric.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bridgeErr != nil {
		return m.bridgeErr
	}
	m.bridged = append(m.bridged, call)
	return nil
}

func (m *mockFabric) Enqueue(ctx context.Context, callID, queueID string) error   { return nil }
func (m *mockFabric) Voicemail(ctx context.Context, callID, mailbox string) error { return nil }

func (m *mockFabric) Teardown(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardowns[callID]++
	return nil
}

func (m *mockFabric) SendDTMF(ctx context.Context, callID, digit string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dtmf = append(m.dtmf, dtmfPress{digit: digit, durationMs: durationMs})
	return nil
}

func (m *mockFabric) RelayCandidate(ctx context.Context, callID, candidate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, candidate)
	return nil
}

func (m *mockFabric) bridgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bridged)
}

func (m *mockFabric) teardownCount(callID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardowns[callID]
}

func (m *mockFabric) sentDTMF() []dtmfPress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dtmfPress(nil), m.dtmf...)
}

// mockResolver resolves every extension to a bridge target unless an error
// is configured.
type mockResolver struct {
	err error
}

func (m *mockResolver) Resolve(ctx context.Context, destType, destValue string) (route.Destination, error) {
	if m.err != nil {
		return route.Destination{}, m.err
	}
	return route.Destination{Kind: route.KindBridge, Target: destValue}, nil
}

// mockCDRRepo records written CDRs.
type mockCDRRepo struct {
	mu   sync.Mutex
	cdrs []models.CDR
}

func (m *mockCDRRepo) Create(ctx context.Context, cdr *models.CDR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cdrs = append(m.cdrs, *cdr)
	return nil
}

func (m *mockCDRRepo) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	return nil, pbxerr.ErrNotFound
}

func (m *mockCDRRepo) ListRecent(ctx context.Context, limit int) ([]models.CDR, error) {
	return nil, nil
}

func (m *mockCDRRepo) CountByDisposition(ctx context.Context) (map[string]int64, error) {
	return nil, nil
}

func (m *mockCDRRepo) written() []models.CDR {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CDR(nil), m.cdrs...)
}

type bridgeFixture struct {
	bridge   *Bridge
	reg      *registry.Registry
	fab      *mockFabric
	resolver *mockResolver
	cdrs     *mockCDRRepo
	bus      *events.Bus
}

func newFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	bus := events.NewBus(testLogger())
	reg := registry.New(100, bus, testLogger())
	fab := newMockFabric()
	resolver := &mockResolver{}
	cdrs := &mockCDRRepo{}
	b := NewBridge(reg, resolver, fab, cdrs, bus, []string{"stun:test"}, testLogger())
	return &bridgeFixture{bridge: b, reg: reg, fab: fab, resolver: resolver, cdrs: cdrs, bus: bus}
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPlaceCallRequiresOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.bridge.CreateSession(ctx, "2001")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err = f.bridge.PlaceCall(ctx, s.ID, "2002")
	if !errors.Is(err, pbxerr.ErrInvalidState) {
		t.Fatalf("PlaceCall in created = %v, want ErrInvalidState", err)
	}

	// Session stays in created; the fabric is never touched.
	got, err := f.reg.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != registry.StateCreated {
		t.Errorf("state after rejected place-call = %q, want created", got.State)
	}
	if f.fab.bridgeCount() != 0 {
		t.Errorf("fabric bridged %d times, want 0", f.fab.bridgeCount())
	}
}

func TestSubmitOfferValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.bridge.CreateSession(ctx, "2001")

	if err := f.bridge.SubmitOffer(ctx, s.ID, "not sdp at all"); !errors.Is(err, pbxerr.ErrInvalidOffer) {
		t.Fatalf("malformed offer = %v, want ErrInvalidOffer", err)
	}

	// Session unchanged after the rejected offer.
	got, _ := f.reg.Get(s.ID)
	if got.State != registry.StateCreated {
		t.Errorf("state after rejected offer = %q, want created", got.State)
	}

	if err := f.bridge.SubmitOffer(ctx, s.ID, validOffer); err != nil {
		t.Fatalf("valid offer: %v", err)
	}
	got, _ = f.reg.Get(s.ID)
	if got.State != registry.StateOffered {
		t.Errorf("state after offer = %q, want offered", got.State)
	}

	// Resubmission while still offered is accepted.
	if err := f.bridge.SubmitOffer(ctx, s.ID, validOffer); err != nil {
		t.Errorf("resubmitted offer: %v", err)
	}
}

func TestSubmitOfferUnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.bridge.SubmitOffer(context.Background(), "nope", validOffer)
	if !errors.Is(err, pbxerr.ErrNotFound) {
		t.Errorf("offer to unknown session = %v, want ErrNotFound", err)
	}
}

func TestCallLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Watch state events for the ordering property.
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	s, _ := f.bridge.CreateSession(ctx, "2001")
	if err := f.bridge.SubmitOffer(ctx, s.ID, validOffer); err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}

	callID, err := f.bridge.PlaceCall(ctx, s.ID, "2002")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if callID == "" {
		t.Fatal("PlaceCall returned empty call id")
	}

	got, _ := f.reg.Get(s.ID)
	if got.State != registry.StateRinging {
		t.Errorf("state after place-call = %q, want ringing", got.State)
	}
	if got.Call == nil || got.Call.TargetExt != "2002" {
		t.Errorf("attached call = %+v, want target 2002", got.Call)
	}
	if f.fab.bridgeCount() != 1 {
		t.Fatalf("fabric bridged %d times, want 1", f.fab.bridgeCount())
	}

	f.bridge.RemoteAnswered(callID)
	waitFor(t, func() bool {
		g, err := f.reg.Get(s.ID)
		return err == nil && g.State == registry.StateConnected
	}, "session never reached connected")

	g, _ := f.reg.Get(s.ID)
	if g.Call.Status != registry.CallConnected || g.Call.ConnectedAt == nil {
		t.Errorf("call after answer = %+v, want connected with timestamp", g.Call)
	}

	if err := f.bridge.Hangup(ctx, s.ID); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	// Session removed from the registry; teardown invoked once.
	if _, err := f.reg.Get(s.ID); !errors.Is(err, pbxerr.ErrNotFound) {
		t.Errorf("session after hangup = %v, want ErrNotFound", err)
	}
	if n := f.fab.teardownCount(callID); n != 1 {
		t.Errorf("teardown invoked %d times, want 1", n)
	}

	// CDR written with the answered disposition.
	cdrs := f.cdrs.written()
	if len(cdrs) != 1 {
		t.Fatalf("cdrs written = %d, want 1", len(cdrs))
	}
	if cdrs[0].Disposition != "answered" || cdrs[0].CallID != callID {
		t.Errorf("cdr = %+v, want answered for %s", cdrs[0], callID)
	}

	// Observed states must be an in-order subsequence of the lifecycle.
	assertStateSubsequence(t, drainStates(ch, s.ID))
}

func TestHangupMidRingTearsDownOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.bridge.CreateSession(ctx, "2001")
	_ = f.bridge.SubmitOffer(ctx, s.ID, validOffer)
	callID, err := f.bridge.PlaceCall(ctx, s.ID, "2002")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	if err := f.bridge.Hangup(ctx, s.ID); err != nil {
		t.Fatalf("first hangup: %v", err)
	}
	if err := f.bridge.Hangup(ctx, s.ID); err != nil {
		t.Fatalf("second hangup: %v", err)
	}

	if n := f.fab.teardownCount(callID); n != 1 {
		t.Errorf("teardown invoked %d times, want exactly 1", n)
	}

	cdrs := f.cdrs.written()
	if len(cdrs) != 1 {
		t.Fatalf("cdrs written = %d, want 1 despite duplicate hangup", len(cdrs))
	}
	if cdrs[0].Disposition != "abandoned" {
		t.Errorf("cdr disposition = %q, want abandoned (never answered)", cdrs[0].Disposition)
	}
}

func TestHangupUnknownSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	if err := f.bridge.Hangup(context.Background(), "never-existed"); err != nil {
		t.Errorf("hangup of unknown session = %v, want nil", err)
	}
}

func TestPlaceCallResolutionFailure(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = fmt.Errorf("extension gone: %w", pbxerr.ErrUnreachable)
	ctx := context.Background()

	ch, cancel := f.bus.Subscribe()
	defer cancel()

	s, _ := f.bridge.CreateSession(ctx, "2001")
	_ = f.bridge.SubmitOffer(ctx, s.ID, validOffer)

	_, err := f.bridge.PlaceCall(ctx, s.ID, "9999")
	if !errors.Is(err, pbxerr.ErrUnreachable) {
		t.Fatalf("PlaceCall with failing resolver = %v, want ErrUnreachable", err)
	}

	// The fabric was never invoked; no orphaned ringing state.
	if f.fab.bridgeCount() != 0 {
		t.Errorf("fabric bridged %d times, want 0", f.fab.bridgeCount())
	}

	// The session failed and was torn down.
	if _, err := f.reg.Get(s.ID); !errors.Is(err, pbxerr.ErrNotFound) {
		t.Errorf("session after failed resolution = %v, want removed", err)
	}

	states := drainStates(ch, s.ID)
	sawFailed := false
	for _, st := range states {
		if st == string(registry.StateFailed) {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Errorf("states %v never include failed", states)
	}
}

func TestDTMFRequiresConnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.bridge.CreateSession(ctx, "2001")
	_ = f.bridge.SubmitOffer(ctx, s.ID, validOffer)

	if err := f.bridge.DTMF(ctx, s.ID, "5", 160); !errors.Is(err, pbxerr.ErrInvalidState) {
		t.Fatalf("DTMF in offered = %v, want ErrInvalidState", err)
	}

	callID, _ := f.bridge.PlaceCall(ctx, s.ID, "2002")
	f.bridge.RemoteAnswered(callID)
	waitFor(t, func() bool {
		g, err := f.reg.Get(s.ID)
		return err == nil && g.State == registry.StateConnected
	}, "session never connected")

	if err := f.bridge.DTMF(ctx, s.ID, "5", 250); err != nil {
		t.Fatalf("DTMF while connected: %v", err)
	}
	waitFor(t, func() bool { return len(f.fab.sentDTMF()) == 1 }, "dtmf never relayed to fabric")

	// The press duration travels with the digit all the way to the fabric.
	if sent := f.fab.sentDTMF(); sent[0].digit != "5" || sent[0].durationMs != 250 {
		t.Fatalf("relayed dtmf = %+v, want digit 5 duration 250", sent[0])
	}
}

func TestICECandidateStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.bridge.CreateSession(ctx, "2001")

	// Accepted before a call exists; dropped, not an error.
	if err := f.bridge.ICECandidate(ctx, s.ID, "candidate:1 1 udp 1 10.0.0.1 5000 typ host"); err != nil {
		t.Fatalf("candidate in created: %v", err)
	}

	_ = f.bridge.SubmitOffer(ctx, s.ID, validOffer)
	if _, err := f.bridge.PlaceCall(ctx, s.ID, "2002"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	if err := f.bridge.ICECandidate(ctx, s.ID, "candidate:2 1 udp 1 10.0.0.1 5001 typ host"); err != nil {
		t.Fatalf("candidate while ringing: %v", err)
	}
	waitFor(t, func() bool {
		f.fab.mu.Lock()
		defer f.fab.mu.Unlock()
		return len(f.fab.candidates) == 1
	}, "candidate never relayed")

	// Candidates for a torn-down session report not-found (session is gone).
	_ = f.bridge.Hangup(ctx, s.ID)
	err := f.bridge.ICECandidate(ctx, s.ID, "candidate:3")
	if !errors.Is(err, pbxerr.ErrNotFound) {
		t.Errorf("candidate after hangup = %v, want ErrNotFound", err)
	}
}

func TestRemoteHungupTerminatesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.bridge.CreateSession(ctx, "2001")
	_ = f.bridge.SubmitOffer(ctx, s.ID, validOffer)
	callID, _ := f.bridge.PlaceCall(ctx, s.ID, "2002")
	f.bridge.RemoteAnswered(callID)
	waitFor(t, func() bool {
		g, err := f.reg.Get(s.ID)
		return err == nil && g.State == registry.StateConnected
	}, "session never connected")

	f.bridge.RemoteHungup(callID, "peer_hangup")
	waitFor(t, func() bool {
		_, err := f.reg.Get(s.ID)
		return errors.Is(err, pbxerr.ErrNotFound)
	}, "session never removed after remote hangup")

	cdrs := f.cdrs.written()
	if len(cdrs) != 1 || cdrs[0].Disposition != "answered" {
		t.Errorf("cdrs = %+v, want one answered record", cdrs)
	}
}

func TestCallFailedTerminatesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.bridge.CreateSession(ctx, "2001")
	_ = f.bridge.SubmitOffer(ctx, s.ID, validOffer)
	callID, _ := f.bridge.PlaceCall(ctx, s.ID, "2002")

	f.bridge.CallFailed(callID, "busy_here")
	waitFor(t, func() bool {
		_, err := f.reg.Get(s.ID)
		return errors.Is(err, pbxerr.ErrNotFound)
	}, "session never removed after call failure")

	cdrs := f.cdrs.written()
	if len(cdrs) != 1 || cdrs[0].Disposition != "failed" {
		t.Errorf("cdrs = %+v, want one failed record", cdrs)
	}
}

// drainStates collects the state values published for one session.
func drainStates(ch <-chan events.Event, sessionID string) []string {
	var states []string
	for {
		select {
		case ev := <-ch:
			if ev.SessionID != sessionID {
				continue
			}
			if ev.Kind == events.KindSessionCreated || ev.Kind == events.KindSessionState {
				states = append(states, ev.State)
			}
		case <-time.After(100 * time.Millisecond):
			return states
		}
	}
}

// assertStateSubsequence checks the observed states form an in-order
// subsequence of the session lifecycle with no revisits.
func assertStateSubsequence(t *testing.T, states []string) {
	t.Helper()
	lifecycle := []string{"created", "offered", "ringing", "connected", "terminated"}
	idx := 0
	for _, st := range states {
		if st == "failed" {
			return // failed is a legal suffix substitute
		}
		found := false
		for idx < len(lifecycle) {
			if lifecycle[idx] == st {
				found = true
				idx++
				break
			}
			idx++
		}
		if !found {
			t.Fatalf("states %v are not a subsequence of %v", states, lifecycle)
		}
	}
}
