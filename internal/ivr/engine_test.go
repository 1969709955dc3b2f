package ivr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wirepbx/wirepbx/internal/pbxerr"
	"github.com/wirepbx/wirepbx/internal/route"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMenuStore serves menus and digit bindings from maps.
type fakeMenuStore struct {
	menus map[string]Menu
	items map[string]map[string]Item
}

func (s *fakeMenuStore) GetMenu(ctx context.Context, menuID string) (Menu, error) {
	m, ok := s.menus[menuID]
	if !ok {
		return Menu{}, fmt.Errorf("menu %q: %w", menuID, pbxerr.ErrNotFound)
	}
	return m, nil
}

func (s *fakeMenuStore) GetItem(ctx context.Context, menuID, digit string) (Item, error) {
	item, ok := s.items[menuID][digit]
	if !ok {
		return Item{}, fmt.Errorf("digit %q in menu %q: %w", digit, menuID, pbxerr.ErrNotFound)
	}
	return item, nil
}

// fakeResolver maps type:value keys to canned destinations.
type fakeResolver struct {
	mu    sync.Mutex
	dests map[string]route.Destination
	errs  map[string]error
}

func (r *fakeResolver) Resolve(ctx context.Context, destType, destValue string) (route.Destination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := destType + ":" + destValue
	if err, ok := r.errs[key]; ok {
		return route.Destination{}, err
	}
	d, ok := r.dests[key]
	if !ok {
		return route.Destination{}, fmt.Errorf("%s: %w", key, pbxerr.ErrUnreachable)
	}
	return d, nil
}

// fakePlayer records played prompts.
type fakePlayer struct {
	mu      sync.Mutex
	prompts []string
}

func (p *fakePlayer) Play(ctx context.Context, callID, promptRef string) error {
	p.mu.Lock()
	p.prompts = append(p.prompts, promptRef)
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}

// bridgeCall records one completed hand-off.
type bridgeCall struct {
	callID   string
	dest     route.Destination
	menuPath []string
}

// fakeHandoff records hand-offs and aborts, signalling each on a channel so
// tests can wait without polling.
type fakeHandoff struct {
	mu      sync.Mutex
	bridges []bridgeCall
	aborts  []string

	bridged chan bridgeCall
	aborted chan string
}

func newFakeHandoff() *fakeHandoff {
	return &fakeHandoff{
		bridged: make(chan bridgeCall, 4),
		aborted: make(chan string, 4),
	}
}

func (h *fakeHandoff) Bridge(ctx context.Context, callID string, dest route.Destination, menuPath []string) error {
	bc := bridgeCall{callID: callID, dest: dest, menuPath: menuPath}
	h.mu.Lock()
	h.bridges = append(h.bridges, bc)
	h.mu.Unlock()
	h.bridged <- bc
	return nil
}

func (h *fakeHandoff) Abort(callID, reason string) {
	h.mu.Lock()
	h.aborts = append(h.aborts, reason)
	h.mu.Unlock()
	h.aborted <- reason
}

// twoLevelMenus builds main -> (1: ext 2001, 2: submenu sales) and
// sales -> (1: ext 2002).
func twoLevelMenus() (*fakeMenuStore, *fakeResolver) {
	store := &fakeMenuStore{
		menus: map[string]Menu{
			"main":  {ID: "main", PromptRef: "main_menu"},
			"sales": {ID: "sales", PromptRef: "sales_menu"},
		},
		items: map[string]map[string]Item{
			"main": {
				"1": {Digit: "1", DestType: "extension", DestValue: "2001"},
				"2": {Digit: "2", DestType: "submenu", DestValue: "sales"},
			},
			"sales": {
				"1": {Digit: "1", DestType: "extension", DestValue: "2002"},
			},
		},
	}
	resolver := &fakeResolver{
		dests: map[string]route.Destination{
			"extension:2001": {Kind: route.KindBridge, Target: "2001"},
			"extension:2002": {Kind: route.KindBridge, Target: "2002"},
			"submenu:sales":  {Kind: route.KindDescend, Target: "sales"},
			"operator:":      {Kind: route.KindBridge, Target: "0"},
		},
		errs: map[string]error{},
	}
	return store, resolver
}

type engineFixture struct {
	engine   *Engine
	store    *fakeMenuStore
	resolver *fakeResolver
	player   *fakePlayer
	handoff  *fakeHandoff
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	store, resolver := twoLevelMenus()
	player := &fakePlayer{}
	handoff := newFakeHandoff()
	if cfg.EntryMenu == "" {
		cfg.EntryMenu = "main"
	}
	if cfg.DigitTimeout == 0 {
		cfg.DigitTimeout = 25 * time.Millisecond
	}
	e := NewEngine(store, resolver, player, handoff, cfg, testLogger())
	return &engineFixture{engine: e, store: store, resolver: resolver, player: player, handoff: handoff}
}

func waitBridge(t *testing.T, h *fakeHandoff) bridgeCall {
	t.Helper()
	select {
	case bc := <-h.bridged:
		return bc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hand-off")
		return bridgeCall{}
	}
}

func waitAbort(t *testing.T, h *fakeHandoff) string {
	t.Helper()
	select {
	case reason := <-h.aborted:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for abort")
		return ""
	}
}

// waitPrompt blocks until the given prompt has played, so digits sent after
// it cannot be discarded by the menu-entry drain.
func waitPrompt(t *testing.T, p *fakePlayer, promptRef string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, played := range p.played() {
			if played == promptRef {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("prompt %q never played; got %v", promptRef, p.played())
}

func waitDetached(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.ActiveCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("navigator never detached, active = %d", e.ActiveCount())
}

func TestDirectMatch(t *testing.T) {
	f := newEngineFixture(t, Config{MaxRetries: 3, DigitTimeout: time.Minute})

	if _, err := f.engine.StartCall(context.Background(), "call-1", "inbound"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPrompt(t, f.player, "main_menu")
	f.engine.Digit("call-1", "1")

	bc := waitBridge(t, f.handoff)
	if bc.dest.Kind != route.KindBridge || bc.dest.Target != "2001" {
		t.Errorf("hand-off dest = %+v, want bridge to 2001", bc.dest)
	}
	if len(bc.menuPath) != 0 {
		t.Errorf("menu path = %v, want empty for a top-level match", bc.menuPath)
	}

	waitDetached(t, f.engine)
	if f.engine.FallbackCount() != 0 {
		t.Errorf("FallbackCount = %d, want 0", f.engine.FallbackCount())
	}
}

func TestSubmenuDescent(t *testing.T) {
	f := newEngineFixture(t, Config{MaxRetries: 3, DigitTimeout: time.Minute})

	if _, err := f.engine.StartCall(context.Background(), "call-1", "inbound"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPrompt(t, f.player, "main_menu")

	f.engine.Digit("call-1", "2") // descend into sales
	// The descent must land before the next digit, or the sales-menu entry
	// drain would discard it.
	waitPrompt(t, f.player, "sales_menu")

	f.engine.Digit("call-1", "1")
	bc := waitBridge(t, f.handoff)
	if bc.dest.Target != "2002" {
		t.Errorf("hand-off target = %q, want 2002", bc.dest.Target)
	}
	if len(bc.menuPath) != 1 || bc.menuPath[0] != "main" {
		t.Errorf("menu path = %v, want [main]", bc.menuPath)
	}
	waitDetached(t, f.engine)
}

func TestTimeoutRetriesThenFallback(t *testing.T) {
	f := newEngineFixture(t, Config{MaxRetries: 1, DigitTimeout: 20 * time.Millisecond})

	if _, err := f.engine.StartCall(context.Background(), "call-1", "inbound"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	// No digits at all: first deadline is a retry, second exhausts and
	// transfers to the operator.
	bc := waitBridge(t, f.handoff)
	if bc.dest.Target != "0" {
		t.Errorf("fallback target = %q, want operator 0", bc.dest.Target)
	}
	if f.engine.FallbackCount() != 1 {
		t.Errorf("FallbackCount = %d, want 1", f.engine.FallbackCount())
	}

	// The timeout prompt played before the transfer prompt.
	sawTimeout, sawTransfer := false, false
	for _, p := range f.player.played() {
		switch p {
		case PromptTimeout:
			sawTimeout = true
		case PromptTransfer:
			sawTransfer = true
		}
	}
	if !sawTimeout || !sawTransfer {
		t.Errorf("prompts = %v, want both timeout and transfer", f.player.played())
	}
	waitDetached(t, f.engine)
}

func TestSupersededDeadlineDoesNotCountAMiss(t *testing.T) {
	f := newEngineFixture(t, Config{MaxRetries: 2, DigitTimeout: time.Minute})

	// Drive a navigator directly: a deadline armed before a digit can still
	// fire after that digit bumped the generation, and such a fire must not
	// touch the retry budget.
	n := &Navigator{
		callID:  "call-1",
		engine:  f.engine,
		logger:  testLogger(),
		digits:  make(chan string, digitBufDepth),
		done:    make(chan struct{}),
		current: "main",
	}
	n.gen = 2 // a digit re-armed the deadline; generation 1 is obsolete

	terminal, rearm := n.onDeadline(context.Background(), timerFire{gen: 1})
	if terminal || rearm {
		t.Fatalf("obsolete fire = (terminal %v, rearm %v), want (false, false)", terminal, rearm)
	}
	if n.retries != 0 {
		t.Fatalf("retries = %d after obsolete fire, want 0", n.retries)
	}
	if played := f.player.played(); len(played) != 0 {
		t.Fatalf("prompts played after obsolete fire: %v", played)
	}

	// A fire carrying the live generation is a real miss: it counts and the
	// loop re-arms.
	terminal, rearm = n.onDeadline(context.Background(), timerFire{gen: 2})
	if terminal || !rearm {
		t.Fatalf("live fire = (terminal %v, rearm %v), want (false, true)", terminal, rearm)
	}
	if n.retries != 1 {
		t.Fatalf("retries = %d after live fire, want 1", n.retries)
	}
}

func TestInvalidDigitsExhaustRetries(t *testing.T) {
	f := newEngineFixture(t, Config{MaxRetries: 2, DigitTimeout: time.Minute})

	if _, err := f.engine.StartCall(context.Background(), "call-1", "inbound"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPrompt(t, f.player, "main_menu")

	// Each unbound digit is one failed attempt; the third exceeds
	// MaxRetries=2 and triggers the operator fallback.
	for i := 0; i < 3; i++ {
		f.engine.Digit("call-1", "9")
		// Give the run loop a beat to consume before the next press.
		time.Sleep(10 * time.Millisecond)
	}

	bc := waitBridge(t, f.handoff)
	if bc.dest.Target != "0" {
		t.Errorf("fallback target = %q, want operator 0", bc.dest.Target)
	}
	if f.engine.FallbackCount() != 1 {
		t.Errorf("FallbackCount = %d, want 1", f.engine.FallbackCount())
	}
	waitDetached(t, f.engine)
}

func TestUnreachableDestinationTakesInvalidPath(t *testing.T) {
	f := newEngineFixture(t, Config{MaxRetries: 0, DigitTimeout: time.Minute})
	// Digit 1 is bound but the extension cannot be reached.
	f.resolver.mu.Lock()
	f.resolver.errs["extension:2001"] = fmt.Errorf("dnd: %w", pbxerr.ErrUnreachable)
	f.resolver.mu.Unlock()

	if _, err := f.engine.StartCall(context.Background(), "call-1", "inbound"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPrompt(t, f.player, "main_menu")
	f.engine.Digit("call-1", "1")

	// MaxRetries=0 means the very first miss falls back.
	bc := waitBridge(t, f.handoff)
	if bc.dest.Target != "0" {
		t.Errorf("fallback target = %q, want operator 0", bc.dest.Target)
	}
	waitDetached(t, f.engine)
}

func TestFallbackUnreachableAbortsCall(t *testing.T) {
	f := newEngineFixture(t, Config{MaxRetries: 0, DigitTimeout: time.Minute})
	f.resolver.mu.Lock()
	delete(f.resolver.dests, "operator:")
	f.resolver.mu.Unlock()

	if _, err := f.engine.StartCall(context.Background(), "call-1", "inbound"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPrompt(t, f.player, "main_menu")
	f.engine.Digit("call-1", "9") // unbound, exhausts retries immediately

	reason := waitAbort(t, f.handoff)
	if reason != "fallback_failed" {
		t.Errorf("abort reason = %q, want fallback_failed", reason)
	}
	waitDetached(t, f.engine)
}

func TestEndCallCancelsNavigation(t *testing.T) {
	f := newEngineFixture(t, Config{MaxRetries: 3, DigitTimeout: time.Minute})

	if _, err := f.engine.StartCall(context.Background(), "call-1", "inbound"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if f.engine.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", f.engine.ActiveCount())
	}

	f.engine.EndCall("call-1")
	waitDetached(t, f.engine)

	// No hand-off, no abort: the caller simply hung up.
	select {
	case bc := <-f.handoff.bridged:
		t.Errorf("unexpected hand-off after hangup: %+v", bc)
	case reason := <-f.handoff.aborted:
		t.Errorf("unexpected abort after hangup: %q", reason)
	default:
	}

	// Digits for the dead call are dropped silently.
	f.engine.Digit("call-1", "1")
}

func TestStartCallConflict(t *testing.T) {
	f := newEngineFixture(t, Config{MaxRetries: 3, DigitTimeout: time.Minute})

	if _, err := f.engine.StartCall(context.Background(), "call-1", "inbound"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	_, err := f.engine.StartCall(context.Background(), "call-1", "inbound")
	if !errors.Is(err, pbxerr.ErrConflict) {
		t.Errorf("duplicate StartCall = %v, want ErrConflict", err)
	}
	f.engine.EndCall("call-1")
	waitDetached(t, f.engine)
}

func TestContextCancelStopsNavigation(t *testing.T) {
	f := newEngineFixture(t, Config{MaxRetries: 3, DigitTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := f.engine.StartCall(ctx, "call-1", "inbound"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	cancel()
	waitDetached(t, f.engine)
}
