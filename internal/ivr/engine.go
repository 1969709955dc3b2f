// Package ivr implements the auto-attendant: a per-call state machine that
// collects digits against the current menu, applies timeout and retry policy,
// and hands matched callers to the call fabric or descends into submenus.
package ivr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wirepbx/wirepbx/internal/pbxerr"
	"github.com/wirepbx/wirepbx/internal/route"
)

// Well-known prompt references. Menu entry prompts come from the menu record
// itself; these cover the failure paths.
const (
	PromptInvalid  = "invalid.wav"
	PromptTimeout  = "timeout.wav"
	PromptTransfer = "transferring.wav"
)

// ErrCallEnded is returned by a PromptPlayer when playback was interrupted
// because the call went away. The engine treats it as a hangup, never as a
// completed playback.
var ErrCallEnded = errors.New("call ended")

// Menu is the read model the engine needs for one IVR screen.
type Menu struct {
	ID        string
	PromptRef string
}

// Item is one digit binding as seen by the engine.
type Item struct {
	Digit     string
	DestType  string
	DestValue string
}

// MenuStore is the read-only lookup the engine performs per digit.
// Implementations report pbxerr.ErrNotFound for unknown menus and unbound
// digits.
type MenuStore interface {
	GetMenu(ctx context.Context, menuID string) (Menu, error)
	GetItem(ctx context.Context, menuID, digit string) (Item, error)
}

// PromptPlayer plays a named prompt into an active call and blocks until the
// playback completes or is interrupted.
type PromptPlayer interface {
	Play(ctx context.Context, callID, promptRef string) error
}

// Handoff receives callers leaving the IVR. Bridge establishes the leg for a
// terminal destination; Abort ends a call whose fallback destination could
// not be reached.
type Handoff interface {
	Bridge(ctx context.Context, callID string, dest route.Destination, menuPath []string) error
	Abort(callID, reason string)
}

// Config carries the navigation policy.
type Config struct {
	EntryMenu    string
	DigitTimeout time.Duration
	MaxRetries   int
}

// digitBufDepth bounds buffered, not-yet-consumed digits per call. Callers
// mashing the keypad beyond this simply lose keypresses.
const digitBufDepth = 8

// Engine owns one Navigator per call currently inside the auto-attendant.
type Engine struct {
	menus    MenuStore
	resolver route.Resolver
	player   PromptPlayer
	handoff  Handoff
	cfg      Config
	logger   *slog.Logger

	mu   sync.Mutex
	navs map[string]*Navigator

	fbMu      sync.Mutex
	fallbackN int
}

// NewEngine creates the IVR navigation engine.
func NewEngine(
	menus MenuStore,
	resolver route.Resolver,
	player PromptPlayer,
	handoff Handoff,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.EntryMenu == "" {
		cfg.EntryMenu = "main"
	}
	if cfg.DigitTimeout <= 0 {
		cfg.DigitTimeout = 10 * time.Second
	}
	return &Engine{
		menus:    menus,
		resolver: resolver,
		player:   player,
		handoff:  handoff,
		cfg:      cfg,
		logger:   logger.With("subsystem", "ivr"),
		navs:     make(map[string]*Navigator),
	}
}

// StartCall enters a call into the auto-attendant at the entry menu and
// returns its Navigator. The navigation runs on its own goroutine until the
// caller is handed off, abandons, or the context is cancelled.
func (e *Engine) StartCall(ctx context.Context, callID, sourceExt string) (*Navigator, error) {
	e.mu.Lock()
	if _, exists := e.navs[callID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("call %q already navigating: %w", callID, pbxerr.ErrConflict)
	}

	n := &Navigator{
		callID:    callID,
		sourceExt: sourceExt,
		engine:    e,
		digits:    make(chan string, digitBufDepth),
		done:      make(chan struct{}),
		logger:    e.logger.With("call_id", callID),
	}
	e.navs[callID] = n
	e.mu.Unlock()

	go n.run(ctx)
	return n, nil
}

// Digit delivers a collected digit to the call's navigator. Delivery is
// fire-and-forget: unknown calls and overfull buffers drop the digit.
func (e *Engine) Digit(callID, digit string) {
	e.mu.Lock()
	n := e.navs[callID]
	e.mu.Unlock()
	if n == nil {
		return
	}
	select {
	case n.digits <- digit:
	default:
		n.logger.Warn("digit dropped, buffer full", "digit", digit)
	}
}

// EndCall cancels navigation for a call (remote hangup). Safe to invoke at
// any point, including concurrently with an in-flight digit match; the
// navigator discards its context without touching the dead call.
func (e *Engine) EndCall(callID string) {
	e.mu.Lock()
	n := e.navs[callID]
	e.mu.Unlock()
	if n == nil {
		return
	}
	n.end()
}

// ActiveCount returns the number of calls currently inside the attendant.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.navs)
}

// FallbackCount returns the number of calls that exhausted retries and were
// routed to the fallback destination since startup.
func (e *Engine) FallbackCount() int {
	e.fbMu.Lock()
	defer e.fbMu.Unlock()
	return e.fallbackN
}

func (e *Engine) countFallback() {
	e.fbMu.Lock()
	e.fallbackN++
	e.fbMu.Unlock()
}

// detach removes a finished navigator.
func (e *Engine) detach(callID string) {
	e.mu.Lock()
	delete(e.navs, callID)
	e.mu.Unlock()
}

// Navigator is the transient per-call IVR context: current menu, ancestor
// stack, collected digits, retry count, and the digit deadline.
type Navigator struct {
	callID    string
	sourceExt string
	engine    *Engine
	logger    *slog.Logger

	digits chan string

	endOnce sync.Once
	done    chan struct{}

	// gen is bumped every time the digit deadline is re-armed. A timer
	// firing with a stale generation is ignored unconditionally, which
	// resolves the late-digit-versus-fired-timeout race.
	gen uint64

	// Navigation state, owned by the run goroutine.
	current string
	stack   []string
	entry   string // digits collected for the current entry
	retries int
}

// timerFire is the synthetic timeout event delivered to the run loop.
type timerFire struct {
	gen uint64
}

// end signals remote hangup. Idempotent.
func (n *Navigator) end() {
	n.endOnce.Do(func() { close(n.done) })
}

// Path returns the ancestor menu ids on the navigation stack.
func (n *Navigator) Path() []string {
	return append([]string(nil), n.stack...)
}

// run drives the per-call state machine. All state transitions happen on
// this goroutine; digits, timer fires, and hangup are its only inputs.
func (n *Navigator) run(ctx context.Context) {
	defer n.engine.detach(n.callID)

	navCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancel blocking collaborator calls as soon as the call ends so an
	// in-flight resolve or playback cannot outlive the call.
	go func() {
		select {
		case <-n.done:
			cancel()
		case <-navCtx.Done():
		}
	}()

	n.current = n.engine.cfg.EntryMenu
	if !n.enterMenu(navCtx) {
		return
	}

	timerC := make(chan timerFire, 1)
	timer := n.armDeadline(timerC)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-n.done:
			n.logger.Debug("navigation abandoned, call ended")
			return
		case <-navCtx.Done():
			return

		case digit := <-n.digits:
			timer.Stop()
			n.gen++ // invalidate any timer fire racing with this digit
			n.entry += digit

			next, terminal := n.handleDigit(navCtx, digit)
			if terminal {
				return
			}
			if next {
				if !n.enterMenu(navCtx) {
					return
				}
			}
			timer = n.armDeadline(timerC)

		case fire := <-timerC:
			terminal, rearm := n.onDeadline(navCtx, fire)
			if terminal {
				return
			}
			if rearm {
				timer = n.armDeadline(timerC)
			}
		}
	}
}

// onDeadline applies a timer fire. A fire carrying a superseded generation
// belongs to a deadline the loop already replaced (a digit arrived while it
// was in flight); it is discarded without counting a miss or re-arming.
func (n *Navigator) onDeadline(ctx context.Context, fire timerFire) (terminal, rearm bool) {
	if fire.gen != n.gen {
		return false, false
	}
	return n.handleTimeout(ctx), true
}

// armDeadline starts a fresh digit-collection deadline and returns the timer.
func (n *Navigator) armDeadline(timerC chan<- timerFire) *time.Timer {
	n.gen++
	gen := n.gen
	return time.AfterFunc(n.engine.cfg.DigitTimeout, func() {
		select {
		case timerC <- timerFire{gen: gen}:
		default:
		}
	})
}

// enterMenu plays the menu prompt and resets the per-entry state. Returns
// false when the call is already gone.
func (n *Navigator) enterMenu(ctx context.Context) bool {
	select {
	case <-n.done:
		return false
	default:
	}

	menu, err := n.engine.menus.GetMenu(ctx, n.current)
	promptRef := n.current + "_menu"
	if err != nil {
		// A menu deleted mid-call: keep the caller alive, the prompt
		// reference falls back to the conventional name.
		n.logger.Warn("menu lookup failed on entry", "menu_id", n.current, "error", err)
	} else if menu.PromptRef != "" {
		promptRef = menu.PromptRef
	}

	n.entry = ""
	n.retries = 0
	n.drainDigits()

	n.playAsync(ctx, promptRef)

	n.logger.Info("entered menu",
		"menu_id", n.current,
		"depth", len(n.stack),
	)
	return true
}

// handleDigit looks the digit up in the current menu and dispatches. The
// first return is true when a submenu descent needs a fresh menu entry; the
// second is true when navigation is over (hand-off or abort).
func (n *Navigator) handleDigit(ctx context.Context, digit string) (descended, terminal bool) {
	item, err := n.engine.menus.GetItem(ctx, n.current, digit)
	if err != nil {
		if isCallOver(ctx, n.done) {
			return false, true
		}
		n.logger.Debug("unbound digit", "menu_id", n.current, "digit", digit)
		return false, n.invalidInput(ctx, PromptInvalid)
	}

	dest, err := n.engine.resolver.Resolve(ctx, item.DestType, item.DestValue)
	if err != nil {
		if isCallOver(ctx, n.done) {
			// The call ended while the resolver was in flight; the
			// result is stale and must be discarded.
			return false, true
		}
		// Unreachable or dangling configuration is never fatal to the
		// call; it takes the invalid-input path.
		n.logger.Warn("destination resolution failed",
			"menu_id", n.current,
			"digit", digit,
			"dest_type", item.DestType,
			"dest_value", item.DestValue,
			"error", err,
		)
		return false, n.invalidInput(ctx, PromptInvalid)
	}

	switch dest.Kind {
	case route.KindDescend:
		n.stack = append(n.stack, n.current)
		n.current = dest.Target
		return true, false
	case route.KindBridge, route.KindEnqueue, route.KindVoicemail:
		return false, n.bridgeOut(ctx, dest)
	default:
		n.logger.Error("unhandled destination kind", "kind", dest.Kind.String())
		return false, n.invalidInput(ctx, PromptInvalid)
	}
}

// handleTimeout processes an expired digit deadline. Returns true when
// navigation is over.
func (n *Navigator) handleTimeout(ctx context.Context) (terminal bool) {
	n.logger.Debug("digit deadline elapsed", "menu_id", n.current, "retries", n.retries)
	return n.invalidInput(ctx, PromptTimeout)
}

// invalidInput is the shared INVALID / TIMED_OUT path: count the miss, fall
// back once retries are exhausted, otherwise play the failure prompt and
// return to digit collection. Returns true when navigation is over.
func (n *Navigator) invalidInput(ctx context.Context, prompt string) (terminal bool) {
	n.retries++
	if n.retries > n.engine.cfg.MaxRetries {
		return n.fallback(ctx)
	}

	n.playAsync(ctx, prompt)
	if prompt == PromptTimeout {
		// Timeouts re-prompt the menu; invalid input only plays the
		// error and waits again.
		n.replayMenuPrompt(ctx)
	}
	n.entry = ""
	return false
}

// fallback routes the caller to the configured operator destination after
// retries are exhausted. The transfer prompt plays first; if even the
// fallback is unreachable the call is ended, never errored to the caller.
func (n *Navigator) fallback(ctx context.Context) (terminal bool) {
	n.engine.countFallback()
	n.logger.Info("retries exhausted, falling back to operator",
		"menu_id", n.current,
		"retries", n.retries,
	)

	if err := n.engine.player.Play(ctx, n.callID, PromptTransfer); err != nil {
		if errors.Is(err, ErrCallEnded) || isCallOver(ctx, n.done) {
			return true
		}
		n.logger.Warn("transfer prompt failed", "error", err)
	}

	dest, err := n.engine.resolver.Resolve(ctx, "operator", "")
	if err != nil {
		if isCallOver(ctx, n.done) {
			return true
		}
		n.logger.Error("fallback destination unreachable", "error", err)
		n.engine.handoff.Abort(n.callID, "fallback_failed")
		return true
	}

	return n.bridgeOut(ctx, dest)
}

// bridgeOut hands the call to the fabric and discards the IVR context.
// Always terminal: on success the caller has left the attendant, on failure
// the call is aborted.
func (n *Navigator) bridgeOut(ctx context.Context, dest route.Destination) (terminal bool) {
	err := n.engine.handoff.Bridge(ctx, n.callID, dest, n.Path())
	if err != nil {
		if isCallOver(ctx, n.done) {
			return true
		}
		n.logger.Error("hand-off failed",
			"kind", dest.Kind.String(),
			"target", dest.Target,
			"error", err,
		)
		n.engine.handoff.Abort(n.callID, "bridge_failed")
		return true
	}

	n.logger.Info("caller handed off",
		"kind", dest.Kind.String(),
		"target", dest.Target,
		"menu_depth", len(n.stack),
	)
	return true
}

// replayMenuPrompt plays the current menu's prompt again after a timeout.
func (n *Navigator) replayMenuPrompt(ctx context.Context) {
	menu, err := n.engine.menus.GetMenu(ctx, n.current)
	promptRef := n.current + "_menu"
	if err == nil && menu.PromptRef != "" {
		promptRef = menu.PromptRef
	}
	n.playAsync(ctx, promptRef)
}

// playAsync requests prompt playback without blocking digit collection.
// Digits pressed during playback barge in via the buffered digit channel.
func (n *Navigator) playAsync(ctx context.Context, promptRef string) {
	go func() {
		if err := n.engine.player.Play(ctx, n.callID, promptRef); err != nil {
			if errors.Is(err, ErrCallEnded) || errors.Is(err, context.Canceled) {
				return
			}
			n.logger.Warn("prompt playback failed", "prompt", promptRef, "error", err)
		}
	}()
}

// drainDigits discards digits buffered before a menu entry.
func (n *Navigator) drainDigits() {
	for {
		select {
		case <-n.digits:
		default:
			return
		}
	}
}

// isCallOver reports whether the call ended while a collaborator call was in
// flight.
func isCallOver(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
	}
	return ctx.Err() != nil
}
