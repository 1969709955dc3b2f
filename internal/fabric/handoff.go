package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/ivr"
	"github.com/wirepbx/wirepbx/internal/route"
)

// AttendantHandoff receives callers leaving the auto-attendant and drives the
// fabric to their resolved destination, recording the outcome as a CDR.
type AttendantHandoff struct {
	fabric Fabric
	cdrs   database.CDRRepository
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string]*attendantCall
}

// attendantCall tracks an inbound fabric-owned call for CDR purposes.
type attendantCall struct {
	caller      string
	initiatedAt time.Time
	connectedAt *time.Time
	target      string
	menuPath    []string
}

// NewAttendantHandoff creates the hand-off glue between the attendant and
// the fabric.
func NewAttendantHandoff(f Fabric, cdrs database.CDRRepository, logger *slog.Logger) *AttendantHandoff {
	return &AttendantHandoff{
		fabric: f,
		cdrs:   cdrs,
		logger: logger.With("subsystem", "handoff"),
		calls:  make(map[string]*attendantCall),
	}
}

// Track registers an inbound call before it enters the attendant.
func (h *AttendantHandoff) Track(callID, caller string) {
	h.mu.Lock()
	h.calls[callID] = &attendantCall{caller: caller, initiatedAt: time.Now()}
	h.mu.Unlock()
}

// MarkAnswered records that the hand-off target picked up. The CDR is still
// written at hangup.
func (h *AttendantHandoff) MarkAnswered(callID string) {
	h.mu.Lock()
	if ac, ok := h.calls[callID]; ok && ac.connectedAt == nil {
		now := time.Now()
		ac.connectedAt = &now
	}
	h.mu.Unlock()
}

// Bridge routes a matched caller to a terminal destination.
func (h *AttendantHandoff) Bridge(ctx context.Context, callID string, dest route.Destination, menuPath []string) error {
	h.mu.Lock()
	if ac, ok := h.calls[callID]; ok {
		ac.target = dest.Target
		ac.menuPath = menuPath
	}
	h.mu.Unlock()

	switch dest.Kind {
	case route.KindBridge:
		return h.fabric.Bridge(ctx, Call{ID: callID, TargetExt: dest.Target})
	case route.KindEnqueue:
		return h.fabric.Enqueue(ctx, callID, dest.Target)
	case route.KindVoicemail:
		return h.fabric.Voicemail(ctx, callID, dest.Target)
	default:
		return fmt.Errorf("destination kind %q cannot be handed off", dest.Kind.String())
	}
}

// Abort ends a call whose destination could not be reached and records the
// failure.
func (h *AttendantHandoff) Abort(callID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.fabric.Teardown(ctx, callID); err != nil {
		h.logger.Error("teardown on abort failed", "call_id", callID, "error", err)
	}
	h.Finish(callID, reason)
}

// Finish writes the CDR for a tracked call when it reaches a terminal
// outcome. Untracked calls are ignored; duplicate delivery is absorbed.
func (h *AttendantHandoff) Finish(callID, disposition string) {
	h.mu.Lock()
	ac, ok := h.calls[callID]
	if ok {
		delete(h.calls, callID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if ac.connectedAt != nil && disposition == "abandoned" {
		disposition = "answered"
	}

	now := time.Now()
	cdr := &models.CDR{
		CallID:      callID,
		SourceExt:   ac.caller,
		TargetExt:   ac.target,
		InitiatedAt: ac.initiatedAt,
		ConnectedAt: ac.connectedAt,
		EndedAt:     &now,
		Disposition: disposition,
		MenuPath:    encodeMenuPath(ac.menuPath),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.cdrs.Create(ctx, cdr); err != nil {
		h.logger.Error("failed to write cdr", "call_id", callID, "error", err)
	}
}

// encodeMenuPath renders the visited menu ids as a JSON array.
func encodeMenuPath(path []string) string {
	if len(path) == 0 {
		return "[]"
	}
	b, err := json.Marshal(path)
	if err != nil {
		return "[]"
	}
	return string(b)
}

var _ ivr.Handoff = (*AttendantHandoff)(nil)
