// Package route translates menu-item destinations into concrete actions
// against the call fabric, the queue system, voicemail, or the IVR itself.
package route

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
)

// Kind discriminates the closed set of resolved actions. Adding a new
// destination type is a compile-time-checked change: every switch over Kind
// has a default that rejects unknown values.
type Kind int

const (
	// KindBridge bridges the caller to a fabric target (extension/operator).
	KindBridge Kind = iota
	// KindEnqueue parks the caller in a hunt queue.
	KindEnqueue
	// KindVoicemail routes the caller to a mailbox.
	KindVoicemail
	// KindDescend re-enters the IVR at a submenu.
	KindDescend
)

func (k Kind) String() string {
	switch k {
	case KindBridge:
		return "bridge"
	case KindEnqueue:
		return "enqueue"
	case KindVoicemail:
		return "voicemail"
	case KindDescend:
		return "descend"
	default:
		return "unknown"
	}
}

// Destination is the resolved action for a menu selection.
type Destination struct {
	Kind Kind

	// Target holds the fabric extension for KindBridge, the queue id for
	// KindEnqueue, the mailbox number for KindVoicemail, and the menu id
	// for KindDescend.
	Target string
}

// Resolver maps a (destination type, destination value) pair to a live
// Destination, reporting reachability.
type Resolver interface {
	Resolve(ctx context.Context, destType, destValue string) (Destination, error)
}

// DBResolver resolves destinations against the persistence repositories.
type DBResolver struct {
	extensions database.ExtensionRepository
	queues     database.QueueRepository
	menus      database.MenuRepository
	// operatorExt is the extension dialed for operator destinations.
	operatorExt string
	logger      *slog.Logger
}

// NewDBResolver creates a repository-backed resolver.
func NewDBResolver(
	extensions database.ExtensionRepository,
	queues database.QueueRepository,
	menus database.MenuRepository,
	operatorExt string,
	logger *slog.Logger,
) *DBResolver {
	return &DBResolver{
		extensions:  extensions,
		queues:      queues,
		menus:       menus,
		operatorExt: operatorExt,
		logger:      logger.With("subsystem", "resolver"),
	}
}

// Resolve translates a destination type/value pair. Failures are reported as
// pbxerr.ErrUnreachable or pbxerr.ErrNotFound; callers in the IVR path treat
// both as non-fatal.
func (r *DBResolver) Resolve(ctx context.Context, destType, destValue string) (Destination, error) {
	switch destType {
	case models.DestExtension:
		return r.resolveExtension(ctx, destValue)

	case models.DestOperator:
		// Operator is the configured attendant extension; the bound value
		// is ignored.
		return r.resolveExtension(ctx, r.operatorExt)

	case models.DestQueue:
		if _, err := r.queues.GetByQueueID(ctx, destValue); err != nil {
			return Destination{}, fmt.Errorf("queue %q: %w", destValue, pbxerr.ErrUnreachable)
		}
		return Destination{Kind: KindEnqueue, Target: destValue}, nil

	case models.DestVoicemail:
		// Mailbox existence is the voicemail collaborator's concern at
		// invocation time; here only the syntactic shape is checked.
		if !isExtensionNumber(destValue) {
			return Destination{}, fmt.Errorf("mailbox %q is not an extension number: %w", destValue, pbxerr.ErrUnreachable)
		}
		return Destination{Kind: KindVoicemail, Target: destValue}, nil

	case models.DestSubmenu:
		if _, err := r.menus.GetMenu(ctx, destValue); err != nil {
			// The pointing item may outlive its target menu; report
			// NotFound and let the IVR fall back to the invalid path.
			return Destination{}, fmt.Errorf("submenu %q: %w", destValue, pbxerr.ErrNotFound)
		}
		return Destination{Kind: KindDescend, Target: destValue}, nil

	default:
		return Destination{}, fmt.Errorf("unknown destination type %q: %w", destType, pbxerr.ErrNotFound)
	}
}

// resolveExtension checks that the extension exists and is currently able to
// accept calls (enabled, not in do-not-disturb).
func (r *DBResolver) resolveExtension(ctx context.Context, ext string) (Destination, error) {
	e, err := r.extensions.GetByExtension(ctx, ext)
	if err != nil {
		return Destination{}, fmt.Errorf("extension %q: %w", ext, pbxerr.ErrUnreachable)
	}
	if !e.Enabled || e.DND {
		return Destination{}, fmt.Errorf("extension %q not accepting calls: %w", ext, pbxerr.ErrUnreachable)
	}
	return Destination{Kind: KindBridge, Target: e.Extension}, nil
}

// isExtensionNumber reports whether s looks like a dialable extension
// number: non-empty, digits only.
func isExtensionNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

var _ Resolver = (*DBResolver)(nil)
