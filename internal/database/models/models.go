package models

import "time"

// SystemConfig represents a key-value configuration entry.
type SystemConfig struct {
	ID        int64
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Extension represents a staff extension reachable through the exchange.
type Extension struct {
	ID        int64
	Extension string // dialable number, e.g. "2001"
	Name      string
	Email     string
	DND       bool // do-not-disturb: provisioned but not accepting calls
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Queue represents a hunt queue callers can be parked in.
type Queue struct {
	ID          int64
	QueueID     string // stable identifier referenced by menu items
	Name        string
	Strategy    string // "ring_all" | "round_robin" | "longest_idle"
	RingTimeout int    // seconds per agent attempt
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VoicemailBox represents a voicemail box configuration.
type VoicemailBox struct {
	ID            int64
	MailboxNumber string
	Name          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Menu represents a named IVR screen. "main" is the reserved root id.
type Menu struct {
	ID        string // unique within the exchange
	Name      string
	ParentID  *string // optional parent for editor navigation, nil for roots
	PromptRef string  // named prompt played on entry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Destination types a menu item may bind a digit to. The set is closed;
// route.Destination carries the matching tagged union.
const (
	DestExtension = "extension"
	DestSubmenu   = "submenu"
	DestQueue     = "queue"
	DestVoicemail = "voicemail"
	DestOperator  = "operator"
)

// MenuItem represents one digit binding within a menu. Digit domain is
// {0-9, *, #} and is unique per menu.
type MenuItem struct {
	MenuID      string
	Digit       string
	DestType    string // one of the Dest* constants
	DestValue   string // extension number, menu id, queue id, or mailbox id
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CDR represents a call detail record written when a call reaches a
// terminal status.
type CDR struct {
	ID          int64
	CallID      string
	SessionID   string // empty for calls not owned by a browser session
	SourceExt   string
	TargetExt   string
	InitiatedAt time.Time
	ConnectedAt *time.Time
	EndedAt     *time.Time
	Disposition string // "answered" | "failed" | "abandoned" | "fallback" | "fallback_failed"
	MenuPath    string // JSON array of menu ids visited in the IVR
}

// AdminUser represents an administration API user.
type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
