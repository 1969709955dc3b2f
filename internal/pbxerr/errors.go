// Package pbxerr defines the error taxonomy shared by the signaling bridge,
// the session registry, and the IVR engine. Callers classify failures with
// errors.Is against these sentinels; wrapped context is added at each layer
// with fmt.Errorf("...: %w", err).
package pbxerr

import "errors"

var (
	// ErrNotFound indicates an unknown session, call, menu, or extension.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness violation, e.g. attaching a call
	// to a session that already has one.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState indicates an operation that is not legal in the
	// entity's current lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidOffer indicates a malformed SDP negotiation payload.
	ErrInvalidOffer = errors.New("invalid offer")

	// ErrResourceExhausted indicates a session or call capacity limit.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrUnreachable indicates a destination that exists in configuration
	// but cannot currently be reached.
	ErrUnreachable = errors.New("destination unreachable")

	// ErrFatal indicates an unexpected internal fault. The owning session
	// or call is forced to a terminal state when this is raised.
	ErrFatal = errors.New("internal fault")
)
