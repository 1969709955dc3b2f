// Package fabric abstracts the call fabric: the component that actually
// establishes, tears down, and signals media paths between parties. The
// signaling bridge and the IVR engine drive it through the Fabric interface;
// the fabric reports asynchronous call events back through Events.
package fabric

import "context"

// Call describes a leg the fabric should establish.
type Call struct {
	ID        string
	SourceExt string
	TargetExt string
	// SDPOffer is the originating endpoint's session description, when the
	// call was placed from a browser session. Empty for attendant hand-offs,
	// where the fabric already holds the caller leg.
	SDPOffer string
}

// Fabric is the call fabric contract. All methods are safe for concurrent
// use. Teardown is idempotent: tearing down an unknown or already-ended call
// is not an error.
type Fabric interface {
	// Bridge establishes a media path for the call. It returns once the
	// attempt is underway; the outcome arrives via Events.
	Bridge(ctx context.Context, call Call) error

	// Enqueue parks an attendant caller in a hunt queue.
	Enqueue(ctx context.Context, callID, queueID string) error

	// Voicemail diverts an attendant caller to a mailbox.
	Voicemail(ctx context.Context, callID, mailbox string) error

	// Teardown releases the media path for a call.
	Teardown(ctx context.Context, callID string) error

	// SendDTMF injects a DTMF digit with the given press duration into the
	// remote leg of a connected call. A non-positive duration takes the
	// fabric's default.
	SendDTMF(ctx context.Context, callID, digit string, durationMs int) error

	// RelayCandidate forwards an ICE candidate toward the remote leg.
	// Best-effort: the fabric may drop candidates for calls it no longer
	// tracks.
	RelayCandidate(ctx context.Context, callID, candidate string) error
}

// Events receives asynchronous call notifications from the fabric.
// Implementations must not block; the fabric invokes these from its transport
// goroutines.
type Events interface {
	// RemoteAnswered fires when the far end of a bridged call picks up.
	RemoteAnswered(callID string)

	// RemoteHungup fires when the far end ends an established call.
	RemoteHungup(callID, reason string)

	// CallFailed fires when a bridge attempt ends without an answer.
	CallFailed(callID, reason string)

	// InboundCall fires when a new call arrives from the fabric itself
	// (a trunk or desk phone dialing in), before any session is involved.
	InboundCall(callID, caller string)

	// InboundDigit fires for each DTMF digit collected from a fabric-owned
	// call, feeding the auto-attendant.
	InboundDigit(callID, digit string)
}

// NopEvents discards all fabric events. Useful as a default before the real
// consumers are wired up.
type NopEvents struct{}

func (NopEvents) RemoteAnswered(string)       {}
func (NopEvents) RemoteHungup(string, string) {}
func (NopEvents) CallFailed(string, string)   {}
func (NopEvents) InboundCall(string, string)  {}
func (NopEvents) InboundDigit(string, string) {}

var _ Events = NopEvents{}
