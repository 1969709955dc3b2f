package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/wirepbx/wirepbx/internal/ivr"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
)

// inviteTimeout bounds how long a bridged leg may ring before the attempt is
// abandoned.
const inviteTimeout = 60 * time.Second

// SIPFabric drives calls over a sipgo SIP stack. Outbound legs (bridges,
// queue and voicemail diversions) are dialed as a B2BUA; inbound INVITEs are
// answered and handed to the events consumer for attendant treatment.
type SIPFabric struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	listenAddr string
	host       string
	port       int

	events Events
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	dialogs map[string]*dialogState
}

// dialogState tracks one leg the fabric established or accepted.
type dialogState struct {
	callID string

	// Outbound leg, populated once the far end answers.
	inviteReq *sip.Request
	inviteRes *sip.Response
	inviteTx  sip.ClientTransaction

	// Inbound leg.
	serverReq *sip.Request

	cancelRing context.CancelFunc
	tornDown   sync.Once
}

// NewSIPFabric creates the SIP fabric adapter listening on listenAddr.
func NewSIPFabric(listenAddr string, events Events, logger *slog.Logger) (*SIPFabric, error) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing sip listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing sip listen port %q: %w", portStr, err)
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("WirePBX"),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	f := &SIPFabric{
		ua:         ua,
		srv:        srv,
		client:     client,
		listenAddr: listenAddr,
		host:       host,
		port:       port,
		events:     events,
		logger:     logger.With("subsystem", "fabric"),
		dialogs:    make(map[string]*dialogState),
	}

	srv.OnInvite(f.handleInvite)
	srv.OnBye(f.handleBye)
	srv.OnInfo(f.handleInfo)
	srv.OnAck(f.handleACK)
	srv.OnOptions(f.handleOptions)

	return f, nil
}

// SetEvents replaces the events consumer. Call before Start.
func (f *SIPFabric) SetEvents(events Events) {
	f.events = events
}

// Start begins listening on UDP and TCP. It returns once the listeners are
// launched; they run until Stop.
func (f *SIPFabric) Start(ctx context.Context) error {
	ctx, f.cancel = context.WithCancel(ctx)

	for _, transport := range []string{"udp", "tcp"} {
		transport := transport
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.logger.Info("sip listener starting", "transport", transport, "addr", f.listenAddr)
			if err := f.srv.ListenAndServe(ctx, transport, f.listenAddr); err != nil {
				f.logger.Error("sip listener stopped", "transport", transport, "error", err)
			}
		}()
	}
	return nil
}

// Stop shuts down the SIP stack and waits for the listeners.
func (f *SIPFabric) Stop() {
	f.logger.Info("stopping sip fabric")
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	f.srv.Close()
	f.ua.Close()
	f.logger.Info("sip fabric stopped")
}

// Bridge dials the target extension. The INVITE runs on its own goroutine;
// answer, failure, and hangup surface through Events.
func (f *SIPFabric) Bridge(ctx context.Context, call Call) error {
	return f.dial(ctx, call.ID, call.TargetExt, call.SDPOffer)
}

// Enqueue diverts a call to the queue service address for the given queue.
func (f *SIPFabric) Enqueue(ctx context.Context, callID, queueID string) error {
	return f.dial(ctx, callID, "queue-"+queueID, "")
}

// Voicemail diverts a call to the voicemail service address for the mailbox.
func (f *SIPFabric) Voicemail(ctx context.Context, callID, mailbox string) error {
	return f.dial(ctx, callID, "vm-"+mailbox, "")
}

// dial sends an INVITE for callID to user@host and watches the transaction.
func (f *SIPFabric) dial(ctx context.Context, callID, user, sdpOffer string) error {
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", user, f.host, f.port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	body := []byte(sdpOffer)
	if len(body) == 0 {
		body = f.answerSDP()
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	// Preserve our call id end to end for event correlation.
	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	ringCtx, cancelRing := context.WithTimeout(context.WithoutCancel(ctx), inviteTimeout)

	tx, err := f.client.TransactionRequest(ringCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		cancelRing()
		return fmt.Errorf("sending invite for call %q: %w", callID, err)
	}

	ds := &dialogState{
		callID:     callID,
		inviteReq:  req,
		inviteTx:   tx,
		cancelRing: cancelRing,
	}
	f.mu.Lock()
	f.dialogs[callID] = ds
	f.mu.Unlock()

	f.logger.Info("dialing", "call_id", callID, "recipient", recipientStr)

	f.wg.Add(1)
	go f.watchInvite(ringCtx, ds)
	return nil
}

// watchInvite consumes responses to an outbound INVITE until a final answer.
func (f *SIPFabric) watchInvite(ctx context.Context, ds *dialogState) {
	defer f.wg.Done()

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			ds.inviteTx.Terminate()
			f.dropDialog(ds.callID)
			f.events.CallFailed(ds.callID, "ring_timeout")
			return
		case <-ds.inviteTx.Done():
			f.dropDialog(ds.callID)
			if err := ds.inviteTx.Err(); err != nil && ctx.Err() == nil {
				f.events.CallFailed(ds.callID, "transport_failure")
			}
			return
		case res = <-ds.inviteTx.Responses():
		}

		switch {
		case res.StatusCode < 200:
			// 100/180/183 provisional; the caller leg is already in
			// ringing, nothing to relay.
			continue

		case res.StatusCode < 300:
			ack := sip.NewAckRequest(ds.inviteReq, res, nil)
			if err := f.client.WriteRequest(ack); err != nil {
				f.logger.Error("failed to ack answer", "call_id", ds.callID, "error", err)
				ds.inviteTx.Terminate()
				f.dropDialog(ds.callID)
				f.events.CallFailed(ds.callID, "ack_failure")
				return
			}

			f.mu.Lock()
			ds.inviteRes = res
			f.mu.Unlock()

			f.logger.Info("call answered", "call_id", ds.callID, "status", res.StatusCode)
			f.events.RemoteAnswered(ds.callID)
			return

		default:
			ds.inviteTx.Terminate()
			f.dropDialog(ds.callID)
			f.logger.Info("call not answered",
				"call_id", ds.callID,
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			f.events.CallFailed(ds.callID, strings.ToLower(strings.ReplaceAll(res.Reason, " ", "_")))
			return
		}
	}
}

// Teardown releases the leg for callID. Idempotent: unknown calls and repeat
// teardowns are no-ops.
func (f *SIPFabric) Teardown(ctx context.Context, callID string) error {
	f.mu.Lock()
	ds, ok := f.dialogs[callID]
	if ok {
		delete(f.dialogs, callID)
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}

	var err error
	ds.tornDown.Do(func() {
		if ds.cancelRing != nil {
			ds.cancelRing()
		}
		switch {
		case ds.inviteRes != nil:
			err = f.sendBye(ctx, ds)
		case ds.inviteTx != nil:
			// Still ringing; terminating the transaction cancels it.
			ds.inviteTx.Terminate()
		case ds.serverReq != nil:
			err = f.sendByeInbound(ctx, ds)
		}
	})
	if err != nil {
		return fmt.Errorf("tearing down call %q: %w", callID, err)
	}
	f.logger.Debug("call torn down", "call_id", callID)
	return nil
}

// sendBye ends an answered outbound leg.
func (f *SIPFabric) sendBye(ctx context.Context, ds *dialogState) error {
	bye := sip.NewByeRequest(ds.inviteReq, ds.inviteRes, nil)
	tx, err := f.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tx.Done():
		return tx.Err()
	case <-tx.Responses():
		return nil
	}
}

// sendByeInbound ends an accepted inbound leg by dialing BYE back to the
// caller's contact.
func (f *SIPFabric) sendByeInbound(ctx context.Context, ds *dialogState) error {
	contact := ds.serverReq.Contact()
	if contact == nil {
		return fmt.Errorf("inbound dialog has no contact")
	}

	bye := sip.NewRequest(sip.BYE, contact.Address)
	bye.AppendHeader(sip.NewHeader("Call-ID", ds.callID))

	tx, err := f.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("sending bye to caller: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tx.Done():
		return tx.Err()
	case <-tx.Responses():
		return nil
	}
}

// defaultDTMFDurationMs is the press duration used when the caller does not
// supply one.
const defaultDTMFDurationMs = 160

// SendDTMF injects a digit into the remote leg via SIP INFO dtmf-relay.
func (f *SIPFabric) SendDTMF(ctx context.Context, callID, digit string, durationMs int) error {
	return f.sendInfo(ctx, callID, "application/dtmf-relay", dtmfRelayBody(digit, durationMs))
}

// dtmfRelayBody formats a dtmf-relay INFO body, applying the default duration
// for non-positive values.
func dtmfRelayBody(digit string, durationMs int) []byte {
	if durationMs <= 0 {
		durationMs = defaultDTMFDurationMs
	}
	return []byte(fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", digit, durationMs))
}

// RelayCandidate forwards an ICE candidate via SIP INFO. Unknown calls are
// dropped silently: candidate relay is best-effort by contract.
func (f *SIPFabric) RelayCandidate(ctx context.Context, callID, candidate string) error {
	err := f.sendInfo(ctx, callID, "application/trickle-ice-sdpfrag", []byte(candidate))
	if err != nil && strings.Contains(err.Error(), "no dialog") {
		f.logger.Debug("dropping candidate for unknown call", "call_id", callID)
		return nil
	}
	return err
}

// Play requests prompt playback into a fabric-owned call. Satisfies the
// attendant's prompt player contract.
func (f *SIPFabric) Play(ctx context.Context, callID, promptRef string) error {
	err := f.sendInfo(ctx, callID, "application/x-wirepbx-prompt", []byte("play: "+promptRef))
	if err != nil && strings.Contains(err.Error(), "no dialog") {
		return ivr.ErrCallEnded
	}
	return err
}

// sendInfo sends a SIP INFO inside the dialog for callID.
func (f *SIPFabric) sendInfo(ctx context.Context, callID, contentType string, body []byte) error {
	f.mu.Lock()
	ds, ok := f.dialogs[callID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no dialog for call %q: %w", callID, pbxerr.ErrNotFound)
	}

	var recipient sip.Uri
	switch {
	case ds.inviteRes != nil && ds.inviteRes.Contact() != nil:
		recipient = ds.inviteRes.Contact().Address
	case ds.serverReq != nil && ds.serverReq.Contact() != nil:
		recipient = ds.serverReq.Contact().Address
	case ds.inviteReq != nil:
		recipient = ds.inviteReq.Recipient
	default:
		return fmt.Errorf("no route for call %q: %w", callID, pbxerr.ErrUnreachable)
	}

	req := sip.NewRequest(sip.INFO, recipient)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	tx, err := f.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("sending info: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tx.Done():
		return tx.Err()
	case <-tx.Responses():
		return nil
	}
}

// handleInvite accepts an inbound call and reports it for attendant
// treatment.
func (f *SIPFabric) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	caller := ""
	if from := req.From(); from != nil {
		caller = from.Address.User
	}

	f.logger.Info("inbound invite", "call_id", callID, "caller", caller, "source", req.Source())

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		f.logger.Error("failed to send ringing", "call_id", callID, "error", err)
		return
	}

	ok := sip.NewResponseFromRequest(req, 200, "OK", f.answerSDP())
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(ok); err != nil {
		f.logger.Error("failed to answer inbound call", "call_id", callID, "error", err)
		return
	}

	f.mu.Lock()
	f.dialogs[callID] = &dialogState{callID: callID, serverReq: req}
	f.mu.Unlock()

	f.events.InboundCall(callID, caller)
}

// handleBye ends the dialog and reports the remote hangup.
func (f *SIPFabric) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	f.dropDialog(callID)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		f.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	f.logger.Info("remote hangup", "call_id", callID)
	f.events.RemoteHungup(callID, "peer_hangup")
}

// handleInfo extracts DTMF digits from INFO requests and feeds them to the
// events consumer. Non-DTMF INFO is acknowledged and ignored.
func (f *SIPFabric) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		f.logger.Error("failed to respond to info", "call_id", callID, "error", err)
	}

	ct := req.ContentType()
	if ct == nil || !strings.Contains(ct.Value(), "dtmf") {
		return
	}

	digit, ok := parseDTMFSignal(req.Body())
	if !ok {
		f.logger.Debug("unparseable dtmf info", "call_id", callID)
		return
	}

	f.logger.Debug("dtmf received", "call_id", callID, "digit", digit)
	f.events.InboundDigit(callID, digit)
}

func (f *SIPFabric) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	if cid := req.CallID(); cid != nil {
		f.logger.Debug("ack received", "call_id", cid.Value())
	}
}

func (f *SIPFabric) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		f.logger.Error("failed to respond to options", "error", err)
	}
}

// dropDialog forgets a dialog without signaling.
func (f *SIPFabric) dropDialog(callID string) {
	f.mu.Lock()
	ds, ok := f.dialogs[callID]
	if ok {
		delete(f.dialogs, callID)
	}
	f.mu.Unlock()
	if ok && ds.cancelRing != nil {
		ds.cancelRing()
	}
}

// answerSDP builds a minimal audio answer for legs where no endpoint offer
// exists (attendant and service legs).
func (f *SIPFabric) answerSDP() []byte {
	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: f.host,
		},
		SessionName: "WirePBX",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: f.host},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: 4000},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "8", "101"},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "rtpmap", Value: "8 PCMA/8000"},
					{Key: "rtpmap", Value: "101 telephone-event/8000"},
					{Key: "sendrecv"},
				},
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		f.logger.Error("failed to marshal answer sdp", "error", err)
		return nil
	}
	return body
}

// parseDTMFSignal extracts the digit from a dtmf-relay INFO body
// ("Signal=5\r\nDuration=160").
func parseDTMFSignal(body []byte) (string, bool) {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Signal="); ok {
			v = strings.TrimSpace(v)
			if len(v) == 1 && strings.ContainsAny(v, "0123456789*#ABCD") {
				return v, true
			}
		}
	}
	return "", false
}

var _ Fabric = (*SIPFabric)(nil)
var _ ivr.PromptPlayer = (*SIPFabric)(nil)
