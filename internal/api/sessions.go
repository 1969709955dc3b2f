package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wirepbx/wirepbx/internal/registry"
)

// sessionResponse is the wire shape of a session.
type sessionResponse struct {
	SessionID  string        `json:"session_id"`
	Extension  string        `json:"extension"`
	State      string        `json:"state"`
	ICEServers []string      `json:"ice_servers"`
	CreatedAt  time.Time     `json:"created_at"`
	Call       *callResponse `json:"call,omitempty"`
}

// callResponse is the wire shape of a call.
type callResponse struct {
	CallID      string     `json:"call_id"`
	SourceExt   string     `json:"source_ext"`
	TargetExt   string     `json:"target_ext"`
	Status      string     `json:"status"`
	InitiatedAt time.Time  `json:"initiated_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func toSessionResponse(s *registry.Session) sessionResponse {
	resp := sessionResponse{
		SessionID:  s.ID,
		Extension:  s.Extension,
		State:      string(s.State),
		ICEServers: s.ICEServers,
		CreatedAt:  s.CreatedAt,
	}
	if s.Call != nil {
		resp.Call = &callResponse{
			CallID:      s.Call.ID,
			SourceExt:   s.Call.SourceExt,
			TargetExt:   s.Call.TargetExt,
			Status:      string(s.Call.Status),
			InitiatedAt: s.Call.InitiatedAt,
			ConnectedAt: s.Call.ConnectedAt,
			EndedAt:     s.Call.EndedAt,
		}
	}
	return resp
}

// handleCreateSession allocates a signaling session for a browser endpoint.
// The extension identifier is free-form; virtual identifiers are accepted.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Extension string `json:"extension"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Extension == "" {
		writeError(w, http.StatusBadRequest, "extension is required")
		return
	}

	sess, err := s.bridge.CreateSession(r.Context(), req.Extension)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// handleGetSession returns the current session state.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleSubmitOffer stores the endpoint's SDP offer.
func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SDP string `json:"sdp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SDP == "" {
		writeError(w, http.StatusBadRequest, "sdp is required")
		return
	}

	if err := s.bridge.SubmitOffer(r.Context(), chi.URLParam(r, "sessionID"), req.SDP); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

// handlePlaceCall rings the target extension.
func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetExtension string `json:"target_extension"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetExtension == "" {
		writeError(w, http.StatusBadRequest, "target_extension is required")
		return
	}

	callID, err := s.bridge.PlaceCall(r.Context(), chi.URLParam(r, "sessionID"), req.TargetExtension)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID})
}

// handleICECandidate relays one ICE candidate toward the remote leg.
func (s *Server) handleICECandidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidate string `json:"candidate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Candidate == "" {
		writeError(w, http.StatusBadRequest, "candidate is required")
		return
	}

	if err := s.bridge.ICECandidate(r.Context(), chi.URLParam(r, "sessionID"), req.Candidate); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleDTMF relays a digit into the connected call.
func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Digit      string `json:"digit"`
		DurationMs int    `json:"duration_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Digit) != 1 {
		writeError(w, http.StatusBadRequest, "digit must be a single character")
		return
	}

	if err := s.bridge.DTMF(r.Context(), chi.URLParam(r, "sessionID"), req.Digit, req.DurationMs); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleHangup terminates the session. Idempotent.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Hangup(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleActiveCalls lists live sessions for observability.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}
