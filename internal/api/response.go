package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wirepbx/wirepbx/internal/pbxerr"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// writeDomainError maps the error taxonomy onto HTTP statuses and writes the
// response. Unknown errors become 500 without leaking internals.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pbxerr.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pbxerr.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pbxerr.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pbxerr.ErrInvalidOffer):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pbxerr.ErrResourceExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, pbxerr.ErrUnreachable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
