// Package middleware carries the HTTP middleware stack: request logging,
// panic recovery, CORS, per-IP rate limiting, and bearer-token auth.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope mirrors the api package's response wrapper so errors emitted from
// middleware are indistinguishable on the wire from handler errors.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode middleware error response", "error", err)
	}
}
