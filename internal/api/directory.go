package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/wirepbx/wirepbx/internal/database/models"
)

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	exts, err := s.extensions.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exts)
}

func (s *Server) handleCreateExtension(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Extension string `json:"extension"`
		Name      string `json:"name"`
		Email     string `json:"email,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Extension == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "extension and name are required")
		return
	}

	ext := &models.Extension{
		Extension: req.Extension,
		Name:      req.Name,
		Email:     req.Email,
		Enabled:   true,
	}
	if err := s.extensions.Create(r.Context(), ext); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ext)
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.queues.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (s *Server) handleListMailboxes(w http.ResponseWriter, r *http.Request) {
	boxes, err := s.mailboxes.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, boxes)
}

func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}

	cdrs, err := s.cdrs.ListRecent(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cdrs)
}
