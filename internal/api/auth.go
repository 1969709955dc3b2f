package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/wirepbx/wirepbx/internal/api/middleware"
	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
)

// credentialsRequest is shared by setup and login.
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleSetup creates the first administrator account. Refused once any
// admin exists.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "username and a password of at least 8 characters are required")
		return
	}

	count, err := s.admins.Count(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if count > 0 {
		writeError(w, http.StatusForbidden, "setup already completed")
		return
	}

	hash, err := database.HashPassword(req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	user := &models.AdminUser{Username: req.Username, PasswordHash: hash}
	if err := s.admins.Create(r.Context(), user); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("initial admin created", "username", req.Username)
	writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

// handleLogin verifies admin credentials and issues a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.admins.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, pbxerr.ErrNotFound) {
			// Same response as a bad password; no account enumeration.
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeDomainError(w, err)
		return
	}

	ok, err := database.CheckPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken(s.jwtSecret, user.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("admin login", "username", user.Username)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
}
