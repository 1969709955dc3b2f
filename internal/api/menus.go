package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wirepbx/wirepbx/internal/database/models"
)

// menuRequest is the wire shape for creating a menu.
type menuRequest struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	ParentID  *string `json:"parent_id,omitempty"`
	PromptRef string  `json:"prompt_ref,omitempty"`
}

// itemRequest is the wire shape for creating or updating a digit binding.
type itemRequest struct {
	Digit       string `json:"digit"`
	DestType    string `json:"dest_type"`
	DestValue   string `json:"dest_value"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleListMenus(w http.ResponseWriter, r *http.Request) {
	menus, err := s.menus.ListMenus(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, menus)
}

func (s *Server) handleCreateMenu(w http.ResponseWriter, r *http.Request) {
	var req menuRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}

	m := &models.Menu{
		ID:        req.ID,
		Name:      req.Name,
		ParentID:  req.ParentID,
		PromptRef: req.PromptRef,
	}
	if err := s.menus.CreateMenu(r.Context(), m); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMenu(w http.ResponseWriter, r *http.Request) {
	m, err := s.menus.GetMenu(r.Context(), chi.URLParam(r, "menuID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRenameMenu(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	menuID := chi.URLParam(r, "menuID")
	if err := s.menus.RenameMenu(r.Context(), menuID, req.Name); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": menuID, "name": req.Name})
}

func (s *Server) handleDeleteMenu(w http.ResponseWriter, r *http.Request) {
	if err := s.menus.DeleteMenu(r.Context(), chi.URLParam(r, "menuID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleListItems returns the menu's bindings in presentation order:
// digits 0-9 ascending, then *, then #.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.menus.ListItems(r.Context(), chi.URLParam(r, "menuID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item := &models.MenuItem{
		MenuID:      chi.URLParam(r, "menuID"),
		Digit:       req.Digit,
		DestType:    req.DestType,
		DestValue:   req.DestValue,
		Description: req.Description,
	}
	if err := s.menus.AddItem(r.Context(), item); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item := &models.MenuItem{
		MenuID:      chi.URLParam(r, "menuID"),
		Digit:       chi.URLParam(r, "digit"),
		DestType:    req.DestType,
		DestValue:   req.DestValue,
		Description: req.Description,
	}
	if err := s.menus.UpdateItem(r.Context(), item); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	menuID := chi.URLParam(r, "menuID")
	digit := chi.URLParam(r, "digit")
	if err := s.menus.RemoveItem(r.Context(), menuID, digit); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
