package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-sync/internal/audit"
	"github.com/nerrad567/gray-logic-sync/internal/notify"
)

// preferenceRequest is the body of PUT /notification-preferences. A route
// is identified by event type, channel and target; putting it again
// replaces it.
type preferenceRequest struct {
	EventType notify.EventType `json:"event_type" validate:"required"`
	Channel   notify.Channel   `json:"channel" validate:"required"`
	Target    string           `json:"target" validate:"required,max=500"`
	Secret    string           `json:"secret" validate:"max=500"`
	Enabled   *bool            `json:"enabled"`
}

// notifierReady writes a 500 when notifications are not wired.
func (s *Server) notifierReady(w http.ResponseWriter) bool {
	if s.notifier == nil {
		writeInternalError(w, "notifications not configured")
		return false
	}
	return true
}

// handleListPreferences returns the notification routes of the caller's organization.
func (s *Server) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	if !s.notifierReady(w) {
		return
	}
	items, err := s.notifier.Preferences(r.Context(), orgID(r))
	if err != nil {
		s.writeDomainError(w, err, "list notification preferences")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: len(items)})
}

// handlePutPreference creates or replaces a notification route.
func (s *Server) handlePutPreference(w http.ResponseWriter, r *http.Request) {
	if !s.notifierReady(w) {
		return
	}
	var req preferenceRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	p := &notify.Preference{
		OrganizationID: orgID(r),
		EventType:      req.EventType,
		Channel:        req.Channel,
		Target:         req.Target,
		Secret:         req.Secret,
		Enabled:        true,
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if err := s.notifier.PutPreference(r.Context(), p); err != nil {
		s.writeDomainError(w, err, "store notification preference")
		return
	}
	s.auditLog(r, audit.ActionUpdate, entityPreference, p.ID, map[string]any{
		"event_type": string(p.EventType),
		"channel":    string(p.Channel),
		"enabled":    p.Enabled,
	})
	writeJSON(w, http.StatusOK, p)
}

// handleDeletePreference removes a notification route.
func (s *Server) handleDeletePreference(w http.ResponseWriter, r *http.Request) {
	if !s.notifierReady(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.notifier.DeletePreference(r.Context(), orgID(r), id); err != nil {
		s.writeDomainError(w, err, "delete notification preference")
		return
	}
	s.auditLog(r, audit.ActionDelete, entityPreference, id, nil)
	w.WriteHeader(http.StatusNoContent)
}
