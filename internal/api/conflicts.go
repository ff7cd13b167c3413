package api

import (
	"net/http"

	"github.com/nerrad567/gray-logic-sync/internal/audit"
	"github.com/nerrad567/gray-logic-sync/internal/conflict"
)

// handleListConflicts returns conflicts, newest first.
//
// Query parameters:
//   - status: pending, auto_resolved, manually_resolved or ignored
//   - integration_id, device_id: narrow by owner
//   - limit, offset: pagination
func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := parsePage(r)
	items, total, err := s.conflicts.Repository().List(r.Context(), conflict.Filter{
		OrganizationID: orgID(r),
		IntegrationID:  q.Get("integration_id"),
		DeviceID:       q.Get("device_id"),
		Status:         conflict.Status(q.Get("status")),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		s.writeDomainError(w, err, "list conflicts")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// handleGetConflict returns one conflict.
func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.conflicts.Repository().Get(r.Context(), pathID(r))
	if err != nil {
		s.writeDomainError(w, err, "get conflict")
		return
	}
	if c.OrganizationID != orgID(r) {
		writeNotFound(w, "conflict not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleResolveConflict applies a manual decision to a pending conflict.
// resolved_by defaults to the token subject.
func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var res conflict.Resolution
	if !s.decodeJSON(w, r, &res) {
		return
	}
	if res.ResolvedBy == "" {
		res.ResolvedBy = userID(r)
	}

	c, err := s.conflicts.Resolve(r.Context(), orgID(r), pathID(r), res)
	if err != nil {
		s.writeDomainError(w, err, "resolve conflict")
		return
	}
	s.auditLog(r, audit.ActionResolve, entityConflict, c.ID, map[string]any{
		"action":     string(res.Action),
		"device_id":  c.DeviceID,
		"field_name": c.FieldName,
	})
	writeJSON(w, http.StatusOK, c)
}
