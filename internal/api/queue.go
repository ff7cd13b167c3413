package api

import (
	"net/http"

	"github.com/nerrad567/gray-logic-sync/internal/audit"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

// ownedEntry loads the {id} queue entry of the caller's organization.
func (s *Server) ownedEntry(w http.ResponseWriter, r *http.Request) (*syncqueue.Entry, bool) {
	e, err := s.queue.Repository().Get(r.Context(), pathID(r))
	if err != nil {
		s.writeDomainError(w, err, "get queue entry")
		return nil, false
	}
	if e.OrganizationID != orgID(r) {
		writeNotFound(w, "queue entry not found")
		return nil, false
	}
	return e, true
}

// handleListQueue returns queue entries, newest first.
//
// Query parameters:
//   - integration_id: filter by integration
//   - schedule_id: filter by originating schedule
//   - status: pending, running, done or failed
//   - limit, offset: pagination
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := parsePage(r)
	entries, total, err := s.queue.Repository().List(r.Context(), syncqueue.Filter{
		OrganizationID: orgID(r),
		IntegrationID:  q.Get("integration_id"),
		ScheduleID:     q.Get("schedule_id"),
		Status:         syncqueue.Status(q.Get("status")),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		s.writeDomainError(w, err, "list queue")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: entries, Total: total, Limit: limit, Offset: offset})
}

// handleGetQueueEntry returns one queue entry.
func (s *Server) handleGetQueueEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := s.ownedEntry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleRetryQueueEntry resets a failed entry to pending.
func (s *Server) handleRetryQueueEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := s.ownedEntry(w, r)
	if !ok {
		return
	}
	updated, err := s.queue.Retry(r.Context(), e.ID)
	if err != nil {
		s.writeDomainError(w, err, "retry queue entry")
		return
	}
	s.auditLog(r, audit.ActionRetry, entityQueueEntry, e.ID, map[string]any{
		"integration_id": e.IntegrationID,
		"error_code":     e.ErrorCode,
	})
	writeJSON(w, http.StatusOK, updated)
}

// handleCancelQueueEntry fails a pending entry with CANCELLED.
func (s *Server) handleCancelQueueEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := s.ownedEntry(w, r)
	if !ok {
		return
	}
	updated, err := s.queue.Cancel(r.Context(), e.ID)
	if err != nil {
		s.writeDomainError(w, err, "cancel queue entry")
		return
	}
	s.auditLog(r, audit.ActionCancel, entityQueueEntry, e.ID, map[string]any{
		"integration_id": e.IntegrationID,
	})
	writeJSON(w, http.StatusOK, updated)
}
