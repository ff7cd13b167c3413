package api

import (
	"net/http"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/notify"
)

// activityFilter builds a log filter from the common query parameters.
// It writes a 400 when since is malformed.
func activityFilter(w http.ResponseWriter, r *http.Request) (activity.Filter, bool) {
	q := r.URL.Query()
	since, err := parseSince(r)
	if err != nil {
		writeBadRequest(w, "since must be an RFC3339 timestamp")
		return activity.Filter{}, false
	}
	limit, offset := parsePage(r)
	return activity.Filter{
		OrganizationID: orgID(r),
		IntegrationID:  q.Get("integration_id"),
		DeviceID:       q.Get("device_id"),
		Status:         q.Get("status"),
		Since:          since,
		Limit:          limit,
		Offset:         offset,
	}, true
}

// handleListSyncLogs returns per-run sync summaries, newest first.
//
// Query parameters:
//   - integration_id: filter by integration
//   - status: success, partial, failed or cancelled
//   - since: RFC3339 lower bound on created_at
//   - limit, offset: pagination
func (s *Server) handleListSyncLogs(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		writeInternalError(w, "activity logging not configured")
		return
	}
	f, ok := activityFilter(w, r)
	if !ok {
		return
	}
	items, err := s.activity.ListSyncLogs(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, err, "list sync logs")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: len(items), Limit: f.Limit, Offset: f.Offset})
}

// handleListActivityLogs returns platform exchanges, newest first.
//
// Query parameters:
//   - integration_id, device_id: filter by owner
//   - status: success or error
//   - since: RFC3339 lower bound on created_at
//   - limit, offset: pagination
func (s *Server) handleListActivityLogs(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		writeInternalError(w, "activity logging not configured")
		return
	}
	f, ok := activityFilter(w, r)
	if !ok {
		return
	}
	items, err := s.activity.ListActivity(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, err, "list activity logs")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: len(items), Limit: f.Limit, Offset: f.Offset})
}

// handleListNotifications returns the notification log, newest first.
//
// Query parameters:
//   - event_type: sync_failed, conflict_created or integration_error
//   - channel: email, sms, webhook or in_app
//   - status: pending, sent or failed
//   - limit, offset: pagination
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		writeInternalError(w, "notifications not configured")
		return
	}
	q := r.URL.Query()
	limit, offset := parsePage(r)
	items, total, err := s.notifier.List(r.Context(), notify.Filter{
		OrganizationID: orgID(r),
		EventType:      notify.EventType(q.Get("event_type")),
		Channel:        notify.Channel(q.Get("channel")),
		Status:         notify.Status(q.Get("status")),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		s.writeDomainError(w, err, "list notifications")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}
