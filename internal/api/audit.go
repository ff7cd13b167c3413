package api

import (
	"context"
	"net/http"

	"github.com/nerrad567/gray-logic-sync/internal/audit"
)

// auditChanSize is the buffer size for the async audit log channel.
// Entries beyond this are dropped (best-effort) to avoid back-pressure on requests.
const auditChanSize = 256

// auditLog enqueues an audit log entry for the caller's organization.
// If the channel is full the entry is dropped and a warning is logged.
func (s *Server) auditLog(r *http.Request, action, entityType, entityID string, details map[string]any) {
	if s.auditRepo == nil || s.auditCh == nil {
		return
	}

	entry := &audit.AuditLog{
		OrganizationID: orgID(r),
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		UserID:         userID(r),
		Source:         "api",
		Details:        details,
		CreatedAt:      s.Now().UTC(),
	}

	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit log channel full, dropping entry",
			"action", action,
			"entity_type", entityType,
		)
	}
}

// drainAuditLog reads entries from the audit channel and writes them serially.
// It runs until the context is cancelled, then drains remaining entries.
func (s *Server) drainAuditLog(ctx context.Context) {
	for {
		select {
		case entry := <-s.auditCh:
			s.writeAudit(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.auditCh:
					s.writeAudit(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writeAudit(entry *audit.AuditLog) {
	if err := s.auditRepo.Create(context.Background(), entry); err != nil {
		s.logger.Error("audit log write failed",
			"action", entry.Action,
			"entity_type", entry.EntityType,
			"error", err,
		)
	}
}

// handleListAuditLogs returns paginated audit log entries of the caller's
// organization.
//
// Query parameters:
//   - action: filter by action (create, update, delete, sync, resolve, retry...)
//   - entity_type: filter by entity type (integration, schedule, conflict...)
//   - entity_id: filter by specific entity ID
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeInternalError(w, "audit logging not configured")
		return
	}

	q := r.URL.Query()
	limit, offset := parsePage(r)
	result, err := s.auditRepo.List(r.Context(), audit.Filter{
		OrganizationID: orgID(r),
		Action:         q.Get("action"),
		EntityType:     q.Get("entity_type"),
		EntityID:       q.Get("entity_id"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		s.writeDomainError(w, err, "list audit logs")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
