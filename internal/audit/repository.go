// Package audit records collaborator commands against the sync engine:
// integration changes, schedule toggles, manual syncs, conflict
// resolutions and queue retries.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

// Actions recorded in the trail.
const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionEnable  = "enable"
	ActionDisable = "disable"
	ActionSync    = "sync"
	ActionResolve = "resolve"
	ActionRetry   = "retry"
	ActionCancel  = "cancel"
)

const auditTable = "audit_logs"

// AuditLog represents a single audit trail entry.
type AuditLog struct { //nolint:revive // audit.AuditLog is clearer than audit.Log in calling code
	ID             string           `json:"id" db:"id"`
	OrganizationID string           `json:"organization_id" db:"organization_id"`
	Action         string           `json:"action" db:"action"`
	EntityType     string           `json:"entity_type" db:"entity_type"`
	EntityID       string           `json:"entity_id,omitempty" db:"entity_id"`
	UserID         string           `json:"user_id,omitempty" db:"user_id"`
	Source         string           `json:"source" db:"source"`
	Details        database.JSONMap `json:"details,omitempty" db:"details"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

var auditStruct = database.NewStruct(new(AuditLog))

// Filter controls which audit logs to return.
type Filter struct {
	OrganizationID string
	Action         string // optional: create, update, delete, resolve, retry...
	EntityType     string // optional: integration, schedule, conflict, queue_entry, device
	EntityID       string
	Limit          int // default 50, max 200
	Offset         int
}

// ListResult contains the paginated audit log results.
type ListResult struct {
	Logs   []AuditLog `json:"logs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// Repository defines the interface for audit log operations.
type Repository interface {
	Create(ctx context.Context, log *AuditLog) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLRepository stores audit logs in SQLite.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository creates a new audit log repository.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Create inserts a new audit log entry. The ID and CreatedAt are generated if empty.
func (r *SQLRepository) Create(ctx context.Context, log *AuditLog) error {
	if log.ID == "" {
		log.ID = "aud-" + uuid.NewString()[:8]
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	log.CreatedAt = log.CreatedAt.UTC()
	if log.Source == "" {
		log.Source = "api"
	}

	ib := auditStruct.InsertInto(auditTable, log)
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

// List returns audit logs matching the filter, ordered by most recent first.
func (r *SQLRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for audit log queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	cb := database.NewSelectBuilder()
	cb.Select("COUNT(*)").From(auditTable)
	applyFilter(cb, filter)
	countQuery, countArgs := cb.Build()
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, fmt.Errorf("counting audit logs: %w", err)
	}

	sb := auditStruct.SelectFrom(auditTable)
	applyFilter(sb, filter)
	sb.OrderBy("created_at").Desc().Limit(filter.Limit).Offset(filter.Offset)

	query, args := sb.Build()
	logs := []AuditLog{}
	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}

	return &ListResult{
		Logs:   logs,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

func applyFilter(sb *sqlbuilder.SelectBuilder, filter Filter) {
	if filter.OrganizationID != "" {
		sb.Where(sb.Equal("organization_id", filter.OrganizationID))
	}
	if filter.Action != "" {
		sb.Where(sb.Equal("action", filter.Action))
	}
	if filter.EntityType != "" {
		sb.Where(sb.Equal("entity_type", filter.EntityType))
	}
	if filter.EntityID != "" {
		sb.Where(sb.Equal("entity_id", filter.EntityID))
	}
}
