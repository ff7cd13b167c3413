package conflict

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

const (
	conflictsTable = "device_conflicts"

	defaultPageSize = 50
	maxPageSize     = 500
)

var conflictStruct = database.NewStruct(new(Conflict))

// Repository persists conflicts.
type Repository interface {
	// Save stores c. A pending conflict for a field that already has a
	// pending row refreshes that row instead; created reports which
	// happened, and c takes the stored ID.
	Save(ctx context.Context, c *Conflict) (created bool, err error)

	// Get returns ErrNotFound when the conflict does not exist.
	Get(ctx context.Context, id string) (*Conflict, error)

	// List returns conflicts matching filter, newest first, and the total.
	List(ctx context.Context, filter Filter) ([]Conflict, int, error)

	// Resolve writes the resolution of a pending conflict. It returns
	// ErrNotPending when the conflict was resolved concurrently.
	Resolve(ctx context.Context, c *Conflict) error

	// PendingFor returns the pending conflicts of one device mapping.
	PendingFor(ctx context.Context, deviceID, integrationID string) ([]Conflict, error)
}

// SQLRepository implements Repository using SQLite.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository creates a new SQLite-backed conflict repository.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Save inserts a conflict or refreshes the open one for the same field.
func (r *SQLRepository) Save(ctx context.Context, c *Conflict) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.DetectedAt = c.DetectedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.LocalUpdatedAt = database.UTCPtr(c.LocalUpdatedAt)
	c.RemoteUpdatedAt = database.UTCPtr(c.RemoteUpdatedAt)
	c.ResolvedAt = database.UTCPtr(c.ResolvedAt)

	created := false
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if c.Pending() {
			existing, err := r.openFor(ctx, tx, c.DeviceID, c.IntegrationID, c.FieldName)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if existing != nil {
				c.ID = existing.ID
				c.DetectedAt = existing.DetectedAt
				return r.refresh(ctx, tx, c)
			}
		}
		ib := conflictStruct.InsertInto(conflictsTable, c)
		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("inserting conflict: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

func (r *SQLRepository) openFor(ctx context.Context, tx *sqlx.Tx, deviceID, integrationID, field string) (*Conflict, error) {
	sb := conflictStruct.SelectFrom(conflictsTable)
	sb.Where(
		sb.Equal("device_id", deviceID),
		sb.Equal("integration_id", integrationID),
		sb.Equal("field_name", field),
		sb.Equal("resolution_status", string(StatusPending)),
	)
	query, args := sb.Build()
	var c Conflict
	err := tx.GetContext(ctx, &c, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open conflict: %w", err)
	}
	return &c, nil
}

func (r *SQLRepository) refresh(ctx context.Context, tx *sqlx.Tx, c *Conflict) error {
	ub := database.NewUpdateBuilder()
	ub.Update(conflictsTable).Set(
		ub.Assign("local_value", c.LocalValue),
		ub.Assign("remote_value", c.RemoteValue),
		ub.Assign("local_updated_at", c.LocalUpdatedAt),
		ub.Assign("remote_updated_at", c.RemoteUpdatedAt),
		ub.Assign("conflict_type", string(c.ConflictType)),
		ub.Assign("resolution_strategy", c.ResolutionStrategy),
		ub.Assign("updated_at", c.UpdatedAt),
	).Where(ub.Equal("id", c.ID))
	query, args := ub.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("refreshing conflict: %w", err)
	}
	return nil
}

// Get retrieves a conflict by ID.
func (r *SQLRepository) Get(ctx context.Context, id string) (*Conflict, error) {
	sb := conflictStruct.SelectFrom(conflictsTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var c Conflict
	err := r.db.GetContext(ctx, &c, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conflict: %w", err)
	}
	return &c, nil
}

// List returns a page of conflicts.
func (r *SQLRepository) List(ctx context.Context, filter Filter) ([]Conflict, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	cb := database.NewSelectBuilder()
	cb.Select("COUNT(*)").From(conflictsTable)
	applyFilter(cb, filter)
	countQuery, countArgs := cb.Build()
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("counting conflicts: %w", err)
	}

	sb := conflictStruct.SelectFrom(conflictsTable)
	applyFilter(sb, filter)
	sb.OrderBy("detected_at").Desc().Limit(filter.Limit).Offset(filter.Offset)
	query, args := sb.Build()

	conflicts := []Conflict{}
	if err := r.db.SelectContext(ctx, &conflicts, query, args...); err != nil {
		return nil, 0, fmt.Errorf("listing conflicts: %w", err)
	}
	return conflicts, total, nil
}

func applyFilter(sb *sqlbuilder.SelectBuilder, filter Filter) {
	if filter.OrganizationID != "" {
		sb.Where(sb.Equal("organization_id", filter.OrganizationID))
	}
	if filter.IntegrationID != "" {
		sb.Where(sb.Equal("integration_id", filter.IntegrationID))
	}
	if filter.DeviceID != "" {
		sb.Where(sb.Equal("device_id", filter.DeviceID))
	}
	if filter.Status != "" {
		sb.Where(sb.Equal("resolution_status", string(filter.Status)))
	}
}

// Resolve records the resolution of a pending conflict.
func (r *SQLRepository) Resolve(ctx context.Context, c *Conflict) error {
	at := time.Now().UTC()
	if c.ResolvedAt != nil {
		at = c.ResolvedAt.UTC()
	}
	c.ResolvedAt = &at
	c.UpdatedAt = at

	ub := database.NewUpdateBuilder()
	ub.Update(conflictsTable).Set(
		ub.Assign("resolution_status", string(c.ResolutionStatus)),
		ub.Assign("resolution_strategy", c.ResolutionStrategy),
		ub.Assign("resolved_value", c.ResolvedValue),
		ub.Assign("resolved_by", c.ResolvedBy),
		ub.Assign("resolution_notes", c.ResolutionNotes),
		ub.Assign("resolved_at", at),
		ub.Assign("updated_at", at),
	).Where(ub.Equal("id", c.ID), ub.Equal("resolution_status", string(StatusPending)))

	query, args := ub.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, c.ID); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// PendingFor returns the open conflicts of a device mapping.
func (r *SQLRepository) PendingFor(ctx context.Context, deviceID, integrationID string) ([]Conflict, error) {
	sb := conflictStruct.SelectFrom(conflictsTable)
	sb.Where(
		sb.Equal("device_id", deviceID),
		sb.Equal("integration_id", integrationID),
		sb.Equal("resolution_status", string(StatusPending)),
	)
	sb.OrderBy("detected_at").Asc()
	query, args := sb.Build()

	conflicts := []Conflict{}
	if err := r.db.SelectContext(ctx, &conflicts, query, args...); err != nil {
		return nil, fmt.Errorf("listing pending conflicts: %w", err)
	}
	return conflicts, nil
}
