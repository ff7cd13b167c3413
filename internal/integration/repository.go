package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

const integrationsTable = "device_integrations"

var integrationStruct = database.NewStruct(new(Integration))

// Repository defines persistence for integrations.
type Repository interface {
	// GetByID returns ErrIntegrationNotFound if the integration does not exist.
	GetByID(ctx context.Context, id string) (*Integration, error)

	List(ctx context.Context, filter ListFilter) ([]Integration, error)

	// Create returns ErrIntegrationExists on a duplicate (organisation, name).
	Create(ctx context.Context, i *Integration) error

	// Update rewrites the mutable configuration fields.
	Update(ctx context.Context, i *Integration) error

	Delete(ctx context.Context, id string) error

	// RecordSyncOutcome writes back the last sync timestamp, status and error.
	RecordSyncOutcome(ctx context.Context, id string, status SyncStatus, message string, at time.Time) error
}

// SQLRepository implements Repository on SQLite through sqlx.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository creates a repository over an open database.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// GetByID retrieves an integration by ID.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*Integration, error) {
	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var i Integration
	err := r.db.GetContext(ctx, &i, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying integration: %w", err)
	}
	return &i, nil
}

// List retrieves integrations matching filter, ordered by name.
func (r *SQLRepository) List(ctx context.Context, filter ListFilter) ([]Integration, error) {
	sb := integrationStruct.SelectFrom(integrationsTable)
	if filter.OrganizationID != "" {
		sb.Where(sb.Equal("organization_id", filter.OrganizationID))
	}
	if filter.Type != "" {
		sb.Where(sb.Equal("type", string(filter.Type)))
	}
	if filter.Enabled != nil {
		sb.Where(sb.Equal("enabled", *filter.Enabled))
	}
	sb.OrderBy("name").Asc()

	query, args := sb.Build()
	integrations := []Integration{}
	if err := r.db.SelectContext(ctx, &integrations, query, args...); err != nil {
		return nil, fmt.Errorf("listing integrations: %w", err)
	}
	return integrations, nil
}

// Create inserts a new integration.
func (r *SQLRepository) Create(ctx context.Context, i *Integration) error {
	ib := integrationStruct.InsertInto(integrationsTable, i)
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return ErrIntegrationExists
		}
		return fmt.Errorf("inserting integration: %w", err)
	}
	return nil
}

// Update rewrites the configuration of an existing integration.
func (r *SQLRepository) Update(ctx context.Context, i *Integration) error {
	ub := database.NewUpdateBuilder()
	ub.Update(integrationsTable).Set(
		ub.Assign("name", i.Name),
		ub.Assign("credentials_encrypted", i.CredentialsEncrypted),
		ub.Assign("base_endpoint", i.BaseEndpoint),
		ub.Assign("settings", i.Settings),
		ub.Assign("sync_direction", string(i.SyncDirection)),
		ub.Assign("interval_seconds", i.IntervalSeconds),
		ub.Assign("enabled", i.Enabled),
		ub.Assign("conflict_strategy", string(i.ConflictStrategy)),
		ub.Assign("max_retries", i.MaxRetries),
		ub.Assign("updated_at", i.UpdatedAt.UTC()),
	).Where(ub.Equal("id", i.ID))

	query, args := ub.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrIntegrationExists
		}
		return fmt.Errorf("updating integration: %w", err)
	}
	return requireOneRow(res)
}

// Delete removes an integration. Assignments, queue entries and schedules
// cascade.
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	db := database.NewDeleteBuilder()
	db.DeleteFrom(integrationsTable).Where(db.Equal("id", id))

	query, args := db.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting integration: %w", err)
	}
	return requireOneRow(res)
}

// RecordSyncOutcome writes back the outcome of the latest sync run.
func (r *SQLRepository) RecordSyncOutcome(ctx context.Context, id string, status SyncStatus, message string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(integrationsTable).Set(
		ub.Assign("last_sync_at", at.UTC()),
		ub.Assign("last_sync_status", string(status)),
		ub.Assign("last_sync_error", message),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id))

	query, args := ub.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("recording sync outcome: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrIntegrationNotFound
	}
	return nil
}
