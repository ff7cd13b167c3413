package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

const assignmentsTable = "device_service_assignments"

var assignmentStruct = database.NewStruct(new(Assignment))

// AssignmentRepository manages device-to-integration mappings.
type AssignmentRepository interface {
	// Get returns ErrAssignmentNotFound when the device is not mapped.
	Get(ctx context.Context, deviceID, integrationID string) (*Assignment, error)

	GetByExternalID(ctx context.Context, integrationID, externalID string) (*Assignment, error)
	ListByIntegration(ctx context.Context, integrationID string) ([]Assignment, error)
	ListByDevice(ctx context.Context, deviceID string) ([]Assignment, error)

	// ListDueRetries returns assignments in error whose next retry is due
	// and whose retry count is below maxRetries.
	ListDueRetries(ctx context.Context, integrationID string, now time.Time, maxRetries int) ([]Assignment, error)

	// Create returns ErrAssignmentExists if the device is already mapped to
	// the integration or the external ID is taken.
	Create(ctx context.Context, a *Assignment) error

	// MarkSynced records a successful sync, moves the baseline to b and
	// clears retry state.
	MarkSynced(ctx context.Context, id string, b Baseline, at time.Time) error

	// MarkError records a failed device step and schedules its retry.
	MarkError(ctx context.Context, id, message string, nextRetryAt *time.Time, at time.Time) error

	// MarkConflict flags the assignment as waiting on a pending conflict.
	MarkConflict(ctx context.Context, id string, at time.Time) error

	// ClearRetry unschedules a due retry once it has been queued.
	ClearRetry(ctx context.Context, id string, at time.Time) error

	Delete(ctx context.Context, id string) error
}

// SQLAssignmentRepository implements AssignmentRepository using SQLite.
type SQLAssignmentRepository struct {
	db *sqlx.DB
}

// NewSQLAssignmentRepository creates a new SQLite-backed assignment repository.
func NewSQLAssignmentRepository(db *sqlx.DB) *SQLAssignmentRepository {
	return &SQLAssignmentRepository{db: db}
}

// Get retrieves the mapping of a device for one integration.
func (r *SQLAssignmentRepository) Get(ctx context.Context, deviceID, integrationID string) (*Assignment, error) {
	sb := assignmentStruct.SelectFrom(assignmentsTable)
	sb.Where(sb.Equal("device_id", deviceID), sb.Equal("integration_id", integrationID))
	query, args := sb.Build()
	return r.getOne(ctx, query, args)
}

// GetByExternalID retrieves the mapping for a remote device ID.
func (r *SQLAssignmentRepository) GetByExternalID(ctx context.Context, integrationID, externalID string) (*Assignment, error) {
	sb := assignmentStruct.SelectFrom(assignmentsTable)
	sb.Where(sb.Equal("integration_id", integrationID), sb.Equal("external_device_id", externalID))
	query, args := sb.Build()
	return r.getOne(ctx, query, args)
}

// ListByIntegration returns every mapping of an integration.
func (r *SQLAssignmentRepository) ListByIntegration(ctx context.Context, integrationID string) ([]Assignment, error) {
	sb := assignmentStruct.SelectFrom(assignmentsTable)
	sb.Where(sb.Equal("integration_id", integrationID))
	sb.OrderBy("created_at", "id").Asc()
	query, args := sb.Build()
	return r.list(ctx, query, args)
}

// ListByDevice returns every mapping of a device.
func (r *SQLAssignmentRepository) ListByDevice(ctx context.Context, deviceID string) ([]Assignment, error) {
	sb := assignmentStruct.SelectFrom(assignmentsTable)
	sb.Where(sb.Equal("device_id", deviceID))
	sb.OrderBy("created_at", "id").Asc()
	query, args := sb.Build()
	return r.list(ctx, query, args)
}

// ListDueRetries returns failed device steps ready to be retried.
func (r *SQLAssignmentRepository) ListDueRetries(ctx context.Context, integrationID string, now time.Time, maxRetries int) ([]Assignment, error) {
	sb := assignmentStruct.SelectFrom(assignmentsTable)
	sb.Where(
		sb.Equal("integration_id", integrationID),
		sb.Equal("sync_status", string(AssignmentError)),
		sb.IsNotNull("next_retry_at"),
		sb.LessEqualThan("next_retry_at", now.UTC()),
		sb.LessThan("retry_count", maxRetries),
	)
	sb.OrderBy("next_retry_at").Asc()
	query, args := sb.Build()
	return r.list(ctx, query, args)
}

// Create inserts a mapping.
func (r *SQLAssignmentRepository) Create(ctx context.Context, a *Assignment) error {
	ib := assignmentStruct.InsertInto(assignmentsTable, a)
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return ErrAssignmentExists
		}
		if database.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: unknown device or integration", ErrInvalidDevice)
		}
		return fmt.Errorf("inserting assignment: %w", err)
	}
	return nil
}

// MarkSynced records a successful sync.
func (r *SQLAssignmentRepository) MarkSynced(ctx context.Context, id string, b Baseline, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(assignmentsTable).Set(
		ub.Assign("sync_status", string(AssignmentSynced)),
		ub.Assign("retry_count", 0),
		ub.Assign("next_retry_at", nil),
		ub.Assign("last_synced_at", at.UTC()),
		ub.Assign("remote_fingerprint", b.Fingerprint),
		ub.Assign("local_baseline", b.Local),
		ub.Assign("remote_baseline", b.Remote),
		ub.Assign("last_error", ""),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id))
	return r.exec(ctx, ub)
}

// MarkError records a failed device step.
func (r *SQLAssignmentRepository) MarkError(ctx context.Context, id, message string, nextRetryAt *time.Time, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(assignmentsTable).Set(
		ub.Assign("sync_status", string(AssignmentError)),
		ub.Incr("retry_count"),
		ub.Assign("next_retry_at", database.UTCPtr(nextRetryAt)),
		ub.Assign("last_error", message),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id))
	return r.exec(ctx, ub)
}

// MarkConflict flags the mapping as blocked on a pending conflict.
func (r *SQLAssignmentRepository) MarkConflict(ctx context.Context, id string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(assignmentsTable).Set(
		ub.Assign("sync_status", string(AssignmentConflict)),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id))
	return r.exec(ctx, ub)
}

// ClearRetry removes the next retry time, keeping the error and count.
func (r *SQLAssignmentRepository) ClearRetry(ctx context.Context, id string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(assignmentsTable).Set(
		ub.Assign("next_retry_at", nil),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id))
	return r.exec(ctx, ub)
}

// Delete removes a mapping.
func (r *SQLAssignmentRepository) Delete(ctx context.Context, id string) error {
	db := database.NewDeleteBuilder()
	db.DeleteFrom(assignmentsTable).Where(db.Equal("id", id))
	query, args := db.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting assignment: %w", err)
	}
	return requireOneRow(res, ErrAssignmentNotFound)
}

func (r *SQLAssignmentRepository) exec(ctx context.Context, ub interface{ Build() (string, []any) }) error {
	query, args := ub.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating assignment: %w", err)
	}
	return requireOneRow(res, ErrAssignmentNotFound)
}

func (r *SQLAssignmentRepository) getOne(ctx context.Context, query string, args []any) (*Assignment, error) {
	var a Assignment
	err := r.db.GetContext(ctx, &a, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying assignment: %w", err)
	}
	return &a, nil
}

func (r *SQLAssignmentRepository) list(ctx context.Context, query string, args []any) ([]Assignment, error) {
	assignments := []Assignment{}
	if err := r.db.SelectContext(ctx, &assignments, query, args...); err != nil {
		return nil, fmt.Errorf("listing assignments: %w", err)
	}
	return assignments, nil
}

const firmwareTable = "device_firmware_history"

var firmwareStruct = database.NewStruct(new(FirmwareChange))

// FirmwareRepository records firmware versions reported by platforms.
type FirmwareRepository interface {
	Record(ctx context.Context, change *FirmwareChange) error
	ListByDevice(ctx context.Context, deviceID string) ([]FirmwareChange, error)
}

// SQLFirmwareRepository implements FirmwareRepository using SQLite.
type SQLFirmwareRepository struct {
	db *sqlx.DB
}

// NewSQLFirmwareRepository creates a new SQLite-backed firmware history.
func NewSQLFirmwareRepository(db *sqlx.DB) *SQLFirmwareRepository {
	return &SQLFirmwareRepository{db: db}
}

// Record appends a firmware change.
func (r *SQLFirmwareRepository) Record(ctx context.Context, change *FirmwareChange) error {
	change.RecordedAt = change.RecordedAt.UTC()
	ib := firmwareStruct.InsertInto(firmwareTable, change)
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("recording firmware change: %w", err)
	}
	return nil
}

// ListByDevice returns the firmware history of a device, oldest first.
func (r *SQLFirmwareRepository) ListByDevice(ctx context.Context, deviceID string) ([]FirmwareChange, error) {
	sb := firmwareStruct.SelectFrom(firmwareTable)
	sb.Where(sb.Equal("device_id", deviceID))
	sb.OrderBy("recorded_at").Asc()
	query, args := sb.Build()

	changes := []FirmwareChange{}
	if err := r.db.SelectContext(ctx, &changes, query, args...); err != nil {
		return nil, fmt.Errorf("listing firmware history: %w", err)
	}
	return changes, nil
}
