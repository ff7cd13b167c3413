package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

const schedulesTable = "auto_sync_schedules"

var scheduleStruct = database.NewStruct(new(Schedule))

// Repository persists schedules.
type Repository interface {
	GetByIntegration(ctx context.Context, integrationID string) (*Schedule, error)
	List(ctx context.Context, organizationID string) ([]Schedule, error)

	// Due returns enabled schedules that are idle or due with next_run_at
	// at or before now, oldest first.
	Due(ctx context.Context, now time.Time) ([]Schedule, error)

	// ListRunning returns schedules left running, for recovery.
	ListRunning(ctx context.Context) ([]Schedule, error)

	// Save inserts or replaces the schedule of an integration.
	Save(ctx context.Context, s *Schedule) error

	SetState(ctx context.Context, id string, state State, at time.Time) error

	// StartRun moves a schedule to running and resets its summary.
	StartRun(ctx context.Context, id string, startedAt time.Time) error

	// AddToSummary folds the counts of one finished entry into the open run.
	AddToSummary(ctx context.Context, id string, delta Summary, at time.Time) error

	// FinishRun moves a schedule back to idle.
	FinishRun(ctx context.Context, id string, status RunStatus, nextRunAt *time.Time, at time.Time) error

	Delete(ctx context.Context, integrationID string) error
}

// SQLRepository implements Repository using SQLite.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository creates a new SQLite-backed schedule repository.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// GetByIntegration retrieves the schedule of an integration.
func (r *SQLRepository) GetByIntegration(ctx context.Context, integrationID string) (*Schedule, error) {
	sb := scheduleStruct.SelectFrom(schedulesTable)
	sb.Where(sb.Equal("integration_id", integrationID))
	query, args := sb.Build()

	var s Schedule
	err := r.db.GetContext(ctx, &s, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying schedule: %w", err)
	}
	return &s, nil
}

// List returns the schedules of an organization. An empty organization
// lists every schedule.
func (r *SQLRepository) List(ctx context.Context, organizationID string) ([]Schedule, error) {
	sb := scheduleStruct.SelectFrom(schedulesTable)
	if organizationID != "" {
		sb.Where(sb.Equal("organization_id", organizationID))
	}
	sb.OrderBy("created_at", "id").Asc()
	query, args := sb.Build()
	return r.list(ctx, query, args)
}

// Due returns the schedules ready to run.
func (r *SQLRepository) Due(ctx context.Context, now time.Time) ([]Schedule, error) {
	sb := scheduleStruct.SelectFrom(schedulesTable)
	sb.Where(
		sb.Equal("enabled", true),
		sb.In("state", string(StateIdle), string(StateDue)),
		sb.IsNotNull("next_run_at"),
		sb.LessEqualThan("next_run_at", now.UTC()),
	)
	sb.OrderBy("next_run_at", "id").Asc()
	query, args := sb.Build()
	return r.list(ctx, query, args)
}

// ListRunning returns schedules in the running state.
func (r *SQLRepository) ListRunning(ctx context.Context) ([]Schedule, error) {
	sb := scheduleStruct.SelectFrom(schedulesTable)
	sb.Where(sb.Equal("state", string(StateRunning)))
	sb.OrderBy("id").Asc()
	query, args := sb.Build()
	return r.list(ctx, query, args)
}

// Save upserts s on its integration.
func (r *SQLRepository) Save(ctx context.Context, s *Schedule) error {
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	s.NextRunAt = database.UTCPtr(s.NextRunAt)
	s.LastRunAt = database.UTCPtr(s.LastRunAt)

	ib := scheduleStruct.InsertInto(schedulesTable, s)
	ib.SQL(`ON CONFLICT (integration_id) DO UPDATE SET
		enabled = excluded.enabled,
		frequency_minutes = excluded.frequency_minutes,
		direction = excluded.direction,
		device_filter = excluded.device_filter,
		device_tags = excluded.device_tags,
		filter_expression = excluded.filter_expression,
		only_online = excluded.only_online,
		time_window_enabled = excluded.time_window_enabled,
		time_window_start = excluded.time_window_start,
		time_window_end = excluded.time_window_end,
		timezone = excluded.timezone,
		conflict_resolution = excluded.conflict_resolution,
		state = excluded.state,
		next_run_at = excluded.next_run_at,
		updated_at = excluded.updated_at`)
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if database.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: unknown integration", ErrInvalidSchedule)
		}
		return fmt.Errorf("saving schedule: %w", err)
	}
	return nil
}

// SetState moves a schedule to state.
func (r *SQLRepository) SetState(ctx context.Context, id string, state State, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(schedulesTable).Set(
		ub.Assign("state", string(state)),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id))
	return r.exec(ctx, ub)
}

// StartRun records the start of a run.
func (r *SQLRepository) StartRun(ctx context.Context, id string, startedAt time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(schedulesTable).Set(
		ub.Assign("state", string(StateRunning)),
		ub.Assign("last_run_at", startedAt.UTC()),
		ub.Assign("last_run_summary", Summary{}),
		ub.Assign("updated_at", startedAt.UTC()),
	).Where(ub.Equal("id", id))
	return r.exec(ctx, ub)
}

// AddToSummary adds delta to the stored summary.
func (r *SQLRepository) AddToSummary(ctx context.Context, id string, delta Summary, at time.Time) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		sb := database.NewSelectBuilder()
		sb.Select("last_run_summary").From(schedulesTable).Where(sb.Equal("id", id))
		query, args := sb.Build()
		var cur Summary
		err := tx.GetContext(ctx, &cur, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrScheduleNotFound
		}
		if err != nil {
			return fmt.Errorf("reading summary: %w", err)
		}

		cur.Synced += delta.Synced
		cur.Created += delta.Created
		cur.Updated += delta.Updated
		cur.Skipped += delta.Skipped
		cur.Errors += delta.Errors

		ub := database.NewUpdateBuilder()
		ub.Update(schedulesTable).Set(
			ub.Assign("last_run_summary", cur),
			ub.Assign("updated_at", at.UTC()),
		).Where(ub.Equal("id", id))
		q, a := ub.Build()
		if _, err := tx.ExecContext(ctx, q, a...); err != nil {
			return fmt.Errorf("updating summary: %w", err)
		}
		return nil
	})
}

// FinishRun closes a run.
func (r *SQLRepository) FinishRun(ctx context.Context, id string, status RunStatus, nextRunAt *time.Time, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(schedulesTable).Set(
		ub.Assign("state", string(StateIdle)),
		ub.Assign("last_run_status", string(status)),
		ub.Assign("next_run_at", database.UTCPtr(nextRunAt)),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id))
	return r.exec(ctx, ub)
}

// Delete removes the schedule of an integration.
func (r *SQLRepository) Delete(ctx context.Context, integrationID string) error {
	db := database.NewDeleteBuilder()
	db.DeleteFrom(schedulesTable).Where(db.Equal("integration_id", integrationID))
	query, args := db.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	return oneRow(res)
}

func (r *SQLRepository) exec(ctx context.Context, ub interface{ Build() (string, []any) }) error {
	query, args := ub.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}
	return oneRow(res)
}

func (r *SQLRepository) list(ctx context.Context, query string, args []any) ([]Schedule, error) {
	schedules := []Schedule{}
	if err := r.db.SelectContext(ctx, &schedules, query, args...); err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	return schedules, nil
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}
