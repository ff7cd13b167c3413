package syncqueue

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
	queueTable = "sync_queue"

	defaultPageSize   = 50
	maxPageSize       = 500
	defaultMaxRetries = 5
)

var entryStruct = database.NewStruct(new(Entry))

// claimQuery atomically starts the next ready entry of one integration,
// unless one of its entries is already running.
const claimQuery = `
UPDATE sync_queue
SET status = 'running', started_at = ?, completed_at = NULL, updated_at = ?
WHERE id = (
    SELECT id FROM sync_queue
    WHERE integration_id = ? AND status = 'pending' AND next_retry_at <= ?
    ORDER BY priority ASC, created_at ASC, id ASC
    LIMIT 1
)
AND NOT EXISTS (
    SELECT 1 FROM sync_queue
    WHERE integration_id = ? AND status = 'running'
)
RETURNING *`

// readyQuery lists integrations with ready work and nothing running.
const readyQuery = `
SELECT DISTINCT q.integration_id FROM sync_queue q
WHERE q.status = 'pending' AND q.next_retry_at <= ?
AND NOT EXISTS (
    SELECT 1 FROM sync_queue r
    WHERE r.integration_id = q.integration_id AND r.status = 'running'
)
ORDER BY q.integration_id`

// Repository is the durable queue.
type Repository interface {
	Enqueue(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, filter Filter) ([]Entry, int, error)

	// ReadyIntegrations lists integrations with claimable work at now.
	ReadyIntegrations(ctx context.Context, now time.Time) ([]string, error)

	// Claim starts the next ready entry of an integration. It returns
	// ErrNoneReady when nothing is claimable.
	Claim(ctx context.Context, integrationID string, now time.Time) (*Entry, error)

	// NextReadyAt returns the earliest next_retry_at of pending entries,
	// or nil when the queue has none.
	NextReadyAt(ctx context.Context) (*time.Time, error)

	Complete(ctx context.Context, id string, at time.Time) error
	Retry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, code, message string, at time.Time) error
	Fail(ctx context.Context, id string, retryCount int, code, message string, at time.Time) error

	// Revert returns a running entry to pending without consuming a retry.
	Revert(ctx context.Context, id string, nextRetryAt, at time.Time) error

	// RevertRunning returns every running entry to pending. Used on startup.
	RevertRunning(ctx context.Context, at time.Time) (int64, error)

	// ResetFailed makes a failed entry pending again with a zero retry count.
	ResetFailed(ctx context.Context, id string, at time.Time) error

	// CancelPending fails a pending entry that has not started.
	CancelPending(ctx context.Context, id string, at time.Time) error

	// OpenForSchedule counts pending and running entries of a schedule.
	OpenForSchedule(ctx context.Context, scheduleID string) (int, error)
}

// SQLRepository implements Repository using SQLite.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository creates a new SQLite-backed queue.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Enqueue inserts a pending entry, filling defaults.
func (r *SQLRepository) Enqueue(ctx context.Context, e *Entry) error {
	if !e.Operation.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOperation, e.Operation)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Source == "" {
		e.Source = SourceManual
	}
	if e.Priority <= 0 {
		e.Priority = PriorityFor(e.Source)
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = defaultMaxRetries
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.CreatedAt
	if e.NextRetryAt.IsZero() {
		e.NextRetryAt = e.CreatedAt
	}
	e.NextRetryAt = e.NextRetryAt.UTC()
	e.Status = StatusPending
	e.RetryCount = 0
	e.StartedAt = nil
	e.CompletedAt = nil

	ib := entryStruct.InsertInto(queueTable, e)
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("enqueueing %s: %w", e.Operation, err)
	}
	return nil
}

// Get retrieves an entry by ID.
func (r *SQLRepository) Get(ctx context.Context, id string) (*Entry, error) {
	sb := entryStruct.SelectFrom(queueTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var e Entry
	err := r.db.GetContext(ctx, &e, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue entry: %w", err)
	}
	return &e, nil
}

// List returns entries in dispatch order.
func (r *SQLRepository) List(ctx context.Context, filter Filter) ([]Entry, int, error) {
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
	cb.Select("COUNT(*)").From(queueTable)
	applyFilter(cb, filter)
	countQuery, countArgs := cb.Build()
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("counting queue entries: %w", err)
	}

	sb := entryStruct.SelectFrom(queueTable)
	applyFilter(sb, filter)
	sb.OrderBy("priority", "created_at", "id").Asc().Limit(filter.Limit).Offset(filter.Offset)
	query, args := sb.Build()

	entries := []Entry{}
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("listing queue entries: %w", err)
	}
	return entries, total, nil
}

func applyFilter(sb *sqlbuilder.SelectBuilder, filter Filter) {
	if filter.OrganizationID != "" {
		sb.Where(sb.Equal("organization_id", filter.OrganizationID))
	}
	if filter.IntegrationID != "" {
		sb.Where(sb.Equal("integration_id", filter.IntegrationID))
	}
	if filter.ScheduleID != "" {
		sb.Where(sb.Equal("schedule_id", filter.ScheduleID))
	}
	if filter.Status != "" {
		sb.Where(sb.Equal("status", string(filter.Status)))
	}
}

// ReadyIntegrations lists integrations that can be claimed now.
func (r *SQLRepository) ReadyIntegrations(ctx context.Context, now time.Time) ([]string, error) {
	ids := []string{}
	if err := r.db.SelectContext(ctx, &ids, readyQuery, now.UTC()); err != nil {
		return nil, fmt.Errorf("listing ready integrations: %w", err)
	}
	return ids, nil
}

// Claim starts the next ready entry of an integration.
func (r *SQLRepository) Claim(ctx context.Context, integrationID string, now time.Time) (*Entry, error) {
	at := now.UTC()
	var e Entry
	err := r.db.GetContext(ctx, &e, claimQuery, at, at, integrationID, at, integrationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoneReady
	}
	if err != nil {
		return nil, fmt.Errorf("claiming queue entry: %w", err)
	}
	return &e, nil
}

// NextReadyAt returns when the next pending entry becomes ready.
func (r *SQLRepository) NextReadyAt(ctx context.Context) (*time.Time, error) {
	sb := database.NewSelectBuilder()
	sb.Select("next_retry_at").From(queueTable).
		Where(sb.Equal("status", string(StatusPending))).
		OrderBy("next_retry_at").Asc().Limit(1)
	query, args := sb.Build()

	var at time.Time
	err := r.db.GetContext(ctx, &at, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying next ready entry: %w", err)
	}
	return &at, nil
}

// Complete marks a running entry done.
func (r *SQLRepository) Complete(ctx context.Context, id string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(queueTable).Set(
		ub.Assign("status", string(StatusDone)),
		ub.Assign("last_error", ""),
		ub.Assign("error_code", ""),
		ub.Assign("completed_at", at.UTC()),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id), ub.Equal("status", string(StatusRunning)))
	return r.exec(ctx, id, ub)
}

// Retry returns a running entry to pending with a consumed retry.
func (r *SQLRepository) Retry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, code, message string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(queueTable).Set(
		ub.Assign("status", string(StatusPending)),
		ub.Assign("retry_count", retryCount),
		ub.Assign("next_retry_at", nextRetryAt.UTC()),
		ub.Assign("error_code", code),
		ub.Assign("last_error", message),
		ub.Assign("started_at", nil),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id), ub.Equal("status", string(StatusRunning)))
	return r.exec(ctx, id, ub)
}

// Fail marks a running entry terminally failed.
func (r *SQLRepository) Fail(ctx context.Context, id string, retryCount int, code, message string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(queueTable).Set(
		ub.Assign("status", string(StatusFailed)),
		ub.Assign("retry_count", retryCount),
		ub.Assign("error_code", code),
		ub.Assign("last_error", message),
		ub.Assign("completed_at", at.UTC()),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id), ub.Equal("status", string(StatusRunning)))
	return r.exec(ctx, id, ub)
}

// Revert returns a running entry to pending.
func (r *SQLRepository) Revert(ctx context.Context, id string, nextRetryAt, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(queueTable).Set(
		ub.Assign("status", string(StatusPending)),
		ub.Assign("next_retry_at", nextRetryAt.UTC()),
		ub.Assign("started_at", nil),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id), ub.Equal("status", string(StatusRunning)))
	return r.exec(ctx, id, ub)
}

// RevertRunning returns every running entry to pending.
func (r *SQLRepository) RevertRunning(ctx context.Context, at time.Time) (int64, error) {
	ub := database.NewUpdateBuilder()
	ub.Update(queueTable).Set(
		ub.Assign("status", string(StatusPending)),
		ub.Assign("started_at", nil),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("status", string(StatusRunning)))
	query, args := ub.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reverting running entries: %w", err)
	}
	return res.RowsAffected()
}

// ResetFailed makes a failed entry pending again.
func (r *SQLRepository) ResetFailed(ctx context.Context, id string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(queueTable).Set(
		ub.Assign("status", string(StatusPending)),
		ub.Assign("retry_count", 0),
		ub.Assign("next_retry_at", at.UTC()),
		ub.Assign("started_at", nil),
		ub.Assign("completed_at", nil),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id), ub.Equal("status", string(StatusFailed)))
	return r.exec(ctx, id, ub)
}

// CancelPending fails an entry that has not started.
func (r *SQLRepository) CancelPending(ctx context.Context, id string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(queueTable).Set(
		ub.Assign("status", string(StatusFailed)),
		ub.Assign("error_code", CodeCancelled),
		ub.Assign("last_error", "cancelled before it started"),
		ub.Assign("completed_at", at.UTC()),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id), ub.Equal("status", string(StatusPending)))
	return r.exec(ctx, id, ub)
}

// OpenForSchedule counts a schedule's unfinished entries.
func (r *SQLRepository) OpenForSchedule(ctx context.Context, scheduleID string) (int, error) {
	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").From(queueTable).Where(
		sb.Equal("schedule_id", scheduleID),
		sb.In("status", string(StatusPending), string(StatusRunning)),
	)
	query, args := sb.Build()
	var n int
	if err := r.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("counting schedule entries: %w", err)
	}
	return n, nil
}

// exec runs a guarded single-entry update. No affected row means the
// entry is missing or was not in the state the guard requires.
func (r *SQLRepository) exec(ctx context.Context, id string, ub *sqlbuilder.UpdateBuilder) error {
	query, args := ub.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating queue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating queue entry: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidState
}
