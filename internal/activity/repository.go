package activity

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

const (
	activityTable     = "integration_activity_log"
	syncLogTable      = "integration_sync_log"
	notificationTable = "notification_log"

	defaultPageSize = 50
	maxPageSize     = 500
)

var (
	entryStruct   = database.NewStruct(new(Entry))
	syncLogStruct = database.NewStruct(new(SyncLog))
)

// Recorder is the write side used by adapters and the dispatcher.
type Recorder interface {
	RecordActivity(ctx context.Context, e *Entry) error
	RecordSyncLog(ctx context.Context, l *SyncLog) error
}

// Repository stores and queries both logs.
type Repository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRepository creates a log repository over an open database.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// RecordActivity appends an exchange. ID, timestamps, partition and body
// truncation are filled in.
func (r *Repository) RecordActivity(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.PartitionMonth = database.PartitionMonth(e.CreatedAt)
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	e.RequestBody = Truncate(e.RequestBody, MaxBodyBytes)
	e.ResponseBody = Truncate(e.ResponseBody, MaxBodyBytes)

	ib := entryStruct.InsertInto(activityTable, e)
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("recording activity: %w", err)
	}
	return nil
}

// RecordSyncLog appends a run summary.
func (r *Repository) RecordSyncLog(ctx context.Context, l *SyncLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = r.now()
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.StartedAt = l.StartedAt.UTC()
	l.CompletedAt = l.CompletedAt.UTC()
	l.PartitionMonth = database.PartitionMonth(l.StartedAt)

	ib := syncLogStruct.InsertInto(syncLogTable, l)
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("recording sync log: %w", err)
	}
	return nil
}

// ListActivity returns a page of exchanges, newest first.
func (r *Repository) ListActivity(ctx context.Context, f Filter) ([]Entry, error) {
	sb := entryStruct.SelectFrom(activityTable)
	applyFilter(sb, f, true)
	sb.OrderBy("created_at").Desc()
	limit, offset := page(f)
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	entries := []Entry{}
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	return entries, nil
}

// ListSyncLogs returns a page of run summaries, newest first.
func (r *Repository) ListSyncLogs(ctx context.Context, f Filter) ([]SyncLog, error) {
	sb := syncLogStruct.SelectFrom(syncLogTable)
	applyFilter(sb, f, false)
	sb.OrderBy("created_at").Desc()
	limit, offset := page(f)
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	logs := []SyncLog{}
	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("listing sync logs: %w", err)
	}
	return logs, nil
}

// Prune deletes every partition older than months full months before now,
// from the sync log, the activity log and the notification log.
func (r *Repository) Prune(ctx context.Context, months int, now time.Time) (PruneResult, error) {
	var result PruneResult
	if months < 1 {
		return result, fmt.Errorf("retention months must be at least 1")
	}
	cutoff := database.PartitionMonth(monthStart(now).AddDate(0, -months, 0))

	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		seen := map[string]struct{}{}
		for _, table := range []string{syncLogTable, activityTable, notificationTable} {
			sb := database.NewSelectBuilder()
			sb.Distinct().Select("partition_month").From(table).Where(sb.LessThan("partition_month", cutoff))
			query, args := sb.Build()
			var partitions []string
			if err := tx.SelectContext(ctx, &partitions, query, args...); err != nil {
				return fmt.Errorf("listing partitions of %s: %w", table, err)
			}
			for _, m := range partitions {
				if _, ok := seen[m]; !ok {
					seen[m] = struct{}{}
					result.Months = append(result.Months, m)
				}
			}

			db := database.NewDeleteBuilder()
			db.DeleteFrom(table).Where(db.LessThan("partition_month", cutoff))
			query, args = db.Build()
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("pruning %s: %w", table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("counting pruned rows: %w", err)
			}
			switch table {
			case syncLogTable:
				result.SyncLogs = n
			case activityTable:
				result.Activity = n
			case notificationTable:
				result.Notifications = n
			}
		}
		return nil
	})
	return result, err
}

func applyFilter(sb *sqlbuilder.SelectBuilder, f Filter, hasDevice bool) {
	if f.OrganizationID != "" {
		sb.Where(sb.Equal("organization_id", f.OrganizationID))
	}
	if f.IntegrationID != "" {
		sb.Where(sb.Equal("integration_id", f.IntegrationID))
	}
	if hasDevice && f.DeviceID != "" {
		sb.Where(sb.Equal("device_id", f.DeviceID))
	}
	if f.Status != "" {
		sb.Where(sb.Equal("status", f.Status))
	}
	if f.Since != nil {
		sb.Where(sb.GreaterEqualThan("created_at", f.Since.UTC()))
	}
}

func page(f Filter) (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
