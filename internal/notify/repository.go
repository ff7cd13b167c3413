package notify

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
	preferencesTable = "notification_preferences"
	logTable         = "notification_log"

	defaultPageSize = 50
	maxPageSize     = 500
)

var (
	preferenceStruct   = database.NewStruct(new(Preference))
	notificationStruct = database.NewStruct(new(Notification))
)

// Repository persists preferences and the notification log.
type Repository interface {
	// Preferences returns the enabled preferences for one event.
	Preferences(ctx context.Context, organizationID string, event EventType) ([]Preference, error)

	// ListPreferences returns every preference of an organization.
	ListPreferences(ctx context.Context, organizationID string) ([]Preference, error)

	// FindPreference returns the route a notification was created for.
	FindPreference(ctx context.Context, n *Notification) (*Preference, error)

	// PutPreference upserts on (organization, event, channel, target).
	PutPreference(ctx context.Context, p *Preference) error

	DeletePreference(ctx context.Context, organizationID, id string) error

	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	List(ctx context.Context, filter Filter) ([]Notification, int, error)

	// Pending returns undelivered notifications, oldest first.
	Pending(ctx context.Context) ([]Notification, error)

	MarkSent(ctx context.Context, id string, at time.Time) error

	// MarkRetry records a failed attempt that will be retried.
	MarkRetry(ctx context.Context, id string, retryCount int, message string, at time.Time) error

	// MarkFailed records the final failed attempt.
	MarkFailed(ctx context.Context, id string, retryCount int, message string, at time.Time) error
}

// SQLRepository implements Repository using SQLite.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository creates a new SQLite-backed notification repository.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Preferences returns the enabled routes of event.
func (r *SQLRepository) Preferences(ctx context.Context, organizationID string, event EventType) ([]Preference, error) {
	sb := preferenceStruct.SelectFrom(preferencesTable)
	sb.Where(
		sb.Equal("organization_id", organizationID),
		sb.Equal("event_type", string(event)),
		sb.Equal("enabled", true),
	)
	sb.OrderBy("created_at", "id").Asc()
	return r.preferences(ctx, sb)
}

// ListPreferences returns all preferences of an organization.
func (r *SQLRepository) ListPreferences(ctx context.Context, organizationID string) ([]Preference, error) {
	sb := preferenceStruct.SelectFrom(preferencesTable)
	sb.Where(sb.Equal("organization_id", organizationID))
	sb.OrderBy("event_type", "channel", "target").Asc()
	return r.preferences(ctx, sb)
}

func (r *SQLRepository) preferences(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]Preference, error) {
	query, args := sb.Build()
	prefs := []Preference{}
	if err := r.db.SelectContext(ctx, &prefs, query, args...); err != nil {
		return nil, fmt.Errorf("listing notification preferences: %w", err)
	}
	return prefs, nil
}

// FindPreference looks up the preference matching n's route.
func (r *SQLRepository) FindPreference(ctx context.Context, n *Notification) (*Preference, error) {
	sb := preferenceStruct.SelectFrom(preferencesTable)
	sb.Where(
		sb.Equal("organization_id", n.OrganizationID),
		sb.Equal("event_type", string(n.EventType)),
		sb.Equal("channel", string(n.Channel)),
		sb.Equal("target", n.Target),
	)
	query, args := sb.Build()

	var p Preference
	err := r.db.GetContext(ctx, &p, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPreferenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying notification preference: %w", err)
	}
	return &p, nil
}

// PutPreference inserts p or updates the matching route in place.
func (r *SQLRepository) PutPreference(ctx context.Context, p *Preference) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()

	ib := preferenceStruct.InsertInto(preferencesTable, p)
	ib.SQL(`ON CONFLICT (organization_id, event_type, channel, target) DO UPDATE SET
		secret = excluded.secret,
		enabled = excluded.enabled,
		updated_at = excluded.updated_at`)
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("saving notification preference: %w", err)
	}

	// Report the stored identity when an existing route was updated.
	sb := preferenceStruct.SelectFrom(preferencesTable)
	sb.Where(
		sb.Equal("organization_id", p.OrganizationID),
		sb.Equal("event_type", string(p.EventType)),
		sb.Equal("channel", string(p.Channel)),
		sb.Equal("target", p.Target),
	)
	query, args = sb.Build()
	if err := r.db.GetContext(ctx, p, query, args...); err != nil {
		return fmt.Errorf("reading notification preference: %w", err)
	}
	return nil
}

// DeletePreference removes a preference of an organization.
func (r *SQLRepository) DeletePreference(ctx context.Context, organizationID, id string) error {
	db := database.NewDeleteBuilder()
	db.DeleteFrom(preferencesTable).Where(
		db.Equal("id", id),
		db.Equal("organization_id", organizationID),
	)
	query, args := db.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting notification preference: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	} else if n == 0 {
		return ErrPreferenceNotFound
	}
	return nil
}

// Create inserts a pending notification.
func (r *SQLRepository) Create(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.Payload == nil {
		n.Payload = database.JSONMap{}
	}
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.CreatedAt
	n.PartitionMonth = database.PartitionMonth(n.CreatedAt)

	ib := notificationStruct.InsertInto(logTable, n)
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// Get retrieves a notification by ID.
func (r *SQLRepository) Get(ctx context.Context, id string) (*Notification, error) {
	sb := notificationStruct.SelectFrom(logTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var n Notification
	err := r.db.GetContext(ctx, &n, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying notification: %w", err)
	}
	return &n, nil
}

// List returns notifications newest first with the total match count.
func (r *SQLRepository) List(ctx context.Context, filter Filter) ([]Notification, int, error) {
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
	cb.Select("COUNT(*)").From(logTable)
	applyFilter(cb, filter)
	countQuery, countArgs := cb.Build()
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("counting notifications: %w", err)
	}

	sb := notificationStruct.SelectFrom(logTable)
	applyFilter(sb, filter)
	sb.OrderBy("created_at").Desc().Limit(filter.Limit).Offset(filter.Offset)
	list, err := r.list(ctx, sb)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func applyFilter(sb *sqlbuilder.SelectBuilder, filter Filter) {
	if filter.OrganizationID != "" {
		sb.Where(sb.Equal("organization_id", filter.OrganizationID))
	}
	if filter.EventType != "" {
		sb.Where(sb.Equal("event_type", string(filter.EventType)))
	}
	if filter.Channel != "" {
		sb.Where(sb.Equal("channel", string(filter.Channel)))
	}
	if filter.Status != "" {
		sb.Where(sb.Equal("status", string(filter.Status)))
	}
}

// Pending returns notifications still waiting for delivery.
func (r *SQLRepository) Pending(ctx context.Context) ([]Notification, error) {
	sb := notificationStruct.SelectFrom(logTable)
	sb.Where(sb.Equal("status", string(StatusPending)))
	sb.OrderBy("created_at", "id").Asc()
	return r.list(ctx, sb)
}

func (r *SQLRepository) list(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]Notification, error) {
	query, args := sb.Build()
	list := []Notification{}
	if err := r.db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	return list, nil
}

// MarkSent records a delivery.
func (r *SQLRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(logTable).Set(
		ub.Assign("status", string(StatusSent)),
		ub.Assign("last_error", ""),
		ub.Assign("sent_at", at.UTC()),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id), ub.Equal("status", string(StatusPending)))
	return r.exec(ctx, ub)
}

// MarkRetry records a failed attempt and keeps the row pending.
func (r *SQLRepository) MarkRetry(ctx context.Context, id string, retryCount int, message string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(logTable).Set(
		ub.Assign("retry_count", retryCount),
		ub.Assign("last_error", message),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id), ub.Equal("status", string(StatusPending)))
	return r.exec(ctx, ub)
}

// MarkFailed records the final failure.
func (r *SQLRepository) MarkFailed(ctx context.Context, id string, retryCount int, message string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(logTable).Set(
		ub.Assign("status", string(StatusFailed)),
		ub.Assign("retry_count", retryCount),
		ub.Assign("last_error", message),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id), ub.Equal("status", string(StatusPending)))
	return r.exec(ctx, ub)
}

// exec runs a guarded update. No affected row means the notification is
// missing or no longer pending.
func (r *SQLRepository) exec(ctx context.Context, ub *sqlbuilder.UpdateBuilder) error {
	query, args := ub.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
