package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/conflict"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

// Defaults for zero config values.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 30 * time.Second
	DefaultQueueSize  = 256
)

// Logger defines the logging interface used by the Notifier.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds notifier settings.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	QueueSize  int
}

// ConfigFrom converts the notifications section of the application config.
func ConfigFrom(cfg config.NotificationsConfig) Config {
	return Config{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: time.Duration(cfg.RetryDelay) * time.Second,
		QueueSize:  cfg.QueueSize,
	}
}

// Notifier fans events out to the channels organizations subscribed to.
//
// Notify writes one pending row per route and hands it to the worker.
// Failed attempts stay pending until max_retries is spent; the worker
// retries them once RetryDelay has passed since the last attempt.
type Notifier struct {
	repo    Repository
	senders map[Channel]Sender
	config  Config
	logger  Logger

	queue    chan string
	queuedMu sync.Mutex
	queued   map[string]bool // IDs in the queue or being delivered

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// NewNotifier creates a notifier delivering through senders.
func NewNotifier(repo Repository, cfg Config, senders ...Sender) *Notifier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	n := &Notifier{
		repo:    repo,
		senders: make(map[Channel]Sender, len(senders)),
		config:  cfg,
		logger:  noopLogger{},
		queue:   make(chan string, cfg.QueueSize),
		queued:  make(map[string]bool),
		Now:     time.Now,
	}
	for _, s := range senders {
		n.senders[s.Channel()] = s
	}
	return n
}

// SetLogger sets the logger for the notifier.
func (n *Notifier) SetLogger(logger Logger) {
	n.logger = logger
}

// Notify records one notification per enabled route of msg's event and
// queues them for delivery.
func (n *Notifier) Notify(ctx context.Context, msg *Message) ([]Notification, error) {
	prefs, err := n.repo.Preferences(ctx, msg.OrganizationID, msg.EventType)
	if err != nil {
		return nil, err
	}

	now := n.Now().UTC()
	created := make([]Notification, 0, len(prefs))
	for _, p := range prefs {
		row := &Notification{
			OrganizationID: msg.OrganizationID,
			EventType:      msg.EventType,
			Channel:        p.Channel,
			Target:         p.Target,
			Subject:        msg.Subject,
			Message:        msg.Body,
			Payload:        msg.Data,
			MaxRetries:     n.config.MaxRetries,
			CreatedAt:      now,
		}
		if err := n.repo.Create(ctx, row); err != nil {
			return created, err
		}
		created = append(created, *row)
		n.submit(row.ID)
	}
	if len(created) > 0 {
		n.logger.Debug("notifications queued",
			"organization_id", msg.OrganizationID,
			"event_type", msg.EventType,
			"count", len(created),
		)
	}
	return created, nil
}

// Deliver makes one attempt at a pending notification. A notification that
// is no longer pending is left alone.
func (n *Notifier) Deliver(ctx context.Context, id string) error {
	row, err := n.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if row.Status != StatusPending {
		return nil
	}

	sender, ok := n.senders[row.Channel]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrChannelUnavailable, row.Channel)
		n.settle(ctx, row, err, true)
		return err
	}

	var secret string
	if p, err := n.repo.FindPreference(ctx, row); err == nil {
		secret = p.Secret
	} else if !errors.Is(err, ErrPreferenceNotFound) {
		n.logger.Warn("looking up notification preference", "id", row.ID, "error", err)
	}

	if err := sender.Send(ctx, row, secret); err != nil {
		final := errors.Is(err, ErrChannelUnavailable)
		n.settle(ctx, row, err, final)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	if err := n.repo.MarkSent(ctx, row.ID, n.Now()); err != nil {
		return err
	}
	metrics.NotificationsTotal.WithLabelValues(string(row.Channel), string(StatusSent)).Inc()
	n.logger.Info("notification sent",
		"id", row.ID,
		"channel", row.Channel,
		"event_type", row.EventType,
	)
	return nil
}

// settle records a failed attempt. The row fails for good when final is
// set or its retries are spent.
func (n *Notifier) settle(ctx context.Context, row *Notification, cause error, final bool) {
	now := n.Now()
	if !final && row.RetryCount < row.MaxRetries {
		if err := n.repo.MarkRetry(ctx, row.ID, row.RetryCount+1, cause.Error(), now); err != nil {
			n.logger.Error("recording notification retry", "id", row.ID, "error", err)
		}
		metrics.NotificationsTotal.WithLabelValues(string(row.Channel), "retry").Inc()
		n.logger.Warn("notification attempt failed",
			"id", row.ID,
			"channel", row.Channel,
			"retry_count", row.RetryCount+1,
			"error", cause,
		)
		return
	}

	if err := n.repo.MarkFailed(ctx, row.ID, row.RetryCount, cause.Error(), now); err != nil {
		n.logger.Error("failing notification", "id", row.ID, "error", err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(row.Channel), string(StatusFailed)).Inc()
	n.logger.Error("notification failed",
		"id", row.ID,
		"channel", row.Channel,
		"retry_count", row.RetryCount,
		"error", cause,
	)
}

// submit hands id to the worker unless it is already queued. A full queue
// leaves the row pending for the next sweep.
func (n *Notifier) submit(id string) {
	n.queuedMu.Lock()
	defer n.queuedMu.Unlock()
	if n.queued[id] {
		return
	}
	select {
	case n.queue <- id:
		n.queued[id] = true
	default:
		n.logger.Warn("notification queue full", "id", id)
	}
}

func (n *Notifier) done(id string) {
	n.queuedMu.Lock()
	delete(n.queued, id)
	n.queuedMu.Unlock()
}

// sweep queues pending rows. Rows that already failed an attempt wait
// RetryDelay after it unless all is set.
func (n *Notifier) sweep(ctx context.Context, all bool) {
	pending, err := n.repo.Pending(ctx)
	if err != nil {
		n.logger.Error("listing pending notifications", "error", err)
		return
	}
	cutoff := n.Now().Add(-n.config.RetryDelay)
	for i := range pending {
		row := &pending[i]
		if !all && row.RetryCount > 0 && row.UpdatedAt.After(cutoff) {
			continue
		}
		n.submit(row.ID)
	}
}

// Start resumes pending notifications and starts the delivery worker.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	n.running = true
	n.stopCh = make(chan struct{})
	n.stoppedC = make(chan struct{})
	n.mu.Unlock()

	n.sweep(ctx, true)
	go n.loop(ctx)

	n.logger.Info("notifier started",
		"channels", len(n.senders),
		"max_retries", n.config.MaxRetries,
	)
	return nil
}

// Stop ends the worker after the delivery in progress.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	close(n.stopCh)

	select {
	case <-n.stoppedC:
		n.logger.Info("notifier stopped")
	case <-ctx.Done():
		n.logger.Warn("notifier shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the worker is running.
func (n *Notifier) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

func (n *Notifier) loop(ctx context.Context) {
	defer close(n.stoppedC)

	ticker := time.NewTicker(n.config.RetryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ctx.Done():
			return
		case id := <-n.queue:
			if err := n.Deliver(ctx, id); err != nil {
				n.logger.Debug("notification delivery", "id", id, "error", err)
			}
			n.done(id)
		case <-ticker.C:
			n.sweep(ctx, false)
		}
	}
}

// ConflictCreated implements conflict.Publisher.
func (n *Notifier) ConflictCreated(ctx context.Context, c *conflict.Conflict) {
	msg := &Message{
		OrganizationID: c.OrganizationID,
		EventType:      EventConflictCreated,
		Subject:        "Device conflict needs review",
		Body: fmt.Sprintf("Field %q of device %s differs from integration %s (%s).",
			c.FieldName, c.DeviceID, c.IntegrationID, c.ConflictType),
		Data: database.JSONMap{
			"conflict_id":    c.ID,
			"device_id":      c.DeviceID,
			"integration_id": c.IntegrationID,
			"field_name":     c.FieldName,
			"conflict_type":  string(c.ConflictType),
		},
	}
	if _, err := n.Notify(ctx, msg); err != nil {
		n.logger.Error("notifying conflict", "conflict_id", c.ID, "error", err)
	}
}

// SyncFailed implements syncqueue.FailureNotifier. Failures caused by the
// integration itself also raise integration_error.
func (n *Notifier) SyncFailed(ctx context.Context, in *integration.Integration, e *syncqueue.Entry) {
	data := database.JSONMap{
		"entry_id":         e.ID,
		"integration_id":   in.ID,
		"integration_name": in.Name,
		"integration_type": string(in.Type),
		"operation":        string(e.Operation),
		"error_code":       e.ErrorCode,
		"error":            e.LastError,
		"retry_count":      e.RetryCount,
	}
	msgs := []*Message{{
		OrganizationID: in.OrganizationID,
		EventType:      EventSyncFailed,
		Subject:        fmt.Sprintf("Sync failed for %s", in.Name),
		Body: fmt.Sprintf("The %s of integration %s failed after %d retries: %s",
			e.Operation, in.Name, e.RetryCount, e.LastError),
		Data: data,
	}}
	if integrationFault(e.ErrorCode) {
		msgs = append(msgs, &Message{
			OrganizationID: in.OrganizationID,
			EventType:      EventIntegrationError,
			Subject:        fmt.Sprintf("Integration %s needs attention", in.Name),
			Body:           fmt.Sprintf("Integration %s cannot sync: %s", in.Name, e.LastError),
			Data:           data,
		})
	}
	for _, msg := range msgs {
		if _, err := n.Notify(ctx, msg); err != nil {
			n.logger.Error("notifying sync failure", "entry_id", e.ID, "event_type", msg.EventType, "error", err)
		}
	}
}

func integrationFault(code string) bool {
	switch code {
	case string(syncerr.KindAuth), syncqueue.CodeIntegError, syncqueue.CodeNoAdapter:
		return true
	}
	return false
}

// PutPreference validates and stores a route.
func (n *Notifier) PutPreference(ctx context.Context, p *Preference) error {
	p.Target = strings.TrimSpace(p.Target)
	if err := p.Validate(); err != nil {
		return err
	}
	now := n.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return n.repo.PutPreference(ctx, p)
}

// Preferences returns an organization's routes.
func (n *Notifier) Preferences(ctx context.Context, organizationID string) ([]Preference, error) {
	return n.repo.ListPreferences(ctx, organizationID)
}

// DeletePreference removes a route.
func (n *Notifier) DeletePreference(ctx context.Context, organizationID, id string) error {
	return n.repo.DeletePreference(ctx, organizationID, id)
}

// List returns the notification log.
func (n *Notifier) List(ctx context.Context, filter Filter) ([]Notification, int, error) {
	return n.repo.List(ctx, filter)
}
