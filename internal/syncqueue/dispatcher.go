package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/kafka"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/redis"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/tracing"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

const (
	// DefaultPollInterval is the longest the loop sleeps between polls.
	DefaultPollInterval = 5 * time.Second

	// DefaultMaxWorkers bounds concurrently draining integrations.
	DefaultMaxWorkers = 8

	// DefaultLockTTL is the lifetime of the cross-process integration lock.
	DefaultLockTTL = 5 * time.Minute

	lockPrefix = "integration:"
)

// Event types published to the event stream.
const (
	EventSyncCompleted = "sync.completed"
	EventQueueFailed   = "queue.failed"
)

// Outcomes recorded in metrics.
const (
	outcomeDone      = "done"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// Logger defines the logging interface used by the Dispatcher.
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

// Executor performs the sync work of one entry. cancelled reports whether
// the run should stop at its next per-device step.
//
// A nil error with Failed > 0 is a partial run; the entry still ends done.
type Executor interface {
	Run(ctx context.Context, in *integration.Integration, e *Entry, cancelled func() bool) (*Result, error)
}

// Integrations is the integration registry as seen by the dispatcher.
type Integrations interface {
	Get(ctx context.Context, id string) (*integration.Integration, error)
	RecordSyncOutcome(ctx context.Context, id string, status integration.SyncStatus, message string, at time.Time) error
}

// FailureNotifier is told about entries that reached terminal failure.
type FailureNotifier interface {
	SyncFailed(ctx context.Context, in *integration.Integration, e *Entry)
}

// EventPublisher writes domain events to the event stream.
type EventPublisher interface {
	Publish(ctx context.Context, ev kafka.Event) error
}

// Locker hands out cross-process integration locks.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*redis.Lock, error)
}

// CompletionFunc is called when an entry reaches done or failed.
type CompletionFunc func(ctx context.Context, e *Entry, res *Result)

// Config holds dispatcher settings.
type Config struct {
	PollInterval time.Duration
	MaxWorkers   int
	LockTTL      time.Duration
	Backoff      Backoff
}

// ConfigFrom converts the sync section of the application config.
func ConfigFrom(cfg config.SyncConfig) Config {
	return Config{
		PollInterval: time.Duration(cfg.PollInterval) * time.Second,
		MaxWorkers:   cfg.MaxWorkers,
		LockTTL:      time.Duration(cfg.LockTTL) * time.Second,
		Backoff: NewBackoff(
			time.Duration(cfg.BackoffBase)*time.Second,
			time.Duration(cfg.BackoffCap)*time.Second,
		),
	}
}

// run tracks one in-flight entry.
type run struct {
	cancel   atomic.Bool
	shutdown atomic.Bool
}

func (r *run) cancelled() bool {
	return r.cancel.Load() || r.shutdown.Load()
}

// Dispatcher drains the queue. Each integration with ready work gets one
// drain goroutine that runs its entries strictly one after another;
// different integrations drain concurrently up to MaxWorkers.
type Dispatcher struct {
	repo         Repository
	integrations Integrations
	executor     Executor
	config       Config

	logger   Logger
	notifier FailureNotifier
	events   EventPublisher
	locker   Locker
	tracer   trace.Tracer

	hookMu sync.RWMutex
	hooks  []CompletionFunc

	sem    *semaphore.Weighted
	drains sync.WaitGroup
	wake   chan struct{}

	activeMu sync.Mutex
	active   map[string]bool // integrations being drained
	runs     map[string]*run // in-flight entries by ID

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex

	// Now is the clock used for scheduling. Tests may replace it.
	Now func() time.Time
}

// NewDispatcher creates a dispatcher. Zero config values take defaults.
func NewDispatcher(repo Repository, integrations Integrations, executor Executor, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = NewBackoff(0, 0)
	}

	return &Dispatcher{
		repo:         repo,
		integrations: integrations,
		executor:     executor,
		config:       cfg,
		logger:       noopLogger{},
		tracer:       tracing.Tracer("graysync/syncqueue"),
		sem:          semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		wake:         make(chan struct{}, 1),
		active:       make(map[string]bool),
		runs:         make(map[string]*run),
		Now:          time.Now,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetNotifier sets the receiver of terminal failures.
func (d *Dispatcher) SetNotifier(n FailureNotifier) {
	d.notifier = n
}

// SetEvents sets the domain event publisher.
func (d *Dispatcher) SetEvents(p EventPublisher) {
	d.events = p
}

// SetLocker enables cross-process integration locks.
func (d *Dispatcher) SetLocker(l Locker) {
	d.locker = l
}

// OnComplete registers a callback run for every entry that reaches done
// or failed.
func (d *Dispatcher) OnComplete(fn CompletionFunc) {
	d.hookMu.Lock()
	d.hooks = append(d.hooks, fn)
	d.hookMu.Unlock()
}

// Repository exposes the queue repository.
func (d *Dispatcher) Repository() Repository {
	return d.repo
}

// Enqueue adds an entry and wakes the loop.
func (d *Dispatcher) Enqueue(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = d.Now()
	}
	if err := d.repo.Enqueue(ctx, e); err != nil {
		return err
	}
	d.logger.Debug("queue entry enqueued",
		"id", e.ID,
		"integration_id", e.IntegrationID,
		"operation", e.Operation,
		"source", e.Source,
		"priority", e.Priority,
	)
	d.Wake()
	return nil
}

// OpenForSchedule counts a schedule's pending and running entries.
func (d *Dispatcher) OpenForSchedule(ctx context.Context, scheduleID string) (int, error) {
	return d.repo.OpenForSchedule(ctx, scheduleID)
}

// Retry moves a failed entry back to pending with a fresh retry budget.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*Entry, error) {
	if err := d.repo.ResetFailed(ctx, id, d.Now()); err != nil {
		return nil, err
	}
	d.logger.Info("queue entry reset for retry", "id", id)
	d.Wake()
	return d.repo.Get(ctx, id)
}

// Cancel stops an entry. A running entry is flagged and returns to
// pending at its next cancellation check; a pending entry fails with
// CodeCancelled. Terminal entries return ErrInvalidState.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*Entry, error) {
	d.activeMu.Lock()
	r, ok := d.runs[id]
	d.activeMu.Unlock()
	if ok {
		r.cancel.Store(true)
		d.logger.Info("queue entry cancellation requested", "id", id)
		return d.repo.Get(ctx, id)
	}

	if err := d.repo.CancelPending(ctx, id, d.Now()); err != nil {
		return nil, err
	}
	e, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d.logger.Info("queue entry cancelled", "id", id)
	d.complete(ctx, e, nil)
	return e, nil
}

// Wake asks the loop to poll now.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start reverts entries left running by a previous process and starts the
// dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.stoppedC = make(chan struct{})
	d.mu.Unlock()

	n, err := d.repo.RevertRunning(ctx, d.Now())
	if err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("resuming queue: %w", err)
	}
	if n > 0 {
		d.logger.Info("resumed interrupted queue entries", "count", n)
	}

	go d.loop(ctx)

	d.logger.Info("sync dispatcher started",
		"max_workers", d.config.MaxWorkers,
		"poll_interval", d.config.PollInterval.String(),
	)
	return nil
}

// Stop flags every in-flight run for cancellation and waits for the
// drains to finish or ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("stopping sync dispatcher")

	d.activeMu.Lock()
	for _, r := range d.runs {
		r.shutdown.Store(true)
	}
	d.activeMu.Unlock()

	close(d.stopCh)

	select {
	case <-d.stoppedC:
		d.logger.Info("sync dispatcher stopped")
	case <-ctx.Done():
		d.logger.Warn("sync dispatcher shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the dispatcher is running.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

func (d *Dispatcher) stopping() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// loop polls for ready integrations until stopped. It waits for the next
// ready entry, a wake signal or the poll interval, whichever comes first.
func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.stoppedC)

	for {
		d.dispatch(ctx)

		timer := time.NewTimer(d.nextWait(ctx))
		select {
		case <-d.stopCh:
			timer.Stop()
			d.drains.Wait()
			return
		case <-ctx.Done():
			timer.Stop()
			d.drains.Wait()
			return
		case <-d.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) nextWait(ctx context.Context) time.Duration {
	wait := d.config.PollInterval
	next, err := d.repo.NextReadyAt(ctx)
	if err != nil || next == nil {
		return wait
	}
	until := next.Sub(d.Now())
	if until < 0 {
		// Ready but blocked by a running entry or a full pool; drains
		// wake the loop when they finish.
		return wait
	}
	if until < wait {
		return until
	}
	return wait
}

// dispatch starts a drain for every ready integration not already draining.
func (d *Dispatcher) dispatch(ctx context.Context) {
	if d.stopping() {
		return
	}
	ids, err := d.repo.ReadyIntegrations(ctx, d.Now())
	if err != nil {
		d.logger.Error("listing ready integrations", "error", err)
		return
	}

	for _, id := range ids {
		d.activeMu.Lock()
		busy := d.active[id]
		d.activeMu.Unlock()
		if busy {
			continue
		}
		if !d.sem.TryAcquire(1) {
			return
		}

		d.activeMu.Lock()
		d.active[id] = true
		d.activeMu.Unlock()

		d.drains.Add(1)
		go d.drain(ctx, id)
	}
}

// drain runs an integration's ready entries in order until none is left.
func (d *Dispatcher) drain(ctx context.Context, integrationID string) {
	defer func() {
		d.activeMu.Lock()
		delete(d.active, integrationID)
		d.activeMu.Unlock()
		d.sem.Release(1)
		d.drains.Done()
		d.Wake()
	}()

	lock, ok := d.lock(ctx, integrationID)
	if !ok {
		return
	}
	if lock != nil {
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				d.logger.Warn("releasing integration lock", "integration_id", integrationID, "error", err)
			}
		}()
	}

	for !d.stopping() && ctx.Err() == nil {
		e, err := d.repo.Claim(ctx, integrationID, d.Now())
		if errors.Is(err, ErrNoneReady) {
			return
		}
		if err != nil {
			d.logger.Error("claiming queue entry", "integration_id", integrationID, "error", err)
			return
		}

		d.execute(ctx, e)

		if lock != nil {
			if err := lock.Extend(ctx, d.config.LockTTL); err != nil {
				d.logger.Warn("integration lock lost", "integration_id", integrationID, "error", err)
				return
			}
		}
	}
}

// lock takes the cross-process lock when one is configured. ok is false
// when another process holds it.
func (d *Dispatcher) lock(ctx context.Context, integrationID string) (*redis.Lock, bool) {
	if d.locker == nil {
		return nil, true
	}
	lock, err := d.locker.Acquire(ctx, lockPrefix+integrationID, d.config.LockTTL)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		d.logger.Debug("integration locked by another process", "integration_id", integrationID)
		return nil, false
	}
	if err != nil {
		d.logger.Warn("acquiring integration lock", "integration_id", integrationID, "error", err)
		return nil, false
	}
	return lock, true
}

// execute runs one claimed entry and settles its state.
func (d *Dispatcher) execute(ctx context.Context, e *Entry) {
	ctx, span := d.tracer.Start(ctx, "syncqueue.execute", trace.WithAttributes(
		attribute.String("queue.entry_id", e.ID),
		attribute.String("queue.operation", string(e.Operation)),
		attribute.String("integration.id", e.IntegrationID),
		attribute.Int("queue.retry_count", e.RetryCount),
	))
	defer span.End()

	in, err := d.integrations.Get(ctx, e.IntegrationID)
	if err != nil {
		d.fail(ctx, nil, e, e.RetryCount, syncerr.Wrap(syncerr.KindValidation, CodeIntegError, err))
		return
	}
	if !in.Enabled {
		d.fail(ctx, in, e, e.RetryCount, syncerr.New(syncerr.KindValidation, CodeIntegError, "integration is disabled"))
		return
	}

	r := &run{}
	d.activeMu.Lock()
	d.runs[e.ID] = r
	if d.stopping() {
		r.shutdown.Store(true)
	}
	d.activeMu.Unlock()
	defer func() {
		d.activeMu.Lock()
		delete(d.runs, e.ID)
		d.activeMu.Unlock()
	}()

	d.logger.Info("sync run started",
		"id", e.ID,
		"integration_id", e.IntegrationID,
		"operation", e.Operation,
		"attempt", e.RetryCount+1,
	)

	metrics.QueueRunsInFlight.Inc()
	start := d.Now()
	res, runErr := d.executor.Run(ctx, in, e, r.cancelled)
	metrics.QueueRunsInFlight.Dec()
	metrics.SyncRunDuration.WithLabelValues(string(in.Type), string(e.Operation)).
		Observe(d.Now().Sub(start).Seconds())

	switch {
	case (res != nil && res.Cancelled) || (runErr != nil && r.cancelled()):
		d.revert(ctx, in, e, r.shutdown.Load())
	case runErr != nil && ctx.Err() != nil:
		d.revert(context.WithoutCancel(ctx), in, e, true)
	case runErr == nil:
		d.succeed(ctx, in, e, res)
	default:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		d.settleError(ctx, in, e, syncerr.Classify(runErr))
	}
}

func (d *Dispatcher) revert(ctx context.Context, in *integration.Integration, e *Entry, shutdown bool) {
	now := d.Now()
	next := now
	if !shutdown {
		next = now.Add(d.config.Backoff.Base)
	}
	if err := d.repo.Revert(ctx, e.ID, next, now); err != nil {
		d.logger.Error("reverting cancelled entry", "id", e.ID, "error", err)
		return
	}
	metrics.QueueEntriesTotal.WithLabelValues(string(in.Type), string(e.Operation), outcomeCancelled).Inc()
	d.logger.Info("sync run cancelled", "id", e.ID, "integration_id", e.IntegrationID, "next_retry_at", next)
}

// release returns an entry whose settle write failed to pending so its
// integration is not left with a running row.
func (d *Dispatcher) release(ctx context.Context, e *Entry, now time.Time) {
	next := now.Add(d.config.Backoff.Base)
	if err := d.repo.Revert(context.WithoutCancel(ctx), e.ID, next, now); err != nil {
		d.logger.Error("releasing queue entry", "id", e.ID, "error", err)
		return
	}
	d.logger.Warn("queue entry released after settle failure", "id", e.ID, "next_retry_at", next)
}

func (d *Dispatcher) succeed(ctx context.Context, in *integration.Integration, e *Entry, res *Result) {
	if res == nil {
		res = &Result{}
	}
	now := d.Now()
	if err := d.repo.Complete(ctx, e.ID, now); err != nil {
		d.logger.Error("completing queue entry", "id", e.ID, "error", err)
		d.release(ctx, e, now)
		return
	}
	e.Status = StatusDone
	completed := now.UTC()
	e.CompletedAt = &completed

	status, message := integration.SyncStatusSuccess, ""
	if res.Failed > 0 {
		status = integration.SyncStatusPartial
		message = fmt.Sprintf("%d of %d devices failed", res.Failed, res.Processed)
	}
	if err := d.integrations.RecordSyncOutcome(ctx, in.ID, status, message, now); err != nil {
		d.logger.Warn("recording sync outcome", "integration_id", in.ID, "error", err)
	}

	metrics.QueueEntriesTotal.WithLabelValues(string(in.Type), string(e.Operation), outcomeDone).Inc()
	d.logger.Info("sync run completed",
		"id", e.ID,
		"integration_id", e.IntegrationID,
		"operation", e.Operation,
		"processed", res.Processed,
		"failed", res.Failed,
		"conflicts", res.Conflicts,
	)

	data := res.Data()
	data["entry_id"] = e.ID
	data["operation"] = string(e.Operation)
	data["status"] = string(status)
	d.publish(ctx, kafka.Event{
		Type:           EventSyncCompleted,
		OrganizationID: e.OrganizationID,
		IntegrationID:  e.IntegrationID,
		Data:           data,
		Timestamp:      now,
	})
	d.complete(ctx, e, res)
}

// settleError retries a retryable failure with backoff while budget
// remains; anything else is terminal.
func (d *Dispatcher) settleError(ctx context.Context, in *integration.Integration, e *Entry, se *syncerr.Error) {
	if !se.Retryable() {
		d.fail(ctx, in, e, e.RetryCount, se)
		return
	}

	count := e.RetryCount + 1
	if count >= e.MaxRetries {
		d.fail(ctx, in, e, e.MaxRetries, &syncerr.Error{
			Kind:    se.Kind,
			Code:    CodeExhausted,
			Message: fmt.Sprintf("retries exhausted after %d attempts", count),
			Err:     se,
		})
		return
	}

	now := d.Now()
	next := now.Add(d.config.Backoff.Delay(e.RetryCount, se.RetryAfter))
	if err := d.repo.Retry(ctx, e.ID, count, next, string(se.Kind), se.Error(), now); err != nil {
		d.logger.Error("scheduling queue retry", "id", e.ID, "error", err)
		d.release(ctx, e, now)
		return
	}
	metrics.QueueEntriesTotal.WithLabelValues(string(in.Type), string(e.Operation), outcomeRetried).Inc()
	d.logger.Warn("sync run failed, retrying",
		"id", e.ID,
		"integration_id", e.IntegrationID,
		"retry_count", count,
		"max_retries", e.MaxRetries,
		"next_retry_at", next,
		"error", se,
	)
}

// fail marks the entry terminally failed. in may be nil when the
// integration could not be loaded.
func (d *Dispatcher) fail(ctx context.Context, in *integration.Integration, e *Entry, retryCount int, se *syncerr.Error) {
	now := d.Now()
	code := string(se.Kind)
	switch se.Code {
	case CodeExhausted, CodeIntegError, CodeNoAdapter:
		code = se.Code
	}
	if err := d.repo.Fail(ctx, e.ID, retryCount, code, se.Error(), now); err != nil {
		d.logger.Error("failing queue entry", "id", e.ID, "error", err)
		d.release(ctx, e, now)
		return
	}
	e.Status = StatusFailed
	e.RetryCount = retryCount
	e.ErrorCode = code
	e.LastError = se.Error()
	completed := now.UTC()
	e.CompletedAt = &completed

	integrationType := "unknown"
	if in != nil {
		integrationType = string(in.Type)
		if err := d.integrations.RecordSyncOutcome(ctx, in.ID, integration.SyncStatusError, se.Error(), now); err != nil {
			d.logger.Warn("recording sync outcome", "integration_id", in.ID, "error", err)
		}
		if d.notifier != nil {
			d.notifier.SyncFailed(ctx, in, e)
		}
	}
	metrics.QueueEntriesTotal.WithLabelValues(integrationType, string(e.Operation), outcomeFailed).Inc()

	d.logger.Error("sync run failed",
		"id", e.ID,
		"integration_id", e.IntegrationID,
		"operation", e.Operation,
		"retry_count", retryCount,
		"error_code", code,
		"error", se,
	)

	d.publish(ctx, kafka.Event{
		Type:           EventQueueFailed,
		OrganizationID: e.OrganizationID,
		IntegrationID:  e.IntegrationID,
		Data: map[string]any{
			"entry_id":    e.ID,
			"operation":   string(e.Operation),
			"error_code":  code,
			"error":       se.Error(),
			"retry_count": retryCount,
		},
		Timestamp: now,
	})
	d.complete(ctx, e, nil)
}

func (d *Dispatcher) publish(ctx context.Context, ev kafka.Event) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(ctx, ev); err != nil {
		d.logger.Warn("publishing event", "type", ev.Type, "error", err)
	}
}

func (d *Dispatcher) complete(ctx context.Context, e *Entry, res *Result) {
	d.hookMu.RLock()
	hooks := append([]CompletionFunc(nil), d.hooks...)
	d.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, e, res)
	}
}
