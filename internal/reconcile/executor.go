package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/conflict"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/tracing"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

// Logger defines the logging interface used by the Executor.
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

// Adapters looks adapters up by integration type.
type Adapters interface {
	For(t integration.Type) (adapter.Adapter, error)
}

// Credentials opens an integration's secrets.
type Credentials interface {
	Credentials(ctx context.Context, id string) (integration.Credentials, error)
}

// SyncLogs stores one summary row per run attempt.
type SyncLogs interface {
	RecordSyncLog(ctx context.Context, l *activity.SyncLog) error
}

// Executor implements syncqueue.Executor.
type Executor struct {
	adapters    Adapters
	credentials Credentials
	devices     *device.Registry
	resolver    *conflict.Resolver
	logs        SyncLogs

	telemetry adapter.TelemetrySink
	backoff   syncqueue.Backoff
	logger    Logger
	tracer    trace.Tracer

	// Now is the clock used for sync times. Tests may replace it.
	Now func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(adapters Adapters, credentials Credentials, devices *device.Registry, resolver *conflict.Resolver, logs SyncLogs) *Executor {
	return &Executor{
		adapters:    adapters,
		credentials: credentials,
		devices:     devices,
		resolver:    resolver,
		logs:        logs,
		backoff:     syncqueue.NewBackoff(0, 0),
		logger:      noopLogger{},
		tracer:      tracing.Tracer("graysync/reconcile"),
		Now:         time.Now,
	}
}

// SetLogger sets the logger for the executor.
func (x *Executor) SetLogger(logger Logger) {
	x.logger = logger
}

// SetTelemetry sets the sink for remote readings. Nil disables telemetry.
func (x *Executor) SetTelemetry(sink adapter.TelemetrySink) {
	x.telemetry = sink
}

// SetBackoff sets the delay used to schedule failed device steps.
func (x *Executor) SetBackoff(b syncqueue.Backoff) {
	x.backoff = b
}

// run is the state of one attempt.
type run struct {
	in        *integration.Integration
	entry     *syncqueue.Entry
	target    adapter.Target
	adapter   adapter.Adapter
	direction integration.Direction
	dryRun    bool
	cancelled func() bool

	result *syncqueue.Result
	worst  *syncerr.Error

	// handled holds device IDs already reconciled in this attempt.
	handled map[string]bool
}

func (r *run) stop() bool {
	if r.result.Cancelled {
		return true
	}
	if r.cancelled != nil && r.cancelled() {
		r.result.Cancelled = true
		return true
	}
	return false
}

// failed records a device step failure and keeps the most severe kind.
func (r *run) failed(err *syncerr.Error) {
	r.result.Failed++
	if r.worst == nil || severity(err.Kind) > severity(r.worst.Kind) {
		r.worst = err
	}
}

func severity(k syncerr.Kind) int {
	switch k {
	case syncerr.KindAuth:
		return 4
	case syncerr.KindValidation:
		return 3
	case syncerr.KindRateLimited:
		return 2
	default:
		return 1
	}
}

// Run performs one attempt of e and writes its sync log.
//
// Device step failures are counted and do not fail the attempt unless
// every processed device failed; the most severe failure is then
// returned so the queue retries or fails the entry.
func (x *Executor) Run(ctx context.Context, in *integration.Integration, e *syncqueue.Entry, cancelled func() bool) (*syncqueue.Result, error) {
	ctx, span := x.tracer.Start(ctx, "reconcile.run", trace.WithAttributes(
		attribute.String("integration.id", in.ID),
		attribute.String("integration.type", string(in.Type)),
		attribute.String("queue.operation", string(e.Operation)),
	))
	defer span.End()

	started := x.Now()
	r := &run{
		in:        in,
		entry:     e,
		dryRun:    e.Payload.DryRun,
		cancelled: cancelled,
		result:    &syncqueue.Result{},
		handled:   make(map[string]bool),
	}
	err := x.run(ctx, r)
	if err == nil && r.result.Failed > 0 && r.result.Succeeded == 0 && r.worst != nil {
		err = r.worst
	}

	x.writeLog(ctx, r, started, err)
	return r.result, err
}

func (x *Executor) run(ctx context.Context, r *run) error {
	ad, err := x.adapters.For(r.in.Type)
	if err != nil {
		return syncerr.Wrap(syncerr.KindValidation, syncqueue.CodeNoAdapter, err)
	}
	creds, err := x.credentials.Credentials(ctx, r.in.ID)
	if err != nil {
		return syncerr.Wrap(syncerr.KindAuth, "CREDENTIALS_UNAVAILABLE", err)
	}
	r.adapter = ad
	r.target = adapter.Target{Integration: r.in, Credentials: creds}

	r.direction = r.in.SyncDirection
	if o := r.entry.Payload.DirectionOverride; o != "" {
		r.direction = o
	}

	pull := r.direction.CanImport() && r.entry.Operation != syncqueue.OperationPush
	push := r.direction.CanExport() && r.entry.Operation != syncqueue.OperationPull
	if !pull && !push {
		x.logger.Debug("sync direction excludes operation",
			"integration_id", r.in.ID,
			"operation", r.entry.Operation,
			"direction", r.direction,
		)
		return nil
	}

	if pull {
		if err := x.pull(ctx, r); err != nil {
			return err
		}
	}
	if push && !r.stop() {
		if err := x.push(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) writeLog(ctx context.Context, r *run, started time.Time, runErr error) {
	res := r.result
	status := activity.RunSuccess
	switch {
	case res.Cancelled:
		status = activity.RunCancelled
	case runErr != nil:
		status = activity.RunFailed
	case res.Failed > 0:
		status = activity.RunPartial
	}

	l := &activity.SyncLog{
		OrganizationID:    r.in.OrganizationID,
		IntegrationID:     r.in.ID,
		QueueEntryID:      r.entry.ID,
		Operation:         string(r.entry.Operation),
		Status:            status,
		StartedAt:         started,
		CompletedAt:       x.Now(),
		DevicesProcessed:  res.Processed,
		DevicesSucceeded:  res.Succeeded,
		DevicesFailed:     res.Failed,
		DevicesCreated:    res.Created,
		DevicesUpdated:    res.Updated,
		DevicesDeleted:    res.Deleted,
		DevicesSkipped:    res.Skipped,
		ConflictsDetected: res.Conflicts,
	}
	if runErr != nil {
		l.ErrorMessage = runErr.Error()
	} else if r.worst != nil {
		l.ErrorMessage = r.worst.Error()
	}
	if err := x.logs.RecordSyncLog(ctx, l); err != nil {
		x.logger.Warn("recording sync log", "integration_id", r.in.ID, "entry_id", r.entry.ID, "error", err)
	}
}

// classify turns an adapter failure into a classified error.
func classify(ad adapter.Adapter, err error) *syncerr.Error {
	if ad != nil {
		if se := ad.TranslateError(err); se != nil {
			return se
		}
	}
	return syncerr.Classify(err)
}

// stepFailed records a failed device step on its assignment and schedules
// the device retry.
func (x *Executor) stepFailed(ctx context.Context, r *run, a *device.Assignment, err error) {
	se := classify(r.adapter, err)
	r.failed(se)

	deviceID := ""
	if a != nil {
		deviceID = a.DeviceID
	}
	x.logger.Warn("device sync failed",
		"integration_id", r.in.ID,
		"device_id", deviceID,
		"error", se,
	)
	if a == nil || r.dryRun {
		return
	}

	now := x.Now()
	var next *time.Time
	if se.Retryable() && a.RetryCount+1 < r.in.MaxRetries {
		at := now.Add(x.backoff.Delay(a.RetryCount, se.RetryAfter))
		next = &at
	}
	if err := x.devices.Assignments().MarkError(ctx, a.ID, se.Error(), next, now); err != nil {
		x.logger.Error("marking assignment error", "assignment_id", a.ID, "error", err)
	}
}

func wrapStep(what string, err error) error {
	return fmt.Errorf("%s: %w", what, err)
}
