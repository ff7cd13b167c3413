package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

// DefaultTickInterval is used when the configured interval is not positive.
const DefaultTickInterval = 30 * time.Second

// Logger defines the logging interface used by the Scheduler.
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

// Queue is where the scheduler puts work.
type Queue interface {
	Enqueue(ctx context.Context, e *syncqueue.Entry) error
	OpenForSchedule(ctx context.Context, scheduleID string) (int, error)
}

// Integrations is the integration registry as seen by the scheduler.
type Integrations interface {
	Get(ctx context.Context, id string) (*integration.Integration, error)
	List(ctx context.Context, filter integration.ListFilter) ([]integration.Integration, error)
}

// Devices lists the devices mapped to an integration.
type Devices interface {
	ListDevices(ctx context.Context, filter device.ListFilter) ([]device.Device, error)
}

// Adapters resolves the adapter of an integration type.
type Adapters interface {
	For(t integration.Type) (adapter.Adapter, error)
}

// Config holds scheduler settings.
type Config struct {
	TickInterval time.Duration

	// Timezone is used for time windows of schedules without their own.
	Timezone string
}

// ConfigFrom converts the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TickInterval: time.Duration(cfg.Scheduler.TickInterval) * time.Second,
		Timezone:     cfg.Site.Timezone,
	}
}

// SyncRequest describes a manual sync.
type SyncRequest struct {
	DeviceIDs []string
	Direction integration.Direction
	Strategy  integration.Strategy
	DryRun    bool
}

// Scheduler evaluates schedules on a fixed tick and enqueues their work.
//
// All public methods are thread-safe. Tick may also be called directly.
type Scheduler struct {
	repo         Repository
	queue        Queue
	integrations Integrations
	devices      Devices
	assignments  device.AssignmentRepository
	adapters     Adapters
	config       Config
	logger       Logger

	tickMu sync.Mutex // serialises ticks

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex

	// Now is the clock used for scheduling. Tests may replace it.
	Now func() time.Time
}

// New creates a scheduler.
func New(repo Repository, queue Queue, integrations Integrations, devices Devices,
	assignments device.AssignmentRepository, adapters Adapters, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Scheduler{
		repo:         repo,
		queue:        queue,
		integrations: integrations,
		devices:      devices,
		assignments:  assignments,
		adapters:     adapters,
		config:       cfg,
		logger:       noopLogger{},
		Now:          time.Now,
	}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// Get returns the schedule of an integration.
func (s *Scheduler) Get(ctx context.Context, integrationID string) (*Schedule, error) {
	return s.repo.GetByIntegration(ctx, integrationID)
}

// List returns the schedules of an organization.
func (s *Scheduler) List(ctx context.Context, organizationID string) ([]Schedule, error) {
	return s.repo.List(ctx, organizationID)
}

// Configure validates and stores the schedule of an integration, creating
// it when absent. Defaults are applied to zero fields and next_run_at is
// recomputed. A run in progress keeps its state.
func (s *Scheduler) Configure(ctx context.Context, sch *Schedule) (*Schedule, error) {
	in, err := s.integrations.Get(ctx, sch.IntegrationID)
	if err != nil {
		return nil, err
	}
	now := s.Now().UTC()

	existing, err := s.repo.GetByIntegration(ctx, in.ID)
	switch {
	case err == nil:
		sch.ID = existing.ID
		sch.CreatedAt = existing.CreatedAt
		sch.State = existing.State
		sch.LastRunAt = existing.LastRunAt
		sch.LastRunStatus = existing.LastRunStatus
		sch.LastRunSummary = existing.LastRunSummary
	case errors.Is(err, ErrScheduleNotFound):
		sch.ID = uuid.NewString()
		sch.CreatedAt = now
		sch.State = StateIdle
	default:
		return nil, err
	}

	sch.OrganizationID = in.OrganizationID
	if sch.FrequencyMinutes == 0 {
		sch.FrequencyMinutes = DefaultFrequencyMinutes
	}
	if sch.DeviceFilter == "" {
		sch.DeviceFilter = FilterAll
	}
	if sch.ConflictResolution == "" {
		sch.ConflictResolution = in.ConflictStrategy
	}
	sch.DeviceTags = device.NormaliseTags(sch.DeviceTags)
	if err := Validate(sch); err != nil {
		return nil, err
	}
	if err := s.plan(sch, now); err != nil {
		return nil, err
	}
	sch.UpdatedAt = now

	if err := s.repo.Save(ctx, sch); err != nil {
		return nil, err
	}
	s.logger.Info("schedule configured",
		"integration_id", sch.IntegrationID,
		"enabled", sch.Enabled,
		"frequency_minutes", sch.FrequencyMinutes,
	)
	return s.repo.GetByIntegration(ctx, in.ID)
}

// SetEnabled toggles a schedule. Enabling computes a fresh next_run_at.
func (s *Scheduler) SetEnabled(ctx context.Context, integrationID string, enabled bool) (*Schedule, error) {
	sch, err := s.repo.GetByIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	now := s.Now().UTC()
	sch.Enabled = enabled
	if err := s.plan(sch, now); err != nil {
		return nil, err
	}
	sch.UpdatedAt = now
	if err := s.repo.Save(ctx, sch); err != nil {
		return nil, err
	}
	s.logger.Info("schedule toggled", "integration_id", integrationID, "enabled", enabled)
	return sch, nil
}

// Delete removes the schedule of an integration.
func (s *Scheduler) Delete(ctx context.Context, integrationID string) error {
	return s.repo.Delete(ctx, integrationID)
}

// plan sets next_run_at for an enabled schedule and clears it otherwise.
func (s *Scheduler) plan(sch *Schedule, now time.Time) error {
	if !sch.Enabled {
		sch.NextRunAt = nil
		return nil
	}
	next, err := s.nextRun(sch, now)
	if err != nil {
		return err
	}
	sch.NextRunAt = &next
	return nil
}

func (s *Scheduler) nextRun(sch *Schedule, now time.Time) (time.Time, error) {
	loc, err := Location(sch.Timezone, s.config.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	return NextRun(sch, now, loc)
}

// SyncNow enqueues a manual reconcile. Without device IDs the whole
// integration is covered by one entry.
func (s *Scheduler) SyncNow(ctx context.Context, integrationID string, req SyncRequest) ([]syncqueue.Entry, error) {
	in, err := s.integrations.Get(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	ad, err := s.adapters.For(in.Type)
	if err != nil {
		return nil, err
	}

	payload := syncqueue.Payload{
		DirectionOverride: req.Direction,
		StrategyOverride:  req.Strategy,
		DryRun:            req.DryRun,
	}
	var payloads []syncqueue.Payload
	if len(req.DeviceIDs) == 0 {
		payloads = []syncqueue.Payload{payload}
	} else {
		payloads = split(payload, req.DeviceIDs, ad.Capabilities().Batch)
	}

	entries := make([]syncqueue.Entry, 0, len(payloads))
	for _, p := range payloads {
		e := newEntry(in, p, syncqueue.SourceManual, s.Now())
		if err := s.queue.Enqueue(ctx, e); err != nil {
			return entries, err
		}
		entries = append(entries, *e)
	}
	metrics.SchedulerEnqueuedTotal.WithLabelValues(string(syncqueue.SourceManual)).Add(float64(len(entries)))
	s.logger.Info("manual sync queued", "integration_id", in.ID, "entries", len(entries))
	return entries, nil
}

// Tick runs every due schedule and queues due device retries.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.Now().UTC()
	due, err := s.repo.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("listing due schedules: %w", err)
	}

	var errs []error
	for i := range due {
		if err := s.run(ctx, &due[i], now); err != nil {
			s.logger.Error("schedule run failed",
				"integration_id", due[i].IntegrationID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	if err := s.queueRetries(ctx, now); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// run starts one scheduled run.
func (s *Scheduler) run(ctx context.Context, sch *Schedule, now time.Time) error {
	if err := s.repo.SetState(ctx, sch.ID, StateDue, now); err != nil {
		return err
	}

	in, err := s.integrations.Get(ctx, sch.IntegrationID)
	if err != nil {
		return err
	}
	if !in.Enabled {
		s.logger.Debug("skipping schedule of disabled integration", "integration_id", in.ID)
		return s.skip(ctx, sch, now)
	}
	ad, err := s.adapters.For(in.Type)
	if err != nil {
		return err
	}

	payloads, err := s.work(ctx, sch, in, ad.Capabilities().Batch)
	if err != nil {
		return err
	}

	if err := s.repo.StartRun(ctx, sch.ID, now); err != nil {
		return err
	}
	sch.LastRunAt = &now

	scheduleID := sch.ID
	queued := 0
	for _, p := range payloads {
		e := newEntry(in, p, syncqueue.SourceScheduled, now)
		e.ScheduleID = &scheduleID
		if err := s.queue.Enqueue(ctx, e); err != nil {
			s.logger.Error("enqueueing scheduled entry", "integration_id", in.ID, "error", err)
			continue
		}
		queued++
	}
	metrics.SchedulerEnqueuedTotal.WithLabelValues(string(syncqueue.SourceScheduled)).Add(float64(queued))

	s.logger.Info("scheduled sync started",
		"integration_id", in.ID,
		"schedule_id", sch.ID,
		"entries", queued,
	)
	if queued == 0 {
		status := RunSuccess
		if len(payloads) > 0 {
			status = RunFailed
		}
		return s.finish(ctx, sch, status, now)
	}
	return nil
}

// work builds the payloads of a scheduled run.
func (s *Scheduler) work(ctx context.Context, sch *Schedule, in *integration.Integration, batch bool) ([]syncqueue.Payload, error) {
	sel, err := NewSelector(sch)
	if err != nil {
		return nil, err
	}
	base := syncqueue.Payload{
		DirectionOverride: sch.Direction,
		StrategyOverride:  sch.ConflictResolution,
	}

	devices, err := s.devices.ListDevices(ctx, device.ListFilter{
		OrganizationID: in.OrganizationID,
		IntegrationID:  in.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	// An unfiltered run covers the whole integration, so new remote
	// devices are discovered too.
	if sel.All() && (batch || len(devices) == 0) {
		return []syncqueue.Payload{base}, nil
	}

	matched := sel.Select(devices)
	if len(matched) == 0 {
		return nil, nil
	}
	ids := make([]string, len(matched))
	for i := range matched {
		ids[i] = matched[i].ID
	}
	return split(base, ids, batch), nil
}

// split returns one payload naming every device for batch adapters and
// one payload per device otherwise.
func split(base syncqueue.Payload, deviceIDs []string, batch bool) []syncqueue.Payload {
	if batch {
		p := base
		p.DeviceIDs = append([]string(nil), deviceIDs...)
		return []syncqueue.Payload{p}
	}
	out := make([]syncqueue.Payload, len(deviceIDs))
	for i, id := range deviceIDs {
		p := base
		p.DeviceIDs = []string{id}
		out[i] = p
	}
	return out
}

func newEntry(in *integration.Integration, p syncqueue.Payload, src syncqueue.Source, now time.Time) *syncqueue.Entry {
	return &syncqueue.Entry{
		OrganizationID: in.OrganizationID,
		IntegrationID:  in.ID,
		Operation:      syncqueue.OperationReconcile,
		Payload:        p,
		Priority:       syncqueue.PriorityFor(src),
		Source:         src,
		MaxRetries:     in.MaxRetries,
		CreatedAt:      now.UTC(),
	}
}

// skip advances a schedule without running it.
func (s *Scheduler) skip(ctx context.Context, sch *Schedule, now time.Time) error {
	next, err := s.nextRun(sch, now.Add(sch.Frequency()))
	if err != nil {
		return err
	}
	sch.State = StateIdle
	sch.NextRunAt = &next
	sch.UpdatedAt = now
	return s.repo.Save(ctx, sch)
}

func (s *Scheduler) finish(ctx context.Context, sch *Schedule, status RunStatus, now time.Time) error {
	var next *time.Time
	if sch.Enabled {
		n, err := s.nextRun(sch, now)
		if err != nil {
			return err
		}
		next = &n
	}
	if err := s.repo.FinishRun(ctx, sch.ID, status, next, now); err != nil {
		return err
	}
	s.logger.Info("scheduled sync finished",
		"integration_id", sch.IntegrationID,
		"status", status,
	)
	return nil
}

// queueRetries enqueues device retries whose backoff has elapsed.
func (s *Scheduler) queueRetries(ctx context.Context, now time.Time) error {
	enabled := true
	integrations, err := s.integrations.List(ctx, integration.ListFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("listing integrations: %w", err)
	}

	queued := 0
	for i := range integrations {
		in := &integrations[i]
		due, err := s.assignments.ListDueRetries(ctx, in.ID, now, in.MaxRetries)
		if err != nil {
			s.logger.Error("listing due retries", "integration_id", in.ID, "error", err)
			continue
		}
		for _, a := range due {
			e := newEntry(in, syncqueue.Payload{DeviceIDs: []string{a.DeviceID}}, syncqueue.SourceRetry, now)
			if err := s.queue.Enqueue(ctx, e); err != nil {
				s.logger.Error("enqueueing device retry", "device_id", a.DeviceID, "error", err)
				continue
			}
			if err := s.assignments.ClearRetry(ctx, a.ID, now); err != nil {
				s.logger.Warn("clearing device retry", "assignment_id", a.ID, "error", err)
			}
			queued++
		}
	}
	if queued > 0 {
		metrics.SchedulerEnqueuedTotal.WithLabelValues(string(syncqueue.SourceRetry)).Add(float64(queued))
		s.logger.Info("device retries queued", "count", queued)
	}
	return nil
}

// OnComplete folds a finished entry into its schedule's run. Register it
// with the dispatcher.
func (s *Scheduler) OnComplete(ctx context.Context, e *syncqueue.Entry, res *syncqueue.Result) {
	if e.ScheduleID == nil {
		return
	}
	id := *e.ScheduleID
	now := s.Now().UTC()

	var delta Summary
	if res != nil {
		delta = Summary{
			Synced:  res.Succeeded,
			Created: res.Created,
			Updated: res.Updated,
			Skipped: res.Skipped,
			Errors:  res.Failed,
		}
	}
	if e.Status == syncqueue.StatusFailed {
		delta.Errors++
	}
	if err := s.repo.AddToSummary(ctx, id, delta, now); err != nil {
		s.logger.Error("updating schedule summary", "schedule_id", id, "error", err)
		return
	}
	if err := s.settle(ctx, e.IntegrationID, now); err != nil {
		s.logger.Error("settling schedule", "schedule_id", id, "error", err)
	}
}

// settle finishes a running schedule once none of its entries are open.
func (s *Scheduler) settle(ctx context.Context, integrationID string, now time.Time) error {
	sch, err := s.repo.GetByIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	if sch.State != StateRunning {
		return nil
	}
	open, err := s.queue.OpenForSchedule(ctx, sch.ID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	return s.finish(ctx, sch, sch.LastRunSummary.Status(), now)
}

// Recover settles schedules left running by a previous process whose
// entries have all finished.
func (s *Scheduler) Recover(ctx context.Context) error {
	running, err := s.repo.ListRunning(ctx)
	if err != nil {
		return err
	}
	now := s.Now().UTC()
	for i := range running {
		if err := s.settle(ctx, running[i].IntegrationID, now); err != nil {
			s.logger.Warn("recovering schedule", "schedule_id", running[i].ID, "error", err)
		}
	}
	return nil
}

// Start recovers interrupted runs and starts the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedC = make(chan struct{})
	s.mu.Unlock()

	if err := s.Recover(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("recovering schedules: %w", err)
	}

	go s.loop(ctx)

	s.logger.Info("scheduler started", "tick_interval", s.config.TickInterval.String())
	return nil
}

// Stop ends the tick loop, waiting for a tick in progress.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the tick loop is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick", "error", err)
		}
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
