package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// 16:58 on a Wednesday, two minutes before a 09:00-17:00 window closes.
var t0 = time.Date(2026, 10, 14, 16, 58, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// stubAdapter only reports capabilities; the scheduler never calls a platform.
type stubAdapter struct {
	adapter.Adapter
	caps adapter.Capabilities
}

func (s *stubAdapter) Type() integration.Type { return integration.TypeGolioth }

func (s *stubAdapter) Capabilities() adapter.Capabilities { return s.caps }

type fixture struct {
	clock        *clock
	integrations *integration.Registry
	registry     *device.Registry
	queue        *syncqueue.SQLRepository
	repo         *SQLRepository
	sched        *Scheduler
	in           *integration.Integration
}

func newFixture(t *testing.T, batch bool) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)
	clk := &clock{now: t0}

	sealer, err := integration.NewSealer(testSecret)
	require.NoError(t, err)
	integrations := integration.NewRegistry(integration.NewSQLRepository(db.DB), sealer)
	integrations.Now = clk.Now

	in := &integration.Integration{
		ID:               "int-1",
		OrganizationID:   "org-1",
		Name:             "fleet",
		Type:             integration.TypeGolioth,
		Settings:         database.JSONMap{integration.SettingProjectID: "fleet"},
		SyncDirection:    integration.DirectionBidirectional,
		ConflictStrategy: integration.StrategyNewestWins,
		MaxRetries:       5,
		Enabled:          true,
	}
	require.NoError(t, integrations.Create(ctx, in, integration.Credentials{integration.CredAPIKey: "key-1"}))

	registry := device.NewRegistry(
		device.NewSQLRepository(db.DB),
		device.NewSQLAssignmentRepository(db.DB),
		device.NewSQLFirmwareRepository(db.DB),
	)
	registry.Now = clk.Now

	queue := syncqueue.NewSQLRepository(db.DB)
	repo := NewSQLRepository(db.DB)
	ad := &stubAdapter{caps: adapter.Capabilities{List: true, Get: true, Push: true, Batch: batch}}

	s := New(repo, queue, integrations, registry, registry.Assignments(), adapter.NewSet(ad), Config{Timezone: "UTC"})
	s.Now = clk.Now

	return &fixture{
		clock:        clk,
		integrations: integrations,
		registry:     registry,
		queue:        queue,
		repo:         repo,
		sched:        s,
		in:           in,
	}
}

// mapped creates a device assigned to the integration.
func (f *fixture) mapped(t *testing.T, name string, status device.Status, tags ...string) *device.Device {
	t.Helper()
	ctx := context.Background()
	d := &device.Device{
		OrganizationID: f.in.OrganizationID,
		Name:           name,
		DeviceType:     "sensor",
		Status:         status,
		Tags:           tags,
	}
	require.NoError(t, f.registry.CreateDevice(ctx, d))
	require.NoError(t, f.registry.Assign(ctx, &device.Assignment{
		DeviceID:         d.ID,
		IntegrationID:    f.in.ID,
		ExternalDeviceID: "ext-" + name,
	}))
	return d
}

func (f *fixture) configure(t *testing.T, s Schedule) *Schedule {
	t.Helper()
	s.IntegrationID = f.in.ID
	s.Enabled = true
	out, err := f.sched.Configure(context.Background(), &s)
	require.NoError(t, err)
	return out
}

func (f *fixture) entries(t *testing.T) []syncqueue.Entry {
	t.Helper()
	list, _, err := f.queue.List(context.Background(), syncqueue.Filter{IntegrationID: f.in.ID, Limit: 500})
	require.NoError(t, err)
	return list
}

func (f *fixture) schedule(t *testing.T) *Schedule {
	t.Helper()
	s, err := f.sched.Get(context.Background(), f.in.ID)
	require.NoError(t, err)
	return s
}

// finishNext claims the next entry, settles it and reports completion the
// way the dispatcher does.
func (f *fixture) finishNext(t *testing.T, res *syncqueue.Result, failed bool) {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	e, err := f.queue.Claim(ctx, f.in.ID, now)
	require.NoError(t, err)
	if failed {
		require.NoError(t, f.queue.Fail(ctx, e.ID, 0, "AuthError", "unauthorized", now))
		res = nil
	} else {
		require.NoError(t, f.queue.Complete(ctx, e.ID, now))
	}
	done, err := f.queue.Get(ctx, e.ID)
	require.NoError(t, err)
	f.sched.OnComplete(ctx, done, res)
}

func deviceSets(entries []syncqueue.Entry) [][]string {
	out := make([][]string, len(entries))
	for i := range entries {
		out[i] = entries[i].Payload.DeviceIDs
	}
	return out
}

func TestConfigure_AppliesDefaults(t *testing.T) {
	f := newFixture(t, true)

	s := f.configure(t, Schedule{
		TimeWindowEnabled: true,
		TimeWindowStart:   "09:00",
		TimeWindowEnd:     "17:00",
	})

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "org-1", s.OrganizationID)
	assert.Equal(t, DefaultFrequencyMinutes, s.FrequencyMinutes)
	assert.Equal(t, FilterAll, s.DeviceFilter)
	assert.Equal(t, integration.StrategyNewestWins, s.ConflictResolution)
	assert.Equal(t, StateIdle, s.State)
	require.NotNil(t, s.NextRunAt)
	assert.True(t, t0.Equal(*s.NextRunAt), "first run is due immediately inside the window")

	// Reconfiguring keeps the identity.
	again := f.configure(t, Schedule{FrequencyMinutes: 15})
	assert.Equal(t, s.ID, again.ID)
	assert.Equal(t, 15, again.FrequencyMinutes)
	assert.False(t, again.TimeWindowEnabled)
}

func TestConfigure_RejectsInvalid(t *testing.T) {
	f := newFixture(t, true)

	tests := []struct {
		name string
		s    Schedule
		want error
	}{
		{"frequency", Schedule{FrequencyMinutes: -5}, ErrInvalidSchedule},
		{"too rare", Schedule{FrequencyMinutes: maxFrequencyMinutes + 1}, ErrInvalidSchedule},
		{"tagged without tags", Schedule{DeviceFilter: FilterTagged}, ErrInvalidSchedule},
		{"unknown filter", Schedule{DeviceFilter: "some"}, ErrInvalidSchedule},
		{"window", Schedule{TimeWindowEnabled: true, TimeWindowStart: "9am", TimeWindowEnd: "17:00"}, ErrInvalidWindow},
		{"timezone", Schedule{Timezone: "Nowhere/Land"}, ErrInvalidTimezone},
		{"expression", Schedule{FilterExpression: "[?"}, ErrInvalidFilter},
		{"strategy", Schedule{ConflictResolution: integration.StrategyMerge}, ErrInvalidSchedule},
		{"direction", Schedule{Direction: integration.DirectionOff}, ErrInvalidSchedule},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.s.IntegrationID = f.in.ID
			_, err := f.sched.Configure(context.Background(), &tc.s)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := f.sched.Get(context.Background(), f.in.ID)
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestTick_BatchAdapterQueuesOneEntry(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.mapped(t, "roof", device.StatusOnline, "roof")
	f.mapped(t, "cellar", device.StatusOffline)
	s := f.configure(t, Schedule{Direction: integration.DirectionImport, ConflictResolution: integration.StrategyRemoteWins})

	require.NoError(t, f.sched.Tick(ctx))

	entries := f.entries(t)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, syncqueue.OperationReconcile, e.Operation)
	assert.Equal(t, syncqueue.SourceScheduled, e.Source)
	assert.Equal(t, syncqueue.PriorityScheduled, e.Priority)
	assert.True(t, e.Payload.AllDevices())
	assert.Equal(t, integration.DirectionImport, e.Payload.DirectionOverride)
	assert.Equal(t, integration.StrategyRemoteWins, e.Payload.StrategyOverride)
	assert.Equal(t, 5, e.MaxRetries)
	require.NotNil(t, e.ScheduleID)
	assert.Equal(t, s.ID, *e.ScheduleID)

	got := f.schedule(t)
	assert.Equal(t, StateRunning, got.State)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, t0.Equal(*got.LastRunAt))

	// A running schedule is not picked up again.
	require.NoError(t, f.sched.Tick(ctx))
	assert.Len(t, f.entries(t), 1)
}

func TestTick_PerDeviceEntriesFollowFilters(t *testing.T) {
	f := newFixture(t, false)
	roof := f.mapped(t, "roof", device.StatusOnline, "roof")
	solar := f.mapped(t, "solar", device.StatusOnline, "Solar")
	f.mapped(t, "cellar", device.StatusOnline, "cellar")
	f.mapped(t, "attic", device.StatusOffline, "roof")
	f.configure(t, Schedule{
		DeviceFilter: FilterTagged,
		DeviceTags:   []string{"roof", "solar"},
		OnlyOnline:   true,
	})

	require.NoError(t, f.sched.Tick(context.Background()))

	assert.ElementsMatch(t, [][]string{{roof.ID}, {solar.ID}}, deviceSets(f.entries(t)))
}

func TestTick_BatchAdapterNamesFilteredDevices(t *testing.T) {
	f := newFixture(t, true)
	roof := f.mapped(t, "roof", device.StatusOnline, "roof")
	f.mapped(t, "cellar", device.StatusOffline, "cellar")
	f.configure(t, Schedule{FilterExpression: "status == 'online'"})

	require.NoError(t, f.sched.Tick(context.Background()))

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{roof.ID}, entries[0].Payload.DeviceIDs)
}

func TestTick_NoMatchingDevicesFinishesRun(t *testing.T) {
	f := newFixture(t, false)
	f.mapped(t, "cellar", device.StatusOffline, "cellar")
	f.configure(t, Schedule{DeviceFilter: FilterTagged, DeviceTags: []string{"roof"}})

	require.NoError(t, f.sched.Tick(context.Background()))

	assert.Empty(t, f.entries(t))
	got := f.schedule(t)
	assert.Equal(t, StateIdle, got.State)
	assert.Equal(t, RunSuccess, got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, t0.Add(time.Hour).Equal(*got.NextRunAt))
}

func TestTick_NotDueYet(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t, Schedule{
		TimeWindowEnabled: true,
		TimeWindowStart:   "18:00",
		TimeWindowEnd:     "20:00",
	})

	require.NoError(t, f.sched.Tick(context.Background()))
	assert.Empty(t, f.entries(t))

	f.clock.Set(time.Date(2026, 10, 14, 18, 0, 0, 0, time.UTC))
	require.NoError(t, f.sched.Tick(context.Background()))
	assert.Len(t, f.entries(t), 1)
}

func TestOnComplete_SettlesAfterLastEntry(t *testing.T) {
	f := newFixture(t, false)
	f.mapped(t, "roof", device.StatusOnline)
	f.mapped(t, "cellar", device.StatusOnline)
	f.configure(t, Schedule{
		TimeWindowEnabled: true,
		TimeWindowStart:   "09:00",
		TimeWindowEnd:     "17:00",
	})

	require.NoError(t, f.sched.Tick(context.Background()))
	require.Len(t, f.entries(t), 2)

	f.clock.Set(t0.Add(time.Minute))
	f.finishNext(t, &syncqueue.Result{Processed: 1, Succeeded: 1, Updated: 1}, false)

	got := f.schedule(t)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, Summary{Synced: 1, Updated: 1}, got.LastRunSummary)

	f.finishNext(t, nil, true)

	got = f.schedule(t)
	assert.Equal(t, StateIdle, got.State)
	assert.Equal(t, Summary{Synced: 1, Updated: 1, Errors: 1}, got.LastRunSummary)
	assert.Equal(t, RunPartial, got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	// 16:58 plus an hour leaves the window, so the next run waits for it to reopen.
	assert.True(t, time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC).Equal(*got.NextRunAt), "next run %s", got.NextRunAt)
}

func TestOnComplete_IgnoresUnscheduledEntries(t *testing.T) {
	f := newFixture(t, true)
	f.configure(t, Schedule{})

	_, err := f.sched.SyncNow(context.Background(), f.in.ID, SyncRequest{})
	require.NoError(t, err)
	f.finishNext(t, &syncqueue.Result{Succeeded: 3}, false)

	got := f.schedule(t)
	assert.Equal(t, StateIdle, got.State)
	assert.Equal(t, Summary{}, got.LastRunSummary)
}

func TestTick_QueuesDueDeviceRetriesOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	d := f.mapped(t, "roof", device.StatusOnline)
	a, err := f.registry.Assignments().Get(ctx, d.ID, f.in.ID)
	require.NoError(t, err)

	retryAt := t0.Add(30 * time.Second)
	require.NoError(t, f.registry.Assignments().MarkError(ctx, a.ID, "timeout", &retryAt, t0))

	require.NoError(t, f.sched.Tick(ctx))
	assert.Empty(t, f.entries(t), "retry not due yet")

	f.clock.Set(t0.Add(time.Minute))
	require.NoError(t, f.sched.Tick(ctx))
	require.NoError(t, f.sched.Tick(ctx))

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, syncqueue.SourceRetry, entries[0].Source)
	assert.Equal(t, syncqueue.PriorityRetry, entries[0].Priority)
	assert.Equal(t, []string{d.ID}, entries[0].Payload.DeviceIDs)
	assert.Nil(t, entries[0].ScheduleID)
}

func TestSyncNow(t *testing.T) {
	t.Run("whole integration", func(t *testing.T) {
		f := newFixture(t, false)
		f.mapped(t, "roof", device.StatusOnline)

		entries, err := f.sched.SyncNow(context.Background(), f.in.ID, SyncRequest{DryRun: true})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, syncqueue.SourceManual, entries[0].Source)
		assert.Equal(t, syncqueue.PriorityManual, entries[0].Priority)
		assert.True(t, entries[0].Payload.AllDevices())
		assert.True(t, entries[0].Payload.DryRun)
	})

	t.Run("named devices without batch", func(t *testing.T) {
		f := newFixture(t, false)
		entries, err := f.sched.SyncNow(context.Background(), f.in.ID, SyncRequest{DeviceIDs: []string{"d1", "d2"}})
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"d1"}, {"d2"}}, deviceSets(entries))
	})

	t.Run("named devices with batch", func(t *testing.T) {
		f := newFixture(t, true)
		entries, err := f.sched.SyncNow(context.Background(), f.in.ID, SyncRequest{DeviceIDs: []string{"d1", "d2"}})
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"d1", "d2"}}, deviceSets(entries))
	})

	t.Run("unknown integration", func(t *testing.T) {
		f := newFixture(t, true)
		_, err := f.sched.SyncNow(context.Background(), "missing", SyncRequest{})
		assert.ErrorIs(t, err, integration.ErrIntegrationNotFound)
	})
}

func TestSetEnabled(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.configure(t, Schedule{})

	s, err := f.sched.SetEnabled(ctx, f.in.ID, false)
	require.NoError(t, err)
	assert.False(t, s.Enabled)
	assert.Nil(t, s.NextRunAt)

	require.NoError(t, f.sched.Tick(ctx))
	assert.Empty(t, f.entries(t))

	s, err = f.sched.SetEnabled(ctx, f.in.ID, true)
	require.NoError(t, err)
	require.NotNil(t, s.NextRunAt)

	require.NoError(t, f.sched.Tick(ctx))
	assert.Len(t, f.entries(t), 1)
}

func TestTick_DisabledIntegrationIsSkipped(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.configure(t, Schedule{})
	require.NoError(t, f.integrations.SetEnabled(ctx, f.in.ID, false))

	require.NoError(t, f.sched.Tick(ctx))

	assert.Empty(t, f.entries(t))
	got := f.schedule(t)
	assert.Equal(t, StateIdle, got.State)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(t0))
}

func TestRecover_SettlesFinishedRuns(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	s := f.configure(t, Schedule{})
	require.NoError(t, f.repo.StartRun(ctx, s.ID, t0))

	require.NoError(t, f.sched.Recover(ctx))

	got := f.schedule(t)
	assert.Equal(t, StateIdle, got.State)
	assert.Equal(t, RunSuccess, got.LastRunStatus)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, true)
	f.sched.config.TickInterval = 10 * time.Millisecond
	f.configure(t, Schedule{})
	ctx := context.Background()

	require.NoError(t, f.sched.Start(ctx))
	assert.True(t, f.sched.IsRunning())
	assert.ErrorIs(t, f.sched.Start(ctx), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return len(f.entries(t)) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.sched.Stop(ctx))
	assert.False(t, f.sched.IsRunning())
}

func TestRepository_Listings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	s := f.configure(t, Schedule{FrequencyMinutes: 30})
	require.NotNil(t, s.NextRunAt)

	all, err := f.repo.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, s.ID, all[0].ID)

	mine, err := f.repo.List(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	other, err := f.repo.List(ctx, "org-2")
	require.NoError(t, err)
	assert.Empty(t, other)

	due, err := f.repo.Due(ctx, s.NextRunAt.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = f.repo.Due(ctx, *s.NextRunAt)
	require.NoError(t, err)
	require.Len(t, due, 1)

	running, err := f.repo.ListRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)

	require.NoError(t, f.repo.StartRun(ctx, s.ID, *s.NextRunAt))
	running, err = f.repo.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, StateRunning, running[0].State)

	due, err = f.repo.Due(ctx, s.NextRunAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "running schedules are not due")
}
