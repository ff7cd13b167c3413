package reconcile

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/conflict"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

var (
	t0      = time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	testNow = t0.Add(2 * time.Hour)
)

const testSecret = "0123456789abcdef0123456789abcdef"

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

// fakeAdapter serves remote devices from memory.
type fakeAdapter struct {
	mu      sync.Mutex
	caps    adapter.Capabilities
	remotes map[string]adapter.RemoteDevice
	listErr error
	getErr  map[string]error
	pushErr error
	pushed  []adapter.PushRequest
	gets    []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		caps:    adapter.Capabilities{List: true, Get: true, Push: true, Batch: true},
		remotes: make(map[string]adapter.RemoteDevice),
		getErr:  make(map[string]error),
	}
}

func (f *fakeAdapter) put(rd adapter.RemoteDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rd.ReceivedAt.IsZero() {
		rd.ReceivedAt = t0
	}
	f.remotes[rd.ExternalID] = rd
}

func (f *fakeAdapter) pushes() []adapter.PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.PushRequest(nil), f.pushed...)
}

func (f *fakeAdapter) Type() integration.Type { return integration.TypeGolioth }

func (f *fakeAdapter) Capabilities() adapter.Capabilities { return f.caps }

func (f *fakeAdapter) ListRemote(context.Context, adapter.Target) ([]adapter.RemoteDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]adapter.RemoteDevice, 0, len(f.remotes))
	for _, rd := range f.remotes {
		out = append(out, rd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (f *fakeAdapter) GetRemote(_ context.Context, _ adapter.Target, externalID string) (*adapter.RemoteDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, externalID)
	if err := f.getErr[externalID]; err != nil {
		return nil, err
	}
	rd, ok := f.remotes[externalID]
	if !ok {
		return nil, adapter.ErrRemoteNotFound
	}
	return &rd, nil
}

func (f *fakeAdapter) PushLocal(_ context.Context, _ adapter.Target, req adapter.PushRequest) (*adapter.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	f.pushed = append(f.pushed, req)
	return &adapter.Result{ExternalID: req.ExternalID, Status: 200}, nil
}

func (f *fakeAdapter) TestConnection(context.Context, adapter.Target) error { return nil }

func (f *fakeAdapter) TranslateError(err error) *syncerr.Error { return syncerr.Classify(err) }

type fixture struct {
	clock        *clock
	db           *database.DB
	integrations *integration.Registry
	registry     *device.Registry
	conflicts    *conflict.SQLRepository
	logs         *activity.Repository
	executor     *Executor
	in           *integration.Integration
}

// newFixture builds an executor over a migrated database with one
// golioth integration served by ad.
func newFixture(t *testing.T, ad adapter.Adapter, strategy integration.Strategy) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)
	clk := &clock{now: testNow}

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
		ConflictStrategy: strategy,
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

	conflicts := conflict.NewSQLRepository(db.DB)
	resolver := conflict.NewResolver(conflicts, registry, nil)
	resolver.Now = clk.Now

	logs := activity.NewRepository(db.DB)
	x := NewExecutor(adapter.NewSet(ad), integrations, registry, resolver, logs)
	x.Now = clk.Now

	return &fixture{
		clock:        clk,
		db:           db,
		integrations: integrations,
		registry:     registry,
		conflicts:    conflicts,
		logs:         logs,
		executor:     x,
		in:           in,
	}
}

func (f *fixture) run(t *testing.T, op syncqueue.Operation, p syncqueue.Payload) (*syncqueue.Result, error) {
	t.Helper()
	e := &syncqueue.Entry{
		ID:             "q-" + string(op),
		OrganizationID: f.in.OrganizationID,
		IntegrationID:  f.in.ID,
		Operation:      op,
		Payload:        p,
		Source:         syncqueue.SourceManual,
	}
	return f.executor.Run(context.Background(), f.in, e, nil)
}

// localDevice stores a device created at t0 and returns it.
func (f *fixture) localDevice(t *testing.T, name, serial string) *device.Device {
	t.Helper()
	f.clock.Set(t0)
	defer f.clock.Set(testNow)
	d := &device.Device{
		OrganizationID: "org-1",
		Name:           name,
		SerialNumber:   serial,
		DeviceType:     "sensor",
		Status:         device.StatusOnline,
		Tags:           []string{"roof"},
	}
	require.NoError(t, f.registry.CreateDevice(context.Background(), d))
	return d
}

func (f *fixture) assignment(t *testing.T, deviceID string) *device.Assignment {
	t.Helper()
	a, err := f.registry.Assignments().Get(context.Background(), deviceID, f.in.ID)
	require.NoError(t, err)
	return a
}

func (f *fixture) pending(t *testing.T) []conflict.Conflict {
	t.Helper()
	list, _, err := f.conflicts.List(context.Background(), conflict.Filter{
		IntegrationID: f.in.ID,
		Status:        conflict.StatusPending,
	})
	require.NoError(t, err)
	return list
}

func (f *fixture) syncLogs(t *testing.T) []activity.SyncLog {
	t.Helper()
	logs, err := f.logs.ListSyncLogs(context.Background(), activity.Filter{IntegrationID: f.in.ID})
	require.NoError(t, err)
	return logs
}

func remoteDevice(ext, name, serial string, updated time.Time) adapter.RemoteDevice {
	return adapter.RemoteDevice{
		ExternalID:   ext,
		Name:         name,
		SerialNumber: serial,
		Status:       device.StatusOnline,
		Tags:         []string{"roof"},
		UpdatedAt:    &updated,
		ReceivedAt:   updated,
	}
}

type memQueue struct {
	mu      sync.Mutex
	entries []*syncqueue.Entry
}

func (q *memQueue) Enqueue(_ context.Context, e *syncqueue.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.ID = "q-" + e.Payload.DeviceIDs[0]
	q.entries = append(q.entries, e)
	return nil
}
