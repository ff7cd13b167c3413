package conflict

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

var testNow = t2.Add(time.Hour)

type memPublisher struct {
	mu      sync.Mutex
	created []*Conflict
}

func (p *memPublisher) ConflictCreated(_ context.Context, c *Conflict) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, c)
}

type fixture struct {
	resolver    *Resolver
	registry    *device.Registry
	publisher   *memPublisher
	integration *integration.Integration
	device      *device.Device
}

func newFixture(t *testing.T, strategy integration.Strategy) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)

	in := testIntegration(strategy)
	in.Name = "golioth"
	in.MaxRetries = 5
	in.Enabled = true
	in.CreatedAt = t0
	in.UpdatedAt = t0
	require.NoError(t, integration.NewSQLRepository(db.DB).Create(ctx, in))

	reg := device.NewRegistry(
		device.NewSQLRepository(db.DB),
		device.NewSQLAssignmentRepository(db.DB),
		device.NewSQLFirmwareRepository(db.DB),
	)
	reg.Now = func() time.Time { return testNow }

	d := localDevice("local", t1)
	require.NoError(t, reg.CreateDevice(ctx, d))
	require.NoError(t, reg.Assign(ctx, &device.Assignment{
		DeviceID:         d.ID,
		IntegrationID:    in.ID,
		ExternalDeviceID: "ext-1",
	}))

	pub := &memPublisher{}
	r := NewResolver(NewSQLRepository(db.DB), reg, pub)
	r.Now = func() time.Time { return testNow }
	return &fixture{resolver: r, registry: reg, publisher: pub, integration: in, device: d}
}

func (f *fixture) input(t *testing.T, d *device.Device, name string) Input {
	t.Helper()
	a, err := f.registry.Assignments().Get(context.Background(), d.ID, f.integration.ID)
	require.NoError(t, err)
	at := t0
	a.LastSyncedAt = &at
	a.RemoteFingerprint = "old"
	return Input{Integration: f.integration, Device: d, Assignment: a, Remote: remoteDevice(name, t2)}
}

func TestResolver_NewestWinsRecordsAutoResolved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, integration.StrategyNewestWins)

	in := f.input(t, f.device, "remote")
	rec, err := f.resolver.Record(ctx, in, Detect(in))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AutoResolved)
	assert.Equal(t, 0, rec.Pending)
	assert.Empty(t, f.publisher.created)

	c, err := f.resolver.Repository().Get(ctx, rec.Conflicts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAutoResolved, c.ResolutionStatus)
	assert.Equal(t, TypeConcurrentUpdate, c.ConflictType)
	assert.Equal(t, string(integration.StrategyNewestWins), c.ResolutionStrategy)
	assert.JSONEq(t, `"remote"`, string(c.ResolvedValue.Raw))
	require.NotNil(t, c.ResolvedAt)
	assert.Equal(t, testNow, c.ResolvedAt.UTC())
}

func TestResolver_ManualStaysPendingAndPublishesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, integration.StrategyManual)

	in := f.input(t, f.device, "remote")
	for range 2 {
		rec, err := f.resolver.Record(ctx, in, Detect(in))
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Pending)
	}
	assert.Len(t, f.publisher.created, 1)

	pending, total, err := f.resolver.Repository().List(ctx, Filter{OrganizationID: "org-1", Status: StatusPending})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, pending, 1)
	assert.Equal(t, FieldName, pending[0].FieldName)
	assert.Nil(t, pending[0].ResolvedAt)
}

func TestResolver_ResolveUseRemote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, integration.StrategyManual)

	in := f.input(t, f.device, "remote")
	rec, err := f.resolver.Record(ctx, in, Detect(in))
	require.NoError(t, err)
	id := rec.Conflicts[0].ID

	_, err = f.resolver.Resolve(ctx, "org-2", id, Resolution{Action: ActionUseRemote})
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := f.resolver.Resolve(ctx, "org-1", id, Resolution{Action: ActionUseRemote, ResolvedBy: "user-1", Notes: "platform is right"})
	require.NoError(t, err)
	assert.Equal(t, StatusManuallyResolved, c.ResolutionStatus)
	assert.Equal(t, "user-1", c.ResolvedBy)

	d, err := f.registry.GetDevice(ctx, f.device.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote", d.Name)

	_, err = f.resolver.Resolve(ctx, "org-1", id, Resolution{Action: ActionUseLocal})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestResolver_ResolveCustomAndIgnore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, integration.StrategyManual)

	in := f.input(t, f.device, "remote")
	rec, err := f.resolver.Record(ctx, in, Detect(in))
	require.NoError(t, err)
	id := rec.Conflicts[0].ID

	_, err = f.resolver.Resolve(ctx, "org-1", id, Resolution{Action: ActionCustom})
	assert.ErrorIs(t, err, ErrMissingValue)
	_, err = f.resolver.Resolve(ctx, "org-1", id, Resolution{Action: "shrug"})
	assert.ErrorIs(t, err, ErrInvalidAction)

	value, err := database.NewJSONValue("custom name")
	require.NoError(t, err)
	_, err = f.resolver.Resolve(ctx, "org-1", id, Resolution{Action: ActionCustom, Value: value})
	require.NoError(t, err)
	d, err := f.registry.GetDevice(ctx, f.device.ID)
	require.NoError(t, err)
	assert.Equal(t, "custom name", d.Name)

	// A new divergence opens a fresh conflict that can be ignored.
	in = f.input(t, d, "other")
	in.Device.UpdatedAt = t1
	rec, err = f.resolver.Record(ctx, in, Detect(in))
	require.NoError(t, err)
	c, err := f.resolver.Resolve(ctx, "org-1", rec.Conflicts[0].ID, Resolution{Action: ActionIgnore})
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, c.ResolutionStatus)
}

func TestResolver_DeleteVsUpdateIsNeverAutoResolved(t *testing.T) {
	ctx := context.Background()
	for _, strategy := range []integration.Strategy{
		integration.StrategyLocalWins,
		integration.StrategyRemoteWins,
		integration.StrategyNewestWins,
	} {
		t.Run(string(strategy), func(t *testing.T) {
			f := newFixture(t, strategy)
			require.NoError(t, f.registry.DeleteDevice(ctx, f.device.ID))
			d, err := f.registry.GetDevice(ctx, f.device.ID)
			require.NoError(t, err)

			in := f.input(t, d, "remote")
			rec, err := f.resolver.Record(ctx, in, Detect(in))
			require.NoError(t, err)
			assert.Equal(t, 0, rec.AutoResolved)
			assert.Equal(t, 1, rec.Pending)

			auto, _, err := f.resolver.Repository().List(ctx, Filter{Status: StatusAutoResolved})
			require.NoError(t, err)
			assert.Empty(t, auto)

			pending, err := f.resolver.Repository().PendingFor(ctx, d.ID, f.integration.ID)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, TypeDeleteVsUpdate, pending[0].ConflictType)
			assert.Equal(t, FieldDeleted, pending[0].FieldName)

			_, err = f.resolver.Resolve(ctx, "org-1", pending[0].ID, Resolution{Action: ActionUseRemote})
			require.NoError(t, err)
			restored, err := f.registry.GetDevice(ctx, d.ID)
			require.NoError(t, err)
			assert.False(t, restored.Deleted())
		})
	}
}

func TestResolver_KeepLocalDeleteUnmaps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, integration.StrategyNewestWins)
	require.NoError(t, f.registry.DeleteDevice(ctx, f.device.ID))
	d, err := f.registry.GetDevice(ctx, f.device.ID)
	require.NoError(t, err)

	in := f.input(t, d, "remote")
	rec, err := f.resolver.Record(ctx, in, Detect(in))
	require.NoError(t, err)

	_, err = f.resolver.Resolve(ctx, "org-1", rec.Conflicts[0].ID, Resolution{Action: ActionCustom, Value: database.JSONValue{Raw: []byte(`1`)}})
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = f.resolver.Resolve(ctx, "org-1", rec.Conflicts[0].ID, Resolution{Action: ActionUseLocal})
	require.NoError(t, err)
	_, err = f.registry.Assignments().Get(ctx, d.ID, f.integration.ID)
	assert.ErrorIs(t, err, device.ErrAssignmentNotFound)
}
