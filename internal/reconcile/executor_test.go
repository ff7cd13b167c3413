package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/conflict"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

func TestExecutor_ImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Roof Sensor", "SN-1", t0))
	fake.put(remoteDevice("r-2", "Cellar Sensor", "SN-2", t0))
	f := newFixture(t, fake, integration.StrategyNewestWins)

	res, err := f.run(t, syncqueue.OperationReconcile, syncqueue.Payload{})
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Result{Processed: 2, Succeeded: 2, Created: 2}, *res)

	a, err := f.registry.Assignments().GetByExternalID(ctx, f.in.ID, "r-1")
	require.NoError(t, err)
	assert.Equal(t, device.AssignmentSynced, a.SyncStatus)
	require.NotNil(t, a.LastSyncedAt)
	assert.True(t, a.LastSyncedAt.Equal(testNow))
	rd := remoteDevice("r-1", "Roof Sensor", "SN-1", t0)
	assert.Equal(t, conflict.Fingerprint(&rd), a.RemoteFingerprint)

	d, err := f.registry.GetDevice(ctx, a.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, "Roof Sensor", d.Name)
	require.NotNil(t, d.ExternalDeviceID)
	assert.Equal(t, "r-1", *d.ExternalDeviceID)

	res, err = f.run(t, syncqueue.OperationReconcile, syncqueue.Payload{})
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Result{Processed: 2, Succeeded: 2, Skipped: 2}, *res)
	assert.Empty(t, fake.pushes())

	logs := f.syncLogs(t)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, activity.RunSuccess, l.Status)
	}
}

func TestExecutor_AutomaticStrategiesLeaveNothingPending(t *testing.T) {
	tests := []struct {
		strategy   integration.Strategy
		wantName   string
		wantPushed bool
	}{
		{integration.StrategyLocalWins, "Thermo Local", true},
		{integration.StrategyRemoteWins, "Thermo Remote", false},
		{integration.StrategyNewestWins, "Thermo Remote", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			ctx := context.Background()
			fake := newFakeAdapter()
			fake.put(remoteDevice("r-1", "Thermo Remote", "SN-1", t0.Add(30*time.Minute)))
			f := newFixture(t, fake, tt.strategy)
			local := f.localDevice(t, "Thermo Local", "SN-1")

			res, err := f.run(t, syncqueue.OperationReconcile, syncqueue.Payload{})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Conflicts)
			assert.Equal(t, 1, res.Updated)
			assert.Zero(t, res.Created)

			assert.Empty(t, f.pending(t))
			resolved, total, err := f.conflicts.List(ctx, conflict.Filter{Status: conflict.StatusAutoResolved})
			require.NoError(t, err)
			assert.Equal(t, 1, total)
			assert.Equal(t, conflict.FieldName, resolved[0].FieldName)

			d, err := f.registry.GetDevice(ctx, local.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, d.Name)

			a := f.assignment(t, local.ID)
			assert.Equal(t, device.AssignmentSynced, a.SyncStatus)

			if tt.wantPushed {
				require.Len(t, fake.pushes(), 1)
				assert.Equal(t, "Thermo Local", fake.pushes()[0].Device.Name)
				assert.Equal(t, "r-1", fake.pushes()[0].ExternalID)
			} else {
				assert.Empty(t, fake.pushes())
			}
		})
	}
}

func TestExecutor_ManualStrategyKeepsConflictPending(t *testing.T) {
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Thermo Remote", "SN-1", t0.Add(30*time.Minute)))
	f := newFixture(t, fake, integration.StrategyManual)
	local := f.localDevice(t, "Thermo Local", "SN-1")

	for i := 0; i < 2; i++ {
		res, err := f.run(t, syncqueue.OperationReconcile, syncqueue.Payload{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Conflicts)
		assert.Equal(t, 1, res.Succeeded)
	}

	pending := f.pending(t)
	require.Len(t, pending, 1, "a repeated detection refreshes the open conflict")
	assert.Equal(t, conflict.FieldName, pending[0].FieldName)

	a := f.assignment(t, local.ID)
	assert.Equal(t, device.AssignmentConflict, a.SyncStatus)
	assert.Nil(t, a.LastSyncedAt)
	assert.Empty(t, fake.pushes())
}

func TestExecutor_StrategyOverride(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Thermo Remote", "SN-1", t0.Add(30*time.Minute)))
	f := newFixture(t, fake, integration.StrategyManual)
	local := f.localDevice(t, "Thermo Local", "SN-1")

	_, err := f.run(t, syncqueue.OperationReconcile, syncqueue.Payload{StrategyOverride: integration.StrategyRemoteWins})
	require.NoError(t, err)

	assert.Empty(t, f.pending(t))
	d, err := f.registry.GetDevice(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, "Thermo Remote", d.Name)
}

func TestExecutor_DeviceFailureIsPartial(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Roof", "SN-1", t0))
	fake.put(remoteDevice("r-2", "Cellar", "SN-2", t0))
	f := newFixture(t, fake, integration.StrategyNewestWins)
	_, err := f.run(t, syncqueue.OperationPull, syncqueue.Payload{})
	require.NoError(t, err)

	a1, err := f.registry.Assignments().GetByExternalID(ctx, f.in.ID, "r-1")
	require.NoError(t, err)
	a2, err := f.registry.Assignments().GetByExternalID(ctx, f.in.ID, "r-2")
	require.NoError(t, err)

	fake.getErr["r-2"] = syncerr.FromHTTPStatus(503, "unavailable", 0)
	res, err := f.run(t, syncqueue.OperationPull, syncqueue.Payload{DeviceIDs: []string{a1.DeviceID, a2.DeviceID}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	failed := f.assignment(t, a2.DeviceID)
	assert.Equal(t, device.AssignmentError, failed.SyncStatus)
	assert.Equal(t, 1, failed.RetryCount)
	require.NotNil(t, failed.NextRetryAt)
	assert.False(t, failed.NextRetryAt.Before(testNow))
	assert.NotEmpty(t, failed.LastError)

	logs := f.syncLogs(t)
	statuses := map[activity.RunStatus]int{}
	for _, l := range logs {
		statuses[l.Status]++
	}
	assert.Equal(t, 1, statuses[activity.RunPartial])

	// Only the failing device: the attempt fails with its error.
	res, err = f.run(t, syncqueue.OperationPull, syncqueue.Payload{DeviceIDs: []string{a2.DeviceID}})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindTransient, syncerr.KindOf(err))
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, f.assignment(t, a2.DeviceID).RetryCount)
}

func TestExecutor_PermanentDeviceFailureIsNotRescheduled(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Roof", "SN-1", t0))
	f := newFixture(t, fake, integration.StrategyNewestWins)
	_, err := f.run(t, syncqueue.OperationPull, syncqueue.Payload{})
	require.NoError(t, err)
	a, err := f.registry.Assignments().GetByExternalID(ctx, f.in.ID, "r-1")
	require.NoError(t, err)

	fake.getErr["r-1"] = syncerr.FromHTTPStatus(401, "bad key", 0)
	_, err = f.run(t, syncqueue.OperationPull, syncqueue.Payload{DeviceIDs: []string{a.DeviceID}})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindAuth, syncerr.KindOf(err))

	failed := f.assignment(t, a.DeviceID)
	assert.Equal(t, device.AssignmentError, failed.SyncStatus)
	assert.Nil(t, failed.NextRetryAt)
}

func TestExecutor_ListFailureFailsAttempt(t *testing.T) {
	fake := newFakeAdapter()
	fake.listErr = syncerr.FromHTTPStatus(503, "unavailable", 0)
	f := newFixture(t, fake, integration.StrategyNewestWins)

	_, err := f.run(t, syncqueue.OperationReconcile, syncqueue.Payload{})
	require.Error(t, err)
	var se *syncerr.Error
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Retryable())

	logs := f.syncLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, activity.RunFailed, logs[0].Status)
	assert.NotEmpty(t, logs[0].ErrorMessage)
}

func TestExecutor_RemoteDeleteUnmaps(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Roof", "SN-1", t0))
	f := newFixture(t, fake, integration.StrategyNewestWins)
	_, err := f.run(t, syncqueue.OperationPull, syncqueue.Payload{})
	require.NoError(t, err)
	a, err := f.registry.Assignments().GetByExternalID(ctx, f.in.ID, "r-1")
	require.NoError(t, err)

	gone := remoteDevice("r-1", "Roof", "SN-1", t0)
	gone.Deleted = true
	fake.put(gone)
	f.clock.Set(testNow.Add(time.Hour))

	res, err := f.run(t, syncqueue.OperationPull, syncqueue.Payload{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	_, err = f.registry.Assignments().Get(ctx, a.DeviceID, f.in.ID)
	assert.ErrorIs(t, err, device.ErrAssignmentNotFound)
	d, err := f.registry.GetDevice(ctx, a.DeviceID)
	require.NoError(t, err)
	assert.False(t, d.Deleted())
}

func TestExecutor_RemoteDeleteAfterLocalEditConflicts(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Roof", "SN-1", t0))
	f := newFixture(t, fake, integration.StrategyNewestWins)
	_, err := f.run(t, syncqueue.OperationPull, syncqueue.Payload{})
	require.NoError(t, err)
	a, err := f.registry.Assignments().GetByExternalID(ctx, f.in.ID, "r-1")
	require.NoError(t, err)

	f.clock.Set(testNow.Add(time.Hour))
	d, err := f.registry.GetDevice(ctx, a.DeviceID)
	require.NoError(t, err)
	d.Name = "Roof North"
	require.NoError(t, f.registry.UpdateDevice(ctx, d))

	gone := remoteDevice("r-1", "Roof", "SN-1", t0)
	gone.Deleted = true
	fake.put(gone)
	f.clock.Set(testNow.Add(2 * time.Hour))

	res, err := f.run(t, syncqueue.OperationPull, syncqueue.Payload{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Zero(t, res.Deleted)

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, conflict.FieldDeleted, pending[0].FieldName)
	assert.Equal(t, conflict.TypeDeleteVsUpdate, pending[0].ConflictType)
	assert.Equal(t, device.AssignmentConflict, f.assignment(t, a.DeviceID).SyncStatus)
}

func TestExecutor_PushesLocalEdits(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Roof", "SN-1", t0))
	f := newFixture(t, fake, integration.StrategyNewestWins)
	_, err := f.run(t, syncqueue.OperationPull, syncqueue.Payload{})
	require.NoError(t, err)
	a, err := f.registry.Assignments().GetByExternalID(ctx, f.in.ID, "r-1")
	require.NoError(t, err)

	f.clock.Set(testNow.Add(time.Hour))
	d, err := f.registry.GetDevice(ctx, a.DeviceID)
	require.NoError(t, err)
	d.Name = "Roof North"
	require.NoError(t, f.registry.UpdateDevice(ctx, d))
	f.clock.Set(testNow.Add(2 * time.Hour))

	res, err := f.run(t, syncqueue.OperationPush, syncqueue.Payload{DeviceIDs: []string{a.DeviceID}})
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Result{Processed: 1, Succeeded: 1, Updated: 1}, *res)
	require.Len(t, fake.pushes(), 1)
	assert.Equal(t, "Roof North", fake.pushes()[0].Device.Name)
	assert.Equal(t, []string{"r-1"}, fake.gets, "remote state is compared before pushing")
	assert.Empty(t, f.pending(t))

	synced := f.assignment(t, a.DeviceID)
	require.NotNil(t, synced.LastSyncedAt)
	assert.True(t, synced.LastSyncedAt.Equal(testNow.Add(2*time.Hour)))

	// Nothing changed since: nothing to push.
	res, err = f.run(t, syncqueue.OperationPush, syncqueue.Payload{})
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Len(t, fake.pushes(), 1)
}

func TestExecutor_RemoteTelemetryKeepsLocalEdit(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAdapter()
	full := 80.0
	first := remoteDevice("r-1", "Roof", "SN-1", t0)
	first.BatteryLevel = &full
	fake.put(first)
	f := newFixture(t, fake, integration.StrategyNewestWins)
	_, err := f.run(t, syncqueue.OperationPull, syncqueue.Payload{})
	require.NoError(t, err)
	a, err := f.registry.Assignments().GetByExternalID(ctx, f.in.ID, "r-1")
	require.NoError(t, err)

	f.clock.Set(testNow.Add(time.Hour))
	d, err := f.registry.GetDevice(ctx, a.DeviceID)
	require.NoError(t, err)
	d.Name = "Roof North"
	require.NoError(t, f.registry.UpdateDevice(ctx, d))

	low := 40.0
	reading := remoteDevice("r-1", "Roof", "SN-1", testNow.Add(90*time.Minute))
	reading.BatteryLevel = &low
	fake.put(reading)
	f.clock.Set(testNow.Add(2 * time.Hour))

	res, err := f.run(t, syncqueue.OperationReconcile, syncqueue.Payload{})
	require.NoError(t, err)
	assert.Zero(t, res.Conflicts)
	assert.Equal(t, 1, res.Updated)

	_, total, err := f.conflicts.List(ctx, conflict.Filter{IntegrationID: f.in.ID})
	require.NoError(t, err)
	assert.Zero(t, total, "one-sided field changes record no conflicts")

	got, err := f.registry.GetDevice(ctx, a.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, "Roof North", got.Name)
	require.NotNil(t, got.BatteryLevel)
	assert.Equal(t, 40.0, *got.BatteryLevel)

	require.Len(t, fake.pushes(), 1)
	assert.Equal(t, "Roof North", fake.pushes()[0].Device.Name)

	synced := f.assignment(t, a.DeviceID)
	assert.Equal(t, device.AssignmentSynced, synced.SyncStatus)
	assert.Equal(t, "Roof North", synced.LocalBaseline[conflict.FieldName])
	assert.Equal(t, 40.0, synced.RemoteBaseline[conflict.FieldBatteryLevel])
}

func TestExecutor_PushWithoutRemoteState(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAdapter()
	fake.caps.Get = false
	f := newFixture(t, fake, integration.StrategyNewestWins)
	local := f.localDevice(t, "Hall", "SN-9")
	require.NoError(t, f.registry.Assign(ctx, &device.Assignment{
		DeviceID:         local.ID,
		IntegrationID:    f.in.ID,
		ExternalDeviceID: "r-9",
	}))

	res, err := f.run(t, syncqueue.OperationPush, syncqueue.Payload{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	require.Len(t, fake.pushes(), 1)
	assert.Equal(t, "r-9", fake.pushes()[0].ExternalID)
	assert.Equal(t, device.AssignmentSynced, f.assignment(t, local.ID).SyncStatus)
}

func TestExecutor_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Roof", "SN-1", t0))
	f := newFixture(t, fake, integration.StrategyNewestWins)

	res, err := f.run(t, syncqueue.OperationReconcile, syncqueue.Payload{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	devices, err := f.registry.ListDevices(ctx, device.ListFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Empty(t, fake.pushes())
}

func TestExecutor_Cancelled(t *testing.T) {
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Roof", "SN-1", t0))
	f := newFixture(t, fake, integration.StrategyNewestWins)

	e := &syncqueue.Entry{ID: "q-1", IntegrationID: f.in.ID, Operation: syncqueue.OperationReconcile}
	res, err := f.executor.Run(context.Background(), f.in, e, func() bool { return true })
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Zero(t, res.Processed)

	logs := f.syncLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, activity.RunCancelled, logs[0].Status)
}

func TestExecutor_DirectionExcludesOperation(t *testing.T) {
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Roof", "SN-1", t0))
	f := newFixture(t, fake, integration.StrategyNewestWins)

	res, err := f.run(t, syncqueue.OperationPull, syncqueue.Payload{DirectionOverride: integration.DirectionExport})
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Result{}, *res)
	assert.Empty(t, fake.gets)
}

func TestExecutor_UnknownAdapter(t *testing.T) {
	f := newFixture(t, newFakeAdapter(), integration.StrategyNewestWins)
	f.executor.adapters = adapter.NewSet()

	_, err := f.run(t, syncqueue.OperationReconcile, syncqueue.Payload{})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))
}
