package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

// A device fetch that fails with 503 three times and then succeeds ends
// done after three queue retries, with one activity row per exchange.
func TestQueue_TransientFailuresRetryToSuccess(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/fleet/devices/g-1", r.URL.Path)
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":"maintenance"}`)
			return
		}
		fmt.Fprint(w, `{"data":{"id":"g-1","name":"Roof","hardwareIds":["SN-1"],"status":"online","tags":["roof"]}}`)
	}))
	defer srv.Close()

	f := newFixture(t, newFakeAdapter(), integration.StrategyNewestWins)
	f.in.BaseEndpoint = srv.URL
	require.NoError(t, f.integrations.Update(ctx, f.in, nil))
	f.executor.adapters = adapter.NewSet(adapter.NewGolioth(adapter.NewHTTPClient(f.logs)))

	local := f.localDevice(t, "Roof", "SN-1")
	require.NoError(t, f.registry.Assign(ctx, &device.Assignment{
		DeviceID:         local.ID,
		IntegrationID:    f.in.ID,
		ExternalDeviceID: "g-1",
	}))

	queue := syncqueue.NewSQLRepository(f.db.DB)
	d := syncqueue.NewDispatcher(queue, f.integrations, f.executor, syncqueue.Config{
		PollInterval: 10 * time.Millisecond,
		Backoff:      syncqueue.NewBackoff(time.Millisecond, 2*time.Millisecond),
	})
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(stopCtx)
	})

	e := &syncqueue.Entry{
		OrganizationID: f.in.OrganizationID,
		IntegrationID:  f.in.ID,
		Operation:      syncqueue.OperationPull,
		Payload:        syncqueue.Payload{DeviceIDs: []string{local.ID}},
		Source:         syncqueue.SourceManual,
		MaxRetries:     5,
	}
	require.NoError(t, d.Enqueue(ctx, e))

	require.Eventually(t, func() bool {
		got, err := queue.Get(ctx, e.ID)
		return err == nil && got.Status == syncqueue.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	got, err := queue.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)

	rows, err := f.logs.ListActivity(ctx, activity.Filter{IntegrationID: f.in.ID, DeviceID: local.ID})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	errorsSeen := 0
	for _, row := range rows {
		if row.Status == activity.StatusError {
			errorsSeen++
			assert.Equal(t, http.StatusServiceUnavailable, row.ResponseStatus)
		}
	}
	assert.Equal(t, 3, errorsSeen)

	statuses := map[activity.RunStatus][]activity.SyncLog{}
	for _, l := range f.syncLogs(t) {
		statuses[l.Status] = append(statuses[l.Status], l)
	}
	assert.Len(t, statuses[activity.RunFailed], 3)
	require.Len(t, statuses[activity.RunSuccess], 1)
	assert.Zero(t, statuses[activity.RunSuccess][0].DevicesFailed)

	a := f.assignment(t, local.ID)
	assert.Equal(t, device.AssignmentSynced, a.SyncStatus)
	assert.Zero(t, a.RetryCount)

	in, err := f.integrations.Get(ctx, f.in.ID)
	require.NoError(t, err)
	assert.Equal(t, string(integration.SyncStatusSuccess), in.LastSyncStatus)
}

func TestLocalEdits_QueuesPushForExportMappings(t *testing.T) {
	ctx := context.Background()
	fake := newFakeAdapter()
	fake.put(remoteDevice("r-1", "Roof", "SN-1", t0))
	f := newFixture(t, fake, integration.StrategyNewestWins)
	_, err := f.run(t, syncqueue.OperationPull, syncqueue.Payload{})
	require.NoError(t, err)
	a, err := f.registry.Assignments().GetByExternalID(ctx, f.in.ID, "r-1")
	require.NoError(t, err)

	q := &memQueue{}
	f.registry.OnLocalChange(NewLocalEdits(q, f.integrations, f.registry.Assignments()).Hook())

	d, err := f.registry.GetDevice(ctx, a.DeviceID)
	require.NoError(t, err)
	d.Name = "Roof North"
	require.NoError(t, f.registry.UpdateDevice(ctx, d))

	require.Len(t, q.entries, 1)
	e := q.entries[0]
	assert.Equal(t, syncqueue.OperationPush, e.Operation)
	assert.Equal(t, syncqueue.SourceLocalEdit, e.Source)
	assert.Equal(t, f.in.ID, e.IntegrationID)
	assert.Equal(t, []string{a.DeviceID}, e.Payload.DeviceIDs)
	assert.Equal(t, 5, e.MaxRetries)

	require.NoError(t, f.integrations.SetEnabled(ctx, f.in.ID, false))
	require.NoError(t, f.registry.UpdateDevice(ctx, d))
	assert.Len(t, q.entries, 1, "disabled integrations are not queued")
}
