package syncqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_FillsDefaults(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t, "int-1")

	e := &Entry{OrganizationID: "org-1", IntegrationID: "int-1", Operation: OperationPull, Source: SourceWebhook, CreatedAt: testNow}
	require.NoError(t, repo.Enqueue(ctx, e))
	assert.NotEmpty(t, e.ID)

	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, PriorityWebhook, got.Priority)
	assert.Equal(t, defaultMaxRetries, got.MaxRetries)
	assert.True(t, got.NextRetryAt.Equal(testNow))
	assert.Zero(t, got.RetryCount)

	err = repo.Enqueue(ctx, &Entry{IntegrationID: "int-1", Operation: "explode"})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueue_PayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t, "int-1")

	e := newEntry("q-1", "int-1", SourceScheduled, testNow)
	e.Payload = Payload{DeviceIDs: []string{"dev-1", "dev-2"}, DryRun: true}
	require.NoError(t, repo.Enqueue(ctx, e))

	got, err := repo.Get(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-1", "dev-2"}, got.Payload.DeviceIDs)
	assert.True(t, got.Payload.DryRun)
	assert.False(t, got.Payload.AllDevices())
}

func TestClaim_OrdersByPriorityThenAgeAndSerialises(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t, "int-1")

	require.NoError(t, repo.Enqueue(ctx, newEntry("q-sched", "int-1", SourceScheduled, testNow.Add(-3*time.Minute))))
	require.NoError(t, repo.Enqueue(ctx, newEntry("q-hook-old", "int-1", SourceWebhook, testNow.Add(-2*time.Minute))))
	require.NoError(t, repo.Enqueue(ctx, newEntry("q-hook-new", "int-1", SourceWebhook, testNow.Add(-time.Minute))))
	require.NoError(t, repo.Enqueue(ctx, newEntry("q-manual", "int-1", SourceManual, testNow)))

	var order []string
	for i := 0; i < 4; i++ {
		e, err := repo.Claim(ctx, "int-1", testNow)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, e.Status)
		require.NotNil(t, e.StartedAt)

		_, err = repo.Claim(ctx, "int-1", testNow)
		assert.ErrorIs(t, err, ErrNoneReady, "a second entry must not start while one is running")

		require.NoError(t, repo.Complete(ctx, e.ID, testNow))
		order = append(order, e.ID)
	}
	assert.Equal(t, []string{"q-manual", "q-hook-old", "q-hook-new", "q-sched"}, order)

	_, err := repo.Claim(ctx, "int-1", testNow)
	assert.ErrorIs(t, err, ErrNoneReady)
}

func TestClaim_WaitsForNextRetryAt(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t, "int-1")

	e := newEntry("q-1", "int-1", SourceManual, testNow)
	e.NextRetryAt = testNow.Add(time.Minute)
	require.NoError(t, repo.Enqueue(ctx, e))

	_, err := repo.Claim(ctx, "int-1", testNow)
	assert.ErrorIs(t, err, ErrNoneReady)

	next, err := repo.NextReadyAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.Equal(testNow.Add(time.Minute)))

	got, err := repo.Claim(ctx, "int-1", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "q-1", got.ID)
}

func TestReadyIntegrations_SkipsRunning(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t, "int-1", "int-2")

	require.NoError(t, repo.Enqueue(ctx, newEntry("q-1", "int-1", SourceManual, testNow)))
	require.NoError(t, repo.Enqueue(ctx, newEntry("q-2", "int-1", SourceManual, testNow)))
	require.NoError(t, repo.Enqueue(ctx, newEntry("q-3", "int-2", SourceManual, testNow)))

	ids, err := repo.ReadyIntegrations(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"int-1", "int-2"}, ids)

	_, err = repo.Claim(ctx, "int-1", testNow)
	require.NoError(t, err)

	ids, err = repo.ReadyIntegrations(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"int-2"}, ids)
}

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t, "int-1")
	require.NoError(t, repo.Enqueue(ctx, newEntry("q-1", "int-1", SourceManual, testNow)))

	// Only running entries can be retried, failed or completed.
	assert.ErrorIs(t, repo.Complete(ctx, "q-1", testNow), ErrInvalidState)
	assert.ErrorIs(t, repo.Complete(ctx, "missing", testNow), ErrNotFound)

	_, err := repo.Claim(ctx, "int-1", testNow)
	require.NoError(t, err)
	next := testNow.Add(time.Minute)
	require.NoError(t, repo.Retry(ctx, "q-1", 1, next, "TransientNetworkError", "boom", testNow))

	got, err := repo.Get(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "boom", got.LastError)
	assert.Nil(t, got.StartedAt)

	_, err = repo.Claim(ctx, "int-1", next)
	require.NoError(t, err)
	require.NoError(t, repo.Fail(ctx, "q-1", 5, "PermanentAuthError", "denied", next))

	got, err = repo.Get(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, got.Terminal())
	assert.Equal(t, 5, got.RetryCount)

	require.NoError(t, repo.ResetFailed(ctx, "q-1", next))
	got, err = repo.Get(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.CompletedAt)

	assert.ErrorIs(t, repo.ResetFailed(ctx, "q-1", next), ErrInvalidState)
}

func TestRetryCountNeverExceedsMax(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t, "int-1")
	e := newEntry("q-1", "int-1", SourceManual, testNow)
	e.MaxRetries = 2
	require.NoError(t, repo.Enqueue(ctx, e))

	_, err := repo.Claim(ctx, "int-1", testNow)
	require.NoError(t, err)
	assert.Error(t, repo.Fail(ctx, "q-1", 3, "x", "y", testNow), "the schema rejects retry_count above max_retries")
}

func TestRevertAndCancel(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t, "int-1")
	require.NoError(t, repo.Enqueue(ctx, newEntry("q-1", "int-1", SourceManual, testNow)))
	require.NoError(t, repo.Enqueue(ctx, newEntry("q-2", "int-1", SourceScheduled, testNow)))

	_, err := repo.Claim(ctx, "int-1", testNow)
	require.NoError(t, err)

	n, err := repo.RevertRunning(ctx, testNow)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	e, err := repo.Claim(ctx, "int-1", testNow)
	require.NoError(t, err)
	later := testNow.Add(30 * time.Second)
	require.NoError(t, repo.Revert(ctx, e.ID, later, testNow))

	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.True(t, got.NextRetryAt.Equal(later))

	require.NoError(t, repo.CancelPending(ctx, "q-2", testNow))
	got, err = repo.Get(ctx, "q-2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, CodeCancelled, got.ErrorCode)
	assert.ErrorIs(t, repo.CancelPending(ctx, "q-2", testNow), ErrInvalidState)
}

func TestListAndOpenForSchedule(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t, "int-1")
	sched := "sch-1"

	for i, id := range []string{"q-1", "q-2", "q-3"} {
		e := newEntry(id, "int-1", SourceScheduled, testNow.Add(time.Duration(i)*time.Second))
		e.ScheduleID = &sched
		require.NoError(t, repo.Enqueue(ctx, e))
	}
	require.NoError(t, repo.Enqueue(ctx, newEntry("q-4", "int-1", SourceManual, testNow)))

	n, err := repo.OpenForSchedule(ctx, sched)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	e, err := repo.Claim(ctx, "int-1", testNow)
	require.NoError(t, err)
	require.Equal(t, "q-4", e.ID)
	require.NoError(t, repo.Complete(ctx, e.ID, testNow))

	entries, total, err := repo.List(ctx, Filter{ScheduleID: sched, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, entries, 2)
	assert.Equal(t, "q-1", entries[0].ID)

	done, total, err := repo.List(ctx, Filter{Status: StatusDone})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "q-4", done[0].ID)
}
