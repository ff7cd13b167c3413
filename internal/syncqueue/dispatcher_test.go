package syncqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

type dispatcherFixture struct {
	repo         *SQLRepository
	dispatcher   *Dispatcher
	integrations *memIntegrations
	notifier     *memNotifier
	clock        *clock

	mu        sync.Mutex
	completed []Entry
}

func newDispatcherFixture(t *testing.T, exec Executor, integrationIDs ...string) *dispatcherFixture {
	t.Helper()
	if len(integrationIDs) == 0 {
		integrationIDs = []string{"int-1"}
	}
	repo, byID := newTestRepo(t, integrationIDs...)

	f := &dispatcherFixture{
		repo:         repo,
		integrations: &memIntegrations{byID: byID},
		notifier:     &memNotifier{},
		clock:        &clock{now: testNow},
	}
	f.dispatcher = NewDispatcher(repo, f.integrations, exec, Config{
		PollInterval: 20 * time.Millisecond,
		Backoff: Backoff{
			Base:   30 * time.Second,
			Cap:    30 * time.Minute,
			Jitter: func(n int64) int64 { return n - 1 },
		},
	})
	f.dispatcher.Now = f.clock.Now
	f.dispatcher.SetNotifier(f.notifier)
	f.dispatcher.OnComplete(func(_ context.Context, e *Entry, _ *Result) {
		f.mu.Lock()
		f.completed = append(f.completed, *e)
		f.mu.Unlock()
	})
	return f
}

// step claims and runs the next ready entry of int-1.
func (f *dispatcherFixture) step(t *testing.T) *Entry {
	t.Helper()
	ctx := context.Background()
	e, err := f.repo.Claim(ctx, "int-1", f.clock.Now())
	require.NoError(t, err)
	f.dispatcher.execute(ctx, e)
	got, err := f.repo.Get(ctx, e.ID)
	require.NoError(t, err)
	return got
}

func (f *dispatcherFixture) enqueue(t *testing.T, id string, maxRetries int) {
	t.Helper()
	e := newEntry(id, "int-1", SourceManual, f.clock.Now())
	e.MaxRetries = maxRetries
	require.NoError(t, f.dispatcher.Enqueue(context.Background(), e))
}

func TestDispatcher_RetriesTransientFailuresUntilSuccess(t *testing.T) {
	var calls int
	exec := executorFunc(func(context.Context, *integration.Integration, *Entry, func() bool) (*Result, error) {
		calls++
		if calls <= 3 {
			return nil, syncerr.FromHTTPStatus(503, "unavailable", 0)
		}
		return &Result{Processed: 1, Succeeded: 1, Updated: 1}, nil
	})
	f := newDispatcherFixture(t, exec)
	f.enqueue(t, "q-1", 5)

	for attempt := 1; attempt <= 3; attempt++ {
		e := f.step(t)
		assert.Equal(t, StatusPending, e.Status)
		assert.Equal(t, attempt, e.RetryCount)
		assert.Equal(t, string(syncerr.KindTransient), e.ErrorCode)

		want := f.dispatcher.config.Backoff.Ceiling(attempt - 1)
		assert.True(t, e.NextRetryAt.Equal(f.clock.Now().Add(want)), "attempt %d next_retry_at", attempt)

		// Not claimable before the backoff elapses.
		_, err := f.repo.Claim(context.Background(), "int-1", f.clock.Now())
		assert.ErrorIs(t, err, ErrNoneReady)
		f.clock.Advance(want)
	}

	e := f.step(t)
	assert.Equal(t, StatusDone, e.Status)
	assert.Equal(t, 3, e.RetryCount)
	assert.Equal(t, integration.SyncStatusSuccess, f.integrations.last().status)
	assert.Empty(t, f.notifier.failed)
	require.Len(t, f.completed, 1)
	assert.Equal(t, StatusDone, f.completed[0].Status)
}

func TestDispatcher_PermanentErrorFailsImmediately(t *testing.T) {
	exec := executorFunc(func(context.Context, *integration.Integration, *Entry, func() bool) (*Result, error) {
		return nil, syncerr.FromHTTPStatus(401, "bad key", 0)
	})
	f := newDispatcherFixture(t, exec)
	f.enqueue(t, "q-1", 5)

	e := f.step(t)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Zero(t, e.RetryCount)
	assert.Equal(t, string(syncerr.KindAuth), e.ErrorCode)
	assert.Contains(t, e.LastError, "bad key")

	out := f.integrations.last()
	assert.Equal(t, integration.SyncStatusError, out.status)
	assert.Contains(t, out.message, "bad key")
	require.Len(t, f.notifier.failed, 1)
	assert.Equal(t, "q-1", f.notifier.failed[0].ID)
}

func TestDispatcher_ExhaustedRetriesAreTerminal(t *testing.T) {
	exec := executorFunc(func(context.Context, *integration.Integration, *Entry, func() bool) (*Result, error) {
		return nil, errors.New("connection reset")
	})
	f := newDispatcherFixture(t, exec)
	f.enqueue(t, "q-1", 2)

	e := f.step(t)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 1, e.RetryCount)

	f.clock.Advance(time.Hour)
	e = f.step(t)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, 2, e.RetryCount)
	assert.LessOrEqual(t, e.RetryCount, e.MaxRetries)
	assert.Equal(t, CodeExhausted, e.ErrorCode)
	require.Len(t, f.notifier.failed, 1)

	// Terminal entries are never claimed again.
	f.clock.Advance(time.Hour)
	_, err := f.repo.Claim(context.Background(), "int-1", f.clock.Now())
	assert.ErrorIs(t, err, ErrNoneReady)

	// An explicit retry starts over.
	reset, err := f.dispatcher.Retry(context.Background(), "q-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reset.Status)
	assert.Zero(t, reset.RetryCount)
}

func TestDispatcher_HonoursRetryAfter(t *testing.T) {
	exec := executorFunc(func(context.Context, *integration.Integration, *Entry, func() bool) (*Result, error) {
		return nil, syncerr.FromHTTPStatus(429, "slow down", 10*time.Second)
	})
	f := newDispatcherFixture(t, exec)
	f.enqueue(t, "q-1", 5)

	e := f.step(t)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, string(syncerr.KindRateLimited), e.ErrorCode)
	assert.True(t, e.NextRetryAt.Equal(testNow.Add(10*time.Second)))
}

func TestDispatcher_PartialRunEndsDone(t *testing.T) {
	exec := executorFunc(func(context.Context, *integration.Integration, *Entry, func() bool) (*Result, error) {
		return &Result{Processed: 3, Succeeded: 2, Failed: 1}, nil
	})
	f := newDispatcherFixture(t, exec)
	f.enqueue(t, "q-1", 5)

	e := f.step(t)
	assert.Equal(t, StatusDone, e.Status)
	out := f.integrations.last()
	assert.Equal(t, integration.SyncStatusPartial, out.status)
	assert.Equal(t, "1 of 3 devices failed", out.message)
}

func TestDispatcher_CancelRunningRevertsWithoutConsumingRetry(t *testing.T) {
	var f *dispatcherFixture
	exec := executorFunc(func(ctx context.Context, _ *integration.Integration, e *Entry, cancelled func() bool) (*Result, error) {
		assert.False(t, cancelled())
		_, err := f.dispatcher.Cancel(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, cancelled())
		return &Result{Processed: 1, Succeeded: 1, Cancelled: true}, nil
	})
	f = newDispatcherFixture(t, exec)
	f.enqueue(t, "q-1", 5)

	e := f.step(t)
	assert.Equal(t, StatusPending, e.Status)
	assert.Zero(t, e.RetryCount)
	assert.True(t, e.NextRetryAt.Equal(testNow.Add(30*time.Second)))
	assert.Empty(t, f.completed)
	assert.Empty(t, f.integrations.outcomes)
}

func TestDispatcher_ParentCancelRevertsWithoutConsumingRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := executorFunc(func(ctx context.Context, _ *integration.Integration, _ *Entry, cancelled func() bool) (*Result, error) {
		cancel()
		assert.False(t, cancelled())
		return nil, ctx.Err()
	})
	f := newDispatcherFixture(t, exec)
	f.enqueue(t, "q-1", 5)

	claimed, err := f.repo.Claim(context.Background(), "int-1", f.clock.Now())
	require.NoError(t, err)
	f.dispatcher.execute(ctx, claimed)

	e, err := f.repo.Get(context.Background(), "q-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Zero(t, e.RetryCount)
	assert.Empty(t, e.ErrorCode)
	assert.Empty(t, f.integrations.outcomes)
}

// retryFailingRepo fails every Retry write.
type retryFailingRepo struct {
	*SQLRepository
}

func (r *retryFailingRepo) Retry(context.Context, string, int, time.Time, string, string, time.Time) error {
	return errors.New("database is locked")
}

func TestDispatcher_FailedSettleReleasesEntry(t *testing.T) {
	exec := executorFunc(func(context.Context, *integration.Integration, *Entry, func() bool) (*Result, error) {
		return nil, syncerr.FromHTTPStatus(503, "unavailable", 0)
	})
	f := newDispatcherFixture(t, exec)
	f.dispatcher.repo = &retryFailingRepo{SQLRepository: f.repo}
	f.enqueue(t, "q-1", 5)

	e := f.step(t)
	assert.Equal(t, StatusPending, e.Status)
	assert.Zero(t, e.RetryCount)
	assert.True(t, e.NextRetryAt.Equal(testNow.Add(30*time.Second)))

	// The integration is claimable again once the delay passes.
	f.clock.Advance(30 * time.Second)
	again, err := f.repo.Claim(context.Background(), "int-1", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "q-1", again.ID)
}

func TestDispatcher_CancelPendingFails(t *testing.T) {
	f := newDispatcherFixture(t, executorFunc(func(context.Context, *integration.Integration, *Entry, func() bool) (*Result, error) {
		t.Fatal("cancelled entry must not run")
		return nil, nil
	}))
	f.enqueue(t, "q-1", 5)

	e, err := f.dispatcher.Cancel(context.Background(), "q-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, CodeCancelled, e.ErrorCode)
	require.Len(t, f.completed, 1)

	_, err = f.dispatcher.Cancel(context.Background(), "q-1")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDispatcher_DisabledIntegrationFails(t *testing.T) {
	f := newDispatcherFixture(t, executorFunc(func(context.Context, *integration.Integration, *Entry, func() bool) (*Result, error) {
		t.Fatal("disabled integration must not run")
		return nil, nil
	}))
	f.integrations.byID["int-1"].Enabled = false
	f.enqueue(t, "q-1", 5)

	e := f.step(t)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, CodeIntegError, e.ErrorCode)
}

func TestDispatcher_LoopSerialisesPerIntegration(t *testing.T) {
	var (
		inFlight    sync.Map
		overlapped  atomic.Bool
		bothRunning = make(chan struct{})
		once        sync.Once
		seen        sync.Map
	)
	exec := executorFunc(func(_ context.Context, in *integration.Integration, _ *Entry, _ func() bool) (*Result, error) {
		counter, _ := inFlight.LoadOrStore(in.ID, new(atomic.Int32))
		if counter.(*atomic.Int32).Add(1) > 1 {
			overlapped.Store(true)
		}
		defer counter.(*atomic.Int32).Add(-1)

		seen.Store(in.ID, true)
		_, a := seen.Load("int-1")
		_, b := seen.Load("int-2")
		if a && b {
			once.Do(func() { close(bothRunning) })
		}
		// Different integrations run side by side.
		select {
		case <-bothRunning:
		case <-time.After(2 * time.Second):
			return nil, errors.New("integrations did not run concurrently")
		}
		return &Result{Processed: 1, Succeeded: 1}, nil
	})
	f := newDispatcherFixture(t, exec, "int-1", "int-2")
	f.dispatcher.Now = time.Now

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.repo.Enqueue(ctx, newEntry("a-1", "int-1", SourceManual, now)))
	require.NoError(t, f.repo.Enqueue(ctx, newEntry("a-2", "int-1", SourceManual, now.Add(time.Millisecond))))
	require.NoError(t, f.repo.Enqueue(ctx, newEntry("b-1", "int-2", SourceManual, now)))

	require.NoError(t, f.dispatcher.Start(ctx))
	assert.ErrorIs(t, f.dispatcher.Start(ctx), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.completed) == 3
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.dispatcher.Stop(stopCtx))
	assert.False(t, f.dispatcher.IsRunning())

	assert.False(t, overlapped.Load(), "entries of one integration overlapped")
	f.mu.Lock()
	defer f.mu.Unlock()
	var int1Order []string
	for _, e := range f.completed {
		assert.Equal(t, StatusDone, e.Status)
		if e.IntegrationID == "int-1" {
			int1Order = append(int1Order, e.ID)
		}
	}
	assert.Equal(t, []string{"a-1", "a-2"}, int1Order)
}

func TestDispatcher_StartResumesInterruptedEntries(t *testing.T) {
	done := make(chan string, 1)
	exec := executorFunc(func(_ context.Context, _ *integration.Integration, e *Entry, _ func() bool) (*Result, error) {
		done <- e.ID
		return &Result{}, nil
	})
	f := newDispatcherFixture(t, exec)
	f.dispatcher.Now = time.Now

	ctx := context.Background()
	require.NoError(t, f.repo.Enqueue(ctx, newEntry("q-1", "int-1", SourceManual, time.Now())))
	_, err := f.repo.Claim(ctx, "int-1", time.Now())
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.Start(ctx))
	defer f.dispatcher.Stop(ctx) //nolint:errcheck // test cleanup

	select {
	case id := <-done:
		assert.Equal(t, "q-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("interrupted entry was not resumed")
	}
}
