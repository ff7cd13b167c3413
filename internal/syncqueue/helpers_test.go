package syncqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

var testNow = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestRepo returns a queue over a migrated database holding the given
// integrations.
func newTestRepo(t *testing.T, integrationIDs ...string) (*SQLRepository, map[string]*integration.Integration) {
	t.Helper()
	db := dbtest.New(t)
	repo := integration.NewSQLRepository(db.DB)

	out := make(map[string]*integration.Integration, len(integrationIDs))
	for _, id := range integrationIDs {
		in := &integration.Integration{
			ID:               id,
			OrganizationID:   "org-1",
			Name:             "integration " + id,
			Type:             integration.TypeGolioth,
			Settings:         database.JSONMap{},
			SyncDirection:    integration.DirectionBidirectional,
			ConflictStrategy: integration.StrategyNewestWins,
			MaxRetries:       5,
			Enabled:          true,
			CreatedAt:        testNow,
			UpdatedAt:        testNow,
		}
		require.NoError(t, repo.Create(context.Background(), in))
		out[id] = in
	}
	return NewSQLRepository(db.DB), out
}

func newEntry(id, integrationID string, src Source, created time.Time) *Entry {
	return &Entry{
		ID:             id,
		OrganizationID: "org-1",
		IntegrationID:  integrationID,
		Operation:      OperationReconcile,
		Source:         src,
		CreatedAt:      created,
	}
}

type outcome struct {
	id      string
	status  integration.SyncStatus
	message string
}

type memIntegrations struct {
	mu       sync.Mutex
	byID     map[string]*integration.Integration
	outcomes []outcome
}

func (m *memIntegrations) Get(_ context.Context, id string) (*integration.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.byID[id]
	if !ok {
		return nil, integration.ErrIntegrationNotFound
	}
	return in.DeepCopy(), nil
}

func (m *memIntegrations) RecordSyncOutcome(_ context.Context, id string, status integration.SyncStatus, message string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome{id: id, status: status, message: message})
	return nil
}

func (m *memIntegrations) last() outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outcomes) == 0 {
		return outcome{}
	}
	return m.outcomes[len(m.outcomes)-1]
}

type memNotifier struct {
	mu     sync.Mutex
	failed []*Entry
}

func (n *memNotifier) SyncFailed(_ context.Context, _ *integration.Integration, e *Entry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := *e
	n.failed = append(n.failed, &cp)
}

// executorFunc adapts a function to Executor.
type executorFunc func(ctx context.Context, in *integration.Integration, e *Entry, cancelled func() bool) (*Result, error)

func (f executorFunc) Run(ctx context.Context, in *integration.Integration, e *Entry, cancelled func() bool) (*Result, error) {
	return f(ctx, in, e, cancelled)
}
