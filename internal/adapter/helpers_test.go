package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

var testNow = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

type memRecorder struct {
	mu      sync.Mutex
	entries []activity.Entry
}

func (m *memRecorder) RecordActivity(_ context.Context, e *activity.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memRecorder) all() []activity.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]activity.Entry(nil), m.entries...)
}

type memTelemetry struct {
	mu     sync.Mutex
	points []influxdb.Telemetry
}

func (m *memTelemetry) WriteTelemetry(t influxdb.Telemetry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, t)
	return true
}

func newTarget(typ integration.Type, endpoint string, settings database.JSONMap, creds integration.Credentials) Target {
	if settings == nil {
		settings = database.JSONMap{}
	}
	return Target{
		Integration: &integration.Integration{
			ID:               "int-1",
			OrganizationID:   "org-1",
			Name:             string(typ),
			Type:             typ,
			BaseEndpoint:     endpoint,
			Settings:         settings,
			SyncDirection:    integration.DirectionBidirectional,
			ConflictStrategy: integration.StrategyNewestWins,
			MaxRetries:       5,
			Enabled:          true,
			CreatedAt:        testNow,
			UpdatedAt:        testNow,
		},
		Credentials: creds,
	}
}

func newTestClient(rec *memRecorder) *HTTPClient {
	c := NewHTTPClient(rec)
	c.Now = func() time.Time { return testNow }
	return c
}

// newTestSnapshots opens a migrated database holding t's integration row.
func newTestSnapshots(t *testing.T, target Target) *SnapshotStore {
	t.Helper()
	db := dbtest.New(t)
	require.NoError(t, integration.NewSQLRepository(db.DB).Create(context.Background(), target.Integration))
	return NewSnapshotStore(db.DB)
}
