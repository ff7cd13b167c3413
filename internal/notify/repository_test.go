package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database/dbtest"
)

var t0 = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

func newRepo(t *testing.T) *SQLRepository {
	t.Helper()
	return NewSQLRepository(dbtest.New(t).DB)
}

func TestPutPreference_UpsertsRoute(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	p := &Preference{
		OrganizationID: "org-1",
		EventType:      EventSyncFailed,
		Channel:        ChannelWebhook,
		Target:         "https://hooks.example.com/a",
		Secret:         "one",
		Enabled:        true,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	require.NoError(t, repo.PutPreference(ctx, p))
	firstID := p.ID
	require.NotEmpty(t, firstID)

	again := &Preference{
		OrganizationID: "org-1",
		EventType:      EventSyncFailed,
		Channel:        ChannelWebhook,
		Target:         "https://hooks.example.com/a",
		Secret:         "two",
		Enabled:        false,
		CreatedAt:      t0.Add(time.Hour),
		UpdatedAt:      t0.Add(time.Hour),
	}
	require.NoError(t, repo.PutPreference(ctx, again))
	assert.Equal(t, firstID, again.ID)
	assert.Equal(t, "two", again.Secret)
	assert.False(t, again.Enabled)

	all, err := repo.ListPreferences(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	enabled, err := repo.Preferences(ctx, "org-1", EventSyncFailed)
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestPreferences_FiltersByEventAndOrganization(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	for _, p := range []*Preference{
		{OrganizationID: "org-1", EventType: EventSyncFailed, Channel: ChannelEmail, Target: "ops@example.com", Enabled: true},
		{OrganizationID: "org-1", EventType: EventConflictCreated, Channel: ChannelInApp, Enabled: true},
		{OrganizationID: "org-2", EventType: EventSyncFailed, Channel: ChannelSMS, Target: "+15550100", Enabled: true},
	} {
		p.CreatedAt, p.UpdatedAt = t0, t0
		require.NoError(t, repo.PutPreference(ctx, p))
	}

	prefs, err := repo.Preferences(ctx, "org-1", EventSyncFailed)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, ChannelEmail, prefs[0].Channel)

	found, err := repo.FindPreference(ctx, &Notification{
		OrganizationID: "org-2",
		EventType:      EventSyncFailed,
		Channel:        ChannelSMS,
		Target:         "+15550100",
	})
	require.NoError(t, err)
	assert.Equal(t, "org-2", found.OrganizationID)

	_, err = repo.FindPreference(ctx, &Notification{OrganizationID: "org-3", EventType: EventSyncFailed, Channel: ChannelSMS})
	assert.ErrorIs(t, err, ErrPreferenceNotFound)
}

func TestDeletePreference(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	p := &Preference{OrganizationID: "org-1", EventType: EventIntegrationError, Channel: ChannelInApp, Enabled: true, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, repo.PutPreference(ctx, p))

	assert.ErrorIs(t, repo.DeletePreference(ctx, "org-2", p.ID), ErrPreferenceNotFound)
	require.NoError(t, repo.DeletePreference(ctx, "org-1", p.ID))
	assert.ErrorIs(t, repo.DeletePreference(ctx, "org-1", p.ID), ErrPreferenceNotFound)
}

func TestNotificationLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	n := &Notification{
		OrganizationID: "org-1",
		EventType:      EventSyncFailed,
		Channel:        ChannelEmail,
		Target:         "ops@example.com",
		Subject:        "Sync failed",
		Message:        "boom",
		Payload:        database.JSONMap{"entry_id": "e-1"},
		MaxRetries:     2,
		CreatedAt:      t0,
	}
	require.NoError(t, repo.Create(ctx, n))
	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, "2026-10", n.PartitionMonth)

	require.NoError(t, repo.MarkRetry(ctx, n.ID, 1, "timeout", t0.Add(time.Minute)))
	got, err := repo.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "timeout", got.LastError)
	assert.Equal(t, "e-1", got.Payload["entry_id"])

	pending, err := repo.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, repo.MarkSent(ctx, n.ID, t0.Add(2*time.Minute)))
	got, err = repo.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.Empty(t, got.LastError)

	// Terminal rows are not touched again.
	assert.ErrorIs(t, repo.MarkFailed(ctx, n.ID, 2, "late", t0.Add(3*time.Minute)), ErrNotificationNotFound)

	pending, err = repo.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotificationNotFound)
}

func TestList_FiltersAndCounts(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	for i, ch := range []Channel{ChannelEmail, ChannelEmail, ChannelWebhook} {
		require.NoError(t, repo.Create(ctx, &Notification{
			OrganizationID: "org-1",
			EventType:      EventSyncFailed,
			Channel:        ch,
			MaxRetries:     3,
			CreatedAt:      t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Create(ctx, &Notification{
		OrganizationID: "org-2",
		EventType:      EventSyncFailed,
		Channel:        ChannelEmail,
		MaxRetries:     3,
		CreatedAt:      t0,
	}))

	list, total, err := repo.List(ctx, Filter{OrganizationID: "org-1", Channel: ChannelEmail, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 1)
	assert.True(t, list[0].CreatedAt.Equal(t0.Add(time.Minute)), "newest first")

	_, total, err = repo.List(ctx, Filter{Status: StatusSent})
	require.NoError(t, err)
	assert.Zero(t, total)
}
