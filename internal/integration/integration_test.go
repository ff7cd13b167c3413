package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database/dbtest"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db := dbtest.New(t)
	sealer, err := NewSealer(testKey)
	require.NoError(t, err)
	reg := NewRegistry(NewSQLRepository(db.DB), sealer)
	reg.Now = func() time.Time { return time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC) }
	return reg
}

func goliothIntegration() *Integration {
	return &Integration{
		OrganizationID: "org-1",
		Name:           "Golioth prod",
		Type:           TypeGolioth,
		Settings:       database.JSONMap{SettingProjectID: "fleet"},
		Enabled:        true,
	}
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	blob, err := s.Seal("int-1", Credentials{"api_key": "secret"})
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "secret")

	got, err := s.Open("int-1", blob)
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Get("api_key"))

	_, err = s.Open("int-2", blob)
	assert.ErrorIs(t, err, ErrSealedCredentials)
}

func TestNewSealer_ShortKey(t *testing.T) {
	_, err := NewSealer("short")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(i *Integration)
		wantErr error
	}{
		{name: "valid", mutate: func(*Integration) {}},
		{name: "missing org", mutate: func(i *Integration) { i.OrganizationID = "" }, wantErr: ErrInvalidIntegration},
		{name: "bad type", mutate: func(i *Integration) { i.Type = "zigbee" }, wantErr: ErrInvalidType},
		{name: "bad direction", mutate: func(i *Integration) { i.SyncDirection = "sideways" }, wantErr: ErrInvalidDirection},
		{name: "merge not allowed as default", mutate: func(i *Integration) { i.ConflictStrategy = StrategyMerge }, wantErr: ErrInvalidStrategy},
		{name: "bad field override", mutate: func(i *Integration) {
			i.Settings[SettingFieldStrategies] = map[string]any{"name": "coin_flip"}
		}, wantErr: ErrInvalidStrategy},
		{name: "merge field override", mutate: func(i *Integration) {
			i.Settings[SettingFieldStrategies] = map[string]any{"tags": "merge"}
		}},
		{name: "zero retries", mutate: func(i *Integration) { i.MaxRetries = 0 }, wantErr: ErrInvalidIntegration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := goliothIntegration()
			i.SyncDirection = DirectionBidirectional
			i.ConflictStrategy = StrategyNewestWins
			i.MaxRetries = 5
			tt.mutate(i)

			err := Validate(i)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		i       *Integration
		creds   Credentials
		wantErr bool
	}{
		{
			name:  "golioth ok",
			i:     &Integration{Type: TypeGolioth, Settings: database.JSONMap{"project_id": "p"}},
			creds: Credentials{"api_key": "k"},
		},
		{
			name:    "golioth missing api key",
			i:       &Integration{Type: TypeGolioth, Settings: database.JSONMap{"project_id": "p"}},
			creds:   Credentials{},
			wantErr: true,
		},
		{
			name:  "aws ok",
			i:     &Integration{Type: TypeAWSIoT, Settings: database.JSONMap{"region": "eu-west-1"}},
			creds: Credentials{"access_key_id": "AKIA", "secret_access_key": "s"},
		},
		{
			name:    "aws bad region",
			i:       &Integration{Type: TypeAWSIoT, Settings: database.JSONMap{"region": "mars"}},
			creds:   Credentials{"access_key_id": "AKIA", "secret_access_key": "s"},
			wantErr: true,
		},
		{
			name:  "azure ok",
			i:     &Integration{Type: TypeAzureIoT, Settings: database.JSONMap{"hub_name": "h"}},
			creds: Credentials{"shared_access_key": "a2V5", "policy_name": "iothubowner"},
		},
		{
			name:    "mqtt needs broker url",
			i:       &Integration{Type: TypeMQTT, Settings: database.JSONMap{}},
			wantErr: true,
		},
		{
			name: "mqtt ok",
			i:    &Integration{Type: TypeMQTT, BaseEndpoint: "tcp://broker:1883", Settings: database.JSONMap{}},
		},
		{
			name:    "webhook short secret",
			i:       &Integration{Type: TypeWebhook, Settings: database.JSONMap{}},
			creds:   Credentials{"webhook_secret": "abc"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.i, tt.creds)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSettings)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistry_CreateGetCredentials(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	in := goliothIntegration()
	require.NoError(t, reg.Create(ctx, in, Credentials{"api_key": "k-123"}))
	assert.NotEmpty(t, in.ID)
	assert.Equal(t, DirectionBidirectional, in.SyncDirection)
	assert.Equal(t, StrategyNewestWins, in.ConflictStrategy)
	assert.Equal(t, 5, in.MaxRetries)

	got, err := reg.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "fleet", got.Setting(SettingProjectID))

	creds, err := reg.Credentials(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "k-123", creds.Get("api_key"))

	// Copies are independent of the cache.
	got.Settings["project_id"] = "mutated"
	again, err := reg.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "fleet", again.Setting(SettingProjectID))
}

func TestRegistry_CreateDuplicateName(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	require.NoError(t, reg.Create(ctx, goliothIntegration(), Credentials{"api_key": "k"}))
	err := reg.Create(ctx, goliothIntegration(), Credentials{"api_key": "k"})
	assert.ErrorIs(t, err, ErrIntegrationExists)
}

func TestRegistry_UpdateKeepsCredentials(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	in := goliothIntegration()
	require.NoError(t, reg.Create(ctx, in, Credentials{"api_key": "k"}))

	upd := in.DeepCopy()
	upd.Name = "Golioth staging"
	upd.IntervalSeconds = 900
	require.NoError(t, reg.Update(ctx, upd, nil))

	require.NoError(t, reg.RefreshCache(ctx))
	got, err := reg.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "Golioth staging", got.Name)
	assert.Equal(t, 900, got.IntervalSeconds)

	creds, err := reg.Credentials(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "k", creds.Get("api_key"))
}

func TestRegistry_RecordSyncOutcomeAndFilters(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	in := goliothIntegration()
	require.NoError(t, reg.Create(ctx, in, Credentials{"api_key": "k"}))

	at := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	require.NoError(t, reg.RecordSyncOutcome(ctx, in.ID, SyncStatusError, "auth rejected", at))

	require.NoError(t, reg.RefreshCache(ctx))
	got, err := reg.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastSyncStatus)
	assert.Equal(t, "auth rejected", got.LastSyncError)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(at))

	require.NoError(t, reg.SetEnabled(ctx, in.ID, false))
	enabled := true
	list, err := reg.List(ctx, ListFilter{OrganizationID: "org-1", Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = reg.List(ctx, ListFilter{OrganizationID: "org-1", Type: TypeGolioth})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRegistry_Delete(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	in := goliothIntegration()
	require.NoError(t, reg.Create(ctx, in, Credentials{"api_key": "k"}))
	require.NoError(t, reg.Delete(ctx, in.ID))

	_, err := reg.Get(ctx, in.ID)
	assert.ErrorIs(t, err, ErrIntegrationNotFound)
	assert.ErrorIs(t, reg.Delete(ctx, in.ID), ErrIntegrationNotFound)
}

func TestDirection(t *testing.T) {
	assert.True(t, DirectionImport.CanImport())
	assert.False(t, DirectionImport.CanExport())
	assert.True(t, DirectionBidirectional.CanExport())
	assert.False(t, DirectionOff.CanImport())
}
