package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxRetries = 5

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides integration management with caching, validation and
// credential sealing.
//
// The cache holds integrations by ID and is kept in sync by the write
// methods. Every returned integration is a deep copy.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	sealer  *Sealer
	cache   map[string]*Integration
	cacheMu sync.RWMutex
	logger  Logger

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time

	// DefaultMaxRetries applies when an integration is created without one.
	DefaultMaxRetries int
}

// NewRegistry creates a registry over repo, sealing credentials with sealer.
func NewRegistry(repo Repository, sealer *Sealer) *Registry {
	return &Registry{
		repo:              repo,
		sealer:            sealer,
		cache:             make(map[string]*Integration),
		logger:            noopLogger{},
		Now:               time.Now,
		DefaultMaxRetries: defaultMaxRetries,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads every integration into the cache.
func (r *Registry) RefreshCache(ctx context.Context) error {
	integrations, err := r.repo.List(ctx, ListFilter{})
	if err != nil {
		return fmt.Errorf("loading integrations: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Integration, len(integrations))
	for i := range integrations {
		r.cache[integrations[i].ID] = integrations[i].DeepCopy()
	}

	r.logger.Info("integration cache refreshed", "count", len(integrations))
	return nil
}

// Create validates, seals and stores a new integration.
//
// Unset fields take defaults: a generated ID, bidirectional sync,
// newest_wins conflicts and the configured max retries.
//
// Parameters:
//   - ctx: request context
//   - in: the integration definition; ID and timestamps are filled in
//   - creds: clear-text credentials, sealed before storage
//
// Returns:
//   - error: ErrInvalidIntegration, ErrInvalidSettings, ErrIntegrationExists,
//     or a storage error
func (r *Registry) Create(ctx context.Context, in *Integration, creds Credentials) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.SyncDirection == "" {
		in.SyncDirection = DirectionBidirectional
	}
	if in.ConflictStrategy == "" {
		in.ConflictStrategy = StrategyNewestWins
	}
	if in.MaxRetries == 0 {
		in.MaxRetries = r.DefaultMaxRetries
	}
	if in.Settings == nil {
		in.Settings = map[string]any{}
	}

	if err := Validate(in); err != nil {
		return err
	}
	if err := ValidateConfig(in, creds); err != nil {
		return err
	}

	sealed, err := r.sealer.Seal(in.ID, creds)
	if err != nil {
		return fmt.Errorf("sealing credentials: %w", err)
	}
	in.CredentialsEncrypted = sealed

	now := r.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now

	if err := r.repo.Create(ctx, in); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[in.ID] = in.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("integration created", "integration_id", in.ID, "type", in.Type, "organization_id", in.OrganizationID)
	return nil
}

// Get returns an integration by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Integration, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	i, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = i.DeepCopy()
	r.cacheMu.Unlock()
	return i, nil
}

// List returns integrations matching filter from storage.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]Integration, error) {
	return r.repo.List(ctx, filter)
}

// Update replaces the configuration of an integration.
//
// When creds is nil the stored credentials are kept and the schema is
// checked against them; otherwise creds replace them.
func (r *Registry) Update(ctx context.Context, in *Integration, creds Credentials) error {
	existing, err := r.Get(ctx, in.ID)
	if err != nil {
		return err
	}
	in.OrganizationID = existing.OrganizationID
	in.Type = existing.Type
	in.CreatedAt = existing.CreatedAt
	in.LastSyncAt = existing.LastSyncAt
	in.LastSyncStatus = existing.LastSyncStatus
	in.LastSyncError = existing.LastSyncError
	in.Name = strings.TrimSpace(in.Name)
	if in.Settings == nil {
		in.Settings = map[string]any{}
	}

	if err := Validate(in); err != nil {
		return err
	}

	if creds == nil {
		creds, err = r.sealer.Open(existing.ID, existing.CredentialsEncrypted)
		if err != nil {
			return err
		}
		in.CredentialsEncrypted = existing.CredentialsEncrypted
	} else {
		sealed, err := r.sealer.Seal(in.ID, creds)
		if err != nil {
			return fmt.Errorf("sealing credentials: %w", err)
		}
		in.CredentialsEncrypted = sealed
	}
	if err := ValidateConfig(in, creds); err != nil {
		return err
	}

	in.UpdatedAt = r.Now().UTC()
	if err := r.repo.Update(ctx, in); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[in.ID] = in.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("integration updated", "integration_id", in.ID)
	return nil
}

// Delete removes an integration.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("integration deleted", "integration_id", id)
	return nil
}

// SetEnabled toggles an integration on or off.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	i, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if i.Enabled == enabled {
		return nil
	}
	i.Enabled = enabled
	i.UpdatedAt = r.Now().UTC()
	if err := r.repo.Update(ctx, i); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[id] = i.DeepCopy()
	r.cacheMu.Unlock()
	return nil
}

// RecordSyncOutcome writes back the result of a sync run.
func (r *Registry) RecordSyncOutcome(ctx context.Context, id string, status SyncStatus, message string, at time.Time) error {
	if err := r.repo.RecordSyncOutcome(ctx, id, status, message, at); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		t := at.UTC()
		cached.LastSyncAt = &t
		cached.LastSyncStatus = string(status)
		cached.LastSyncError = message
		cached.UpdatedAt = t
	}
	r.cacheMu.Unlock()

	if status == SyncStatusError {
		r.logger.Warn("integration sync failed", "integration_id", id, "error", message)
	}
	return nil
}

// Credentials opens the sealed credentials of an integration.
func (r *Registry) Credentials(ctx context.Context, id string) (Credentials, error) {
	i, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.sealer.Open(i.ID, i.CredentialsEncrypted)
}
