package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ChangeHook is called after a local edit or delete has been persisted.
type ChangeHook func(ctx context.Context, d *Device)

// Registry provides device management with caching and thread safety.
// It wraps the device, assignment and firmware repositories and adds an
// in-memory cache of devices by ID.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by the write methods.
//
// All public methods are thread-safe.
type Registry struct {
	repo        Repository
	assignments AssignmentRepository
	firmware    FirmwareRepository

	cache   map[string]*Device // Cached devices by ID
	cacheMu sync.RWMutex       // Protects cache
	logger  Logger

	hookMu sync.RWMutex
	hooks  []ChangeHook

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// NewRegistry creates a new device registry.
func NewRegistry(repo Repository, assignments AssignmentRepository, firmware FirmwareRepository) *Registry {
	return &Registry{
		repo:        repo,
		assignments: assignments,
		firmware:    firmware,
		cache:       make(map[string]*Device),
		logger:      noopLogger{},
		Now:         time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// OnLocalChange registers a hook run after every local edit or delete.
func (r *Registry) OnLocalChange(hook ChangeHook) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, hook)
	r.hookMu.Unlock()
}

// Assignments exposes the assignment repository.
func (r *Registry) Assignments() AssignmentRepository {
	return r.assignments
}

// RefreshCache reloads all live devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx, ListFilter{IncludeDeleted: true})
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.ID] = d.DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID, including soft-deleted ones.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = d.DeepCopy()
	r.cacheMu.Unlock()

	return d, nil
}

// ListDevices retrieves devices matching filter from storage.
func (r *Registry) ListDevices(ctx context.Context, filter ListFilter) ([]Device, error) {
	return r.repo.List(ctx, filter)
}

// Match finds the local device corresponding to a remote device.
//
// The lookup order is the assignment's external ID, then the device's own
// import mapping, then serial number, then exact name. The returned
// assignment is nil when the device is not yet mapped to the integration.
func (r *Registry) Match(ctx context.Context, organizationID, integrationID, externalID, serial, name string) (*Device, *Assignment, error) {
	a, err := r.assignments.GetByExternalID(ctx, integrationID, externalID)
	switch {
	case err == nil:
		d, err := r.GetDevice(ctx, a.DeviceID)
		if err != nil {
			return nil, nil, err
		}
		return d, a, nil
	case !errors.Is(err, ErrAssignmentNotFound):
		return nil, nil, err
	}

	finders := []func() (*Device, error){
		func() (*Device, error) { return r.repo.FindByExternalID(ctx, integrationID, externalID) },
		func() (*Device, error) { return r.repo.FindBySerial(ctx, organizationID, serial) },
		func() (*Device, error) { return r.repo.FindByName(ctx, organizationID, name) },
	}
	for _, find := range finders {
		d, err := find()
		if errors.Is(err, ErrDeviceNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if d.OrganizationID != organizationID {
			continue
		}
		a, err := r.assignments.Get(ctx, d.ID, integrationID)
		if errors.Is(err, ErrAssignmentNotFound) {
			return d, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
		// Mapped to a different external ID in this integration; not a match.
		if a.ExternalDeviceID != externalID {
			continue
		}
		return d, a, nil
	}
	return nil, nil, ErrDeviceNotFound
}

// CreateDevice validates and stores a new device.
func (r *Registry) CreateDevice(ctx context.Context, d *Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Name = strings.TrimSpace(d.Name)
	if d.Status == "" {
		d.Status = StatusOffline
	}
	d.Tags = NormaliseTags(d.Tags)
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	if err := ValidateDevice(d); err != nil {
		return err
	}

	now := r.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()

	if err := r.repo.Create(ctx, d); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[d.ID] = d.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device created", "id", d.ID, "name", d.Name)
	return nil
}

// UpdateDevice applies a local edit. It bumps updated_at to now and runs
// the change hooks.
func (r *Registry) UpdateDevice(ctx context.Context, d *Device) error {
	existing, err := r.GetDevice(ctx, d.ID)
	if err != nil {
		return err
	}
	if existing.Deleted() {
		return ErrDeviceDeleted
	}
	d.OrganizationID = existing.OrganizationID
	d.CreatedAt = existing.CreatedAt
	d.DeletedAt = nil
	d.Tags = NormaliseTags(d.Tags)
	d.UpdatedAt = r.Now().UTC()

	if err := r.save(ctx, d); err != nil {
		return err
	}
	r.logger.Info("device updated", "id", d.ID, "name", d.Name)
	r.runHooks(ctx, d)
	return nil
}

// ApplyRemote stores values accepted from a platform. updated_at is set to
// at (the sync time) so the change does not register as a local edit.
func (r *Registry) ApplyRemote(ctx context.Context, d *Device, at time.Time) error {
	d.Tags = NormaliseTags(d.Tags)
	d.UpdatedAt = at.UTC()
	if err := r.save(ctx, d); err != nil {
		return err
	}
	r.logger.Debug("device updated from remote", "id", d.ID)
	return nil
}

// DeleteDevice soft deletes a device and runs the change hooks so the
// delete can be propagated.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	now := r.Now().UTC()
	if err := r.repo.SoftDelete(ctx, id, now); err != nil {
		return err
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[id] = d.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	r.runHooks(ctx, d)
	return nil
}

// RestoreDevice clears a soft delete. It counts as a local edit.
func (r *Registry) RestoreDevice(ctx context.Context, id string) (*Device, error) {
	d, err := r.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Deleted() {
		return d, nil
	}
	d.DeletedAt = nil
	d.UpdatedAt = r.Now().UTC()
	if err := r.save(ctx, d); err != nil {
		return nil, err
	}
	r.logger.Info("device restored", "id", id)
	r.runHooks(ctx, d)
	return d, nil
}

// PurgeDevice removes a soft-deleted device for good.
func (r *Registry) PurgeDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()
	return nil
}

// Assign maps a device to an external ID within an integration.
func (r *Registry) Assign(ctx context.Context, a *Assignment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ExternalDeviceID == "" {
		return fmt.Errorf("%w: external_device_id is required", ErrInvalidDevice)
	}
	if a.SyncStatus == "" {
		a.SyncStatus = AssignmentPending
	}
	if a.SyncDirection == "" {
		a.SyncDirection = integration.DirectionBidirectional
	}
	now := r.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	return r.assignments.Create(ctx, a)
}

// RecordFirmware appends a firmware change when the version moved.
func (r *Registry) RecordFirmware(ctx context.Context, deviceID, integrationID, oldVersion, newVersion string, at time.Time) error {
	if newVersion == "" || newVersion == oldVersion {
		return nil
	}
	return r.firmware.Record(ctx, &FirmwareChange{
		ID:            uuid.NewString(),
		DeviceID:      deviceID,
		IntegrationID: integrationID,
		OldVersion:    oldVersion,
		NewVersion:    newVersion,
		RecordedAt:    at,
	})
}

// FirmwareHistory returns a device's firmware changes.
func (r *Registry) FirmwareHistory(ctx context.Context, deviceID string) ([]FirmwareChange, error) {
	return r.firmware.ListByDevice(ctx, deviceID)
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

func (r *Registry) save(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}
	if err := r.repo.Update(ctx, d); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[d.ID] = d.DeepCopy()
	r.cacheMu.Unlock()
	return nil
}

func (r *Registry) runHooks(ctx context.Context, d *Device) {
	r.hookMu.RLock()
	hooks := append([]ChangeHook(nil), r.hooks...)
	r.hookMu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, d.DeepCopy())
	}
}
