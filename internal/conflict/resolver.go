package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// Logger defines the logging interface used by the Resolver.
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

// Devices is the part of the device registry the Resolver writes through.
type Devices interface {
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	UpdateDevice(ctx context.Context, d *device.Device) error
	DeleteDevice(ctx context.Context, id string) error
	RestoreDevice(ctx context.Context, id string) (*device.Device, error)
	Assignments() device.AssignmentRepository
}

// Publisher is told about every newly pending conflict.
type Publisher interface {
	ConflictCreated(ctx context.Context, c *Conflict)
}

// Recorded summarises the conflict rows written for one device pair.
type Recorded struct {
	AutoResolved int
	Pending      int
	Conflicts    []*Conflict
}

// Resolver records detected conflicts and applies manual resolutions.
type Resolver struct {
	repo      Repository
	devices   Devices
	publisher Publisher
	logger    Logger

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// NewResolver creates a resolver. publisher may be nil.
func NewResolver(repo Repository, devices Devices, publisher Publisher) *Resolver {
	return &Resolver{
		repo:      repo,
		devices:   devices,
		publisher: publisher,
		logger:    noopLogger{},
		Now:       time.Now,
	}
}

// SetLogger sets the logger for the resolver.
func (r *Resolver) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Repository exposes the conflict store for queries.
func (r *Resolver) Repository() Repository {
	return r.repo
}

// Record writes a conflict row for every conflicting outcome of det.
// Automatically resolved rows carry the resolved value and time; manual
// and delete_vs_update rows stay pending and are published once.
func (r *Resolver) Record(ctx context.Context, in Input, det *Detection) (*Recorded, error) {
	out := &Recorded{}
	now := r.Now().UTC()
	localAt := det.LocalAt
	remoteAt := det.RemoteAt

	if del := det.Deletion; del != nil {
		if !del.Conflict {
			return out, nil
		}
		c := &Conflict{
			FieldName:          FieldDeleted,
			ConflictType:       TypeDeleteVsUpdate,
			ResolutionStatus:   StatusPending,
			ResolutionStrategy: string(integration.StrategyManual),
		}
		var local, remote any = Snapshot(in.Device), Reported(in.Remote)
		if del.Side == SideLocal {
			local = true
		} else {
			remote = true
		}
		if err := r.fill(c, in, local, remote, localAt, remoteAt, now); err != nil {
			return nil, err
		}
		if err := r.save(ctx, c, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	for _, o := range det.Conflicts() {
		c := &Conflict{
			FieldName:          o.Field,
			ConflictType:       o.Type,
			ResolutionStatus:   StatusPending,
			ResolutionStrategy: string(o.Strategy),
		}
		if err := r.fill(c, in, o.Local, o.Remote, localAt, remoteAt, now); err != nil {
			return nil, err
		}
		if !o.Pending() {
			v, err := database.NewJSONValue(o.Value)
			if err != nil {
				return nil, err
			}
			c.ResolutionStatus = StatusAutoResolved
			c.ResolvedValue = v
			c.ResolvedBy = "system"
			c.ResolvedAt = &now
		}
		if err := r.save(ctx, c, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Resolver) fill(c *Conflict, in Input, local, remote any, localAt, remoteAt, now time.Time) error {
	lv, err := database.NewJSONValue(local)
	if err != nil {
		return err
	}
	rv, err := database.NewJSONValue(remote)
	if err != nil {
		return err
	}
	c.OrganizationID = in.Device.OrganizationID
	c.DeviceID = in.Device.ID
	c.IntegrationID = in.Integration.ID
	c.LocalValue = lv
	c.RemoteValue = rv
	c.LocalUpdatedAt = &localAt
	c.RemoteUpdatedAt = &remoteAt
	c.DetectedAt = now
	c.UpdatedAt = now
	return nil
}

func (r *Resolver) save(ctx context.Context, c *Conflict, out *Recorded) error {
	created, err := r.repo.Save(ctx, c)
	if err != nil {
		return fmt.Errorf("saving %s conflict on %s: %w", c.ConflictType, c.FieldName, err)
	}
	out.Conflicts = append(out.Conflicts, c)
	if !c.Pending() {
		out.AutoResolved++
		metrics.ConflictsTotal.WithLabelValues(string(c.ConflictType), string(c.ResolutionStatus)).Inc()
		return nil
	}
	out.Pending++
	if !created {
		return nil
	}
	metrics.ConflictsTotal.WithLabelValues(string(c.ConflictType), string(c.ResolutionStatus)).Inc()
	r.logger.Info("conflict pending",
		"conflict_id", c.ID,
		"device_id", c.DeviceID,
		"integration_id", c.IntegrationID,
		"field", c.FieldName,
		"type", c.ConflictType,
	)
	if r.publisher != nil {
		r.publisher.ConflictCreated(ctx, c)
	}
	return nil
}

// Resolve applies a manual decision to a pending conflict of
// organizationID.
//
// use_local and use_remote write the stored side's value to the local
// device, custom writes res.Value, and ignore only closes the conflict.
// Writes go through the device registry as local edits so export
// integrations receive the decision. For delete_vs_update conflicts,
// use_local keeps the local side (deleted or live) and use_remote
// follows the remote side; custom is not allowed.
func (r *Resolver) Resolve(ctx context.Context, organizationID, id string, res Resolution) (*Conflict, error) {
	c, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OrganizationID != organizationID {
		return nil, ErrNotFound
	}
	if !c.Pending() {
		return nil, ErrNotPending
	}

	var value database.JSONValue
	switch res.Action {
	case ActionUseLocal:
		value = c.LocalValue
	case ActionUseRemote:
		value = c.RemoteValue
	case ActionCustom:
		if len(res.Value.Raw) == 0 {
			return nil, ErrMissingValue
		}
		value = res.Value
	case ActionIgnore:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, res.Action)
	}

	if res.Action != ActionIgnore {
		if c.ConflictType == TypeDeleteVsUpdate {
			err = r.resolveDeletion(ctx, c, res.Action)
		} else {
			err = r.applyValue(ctx, c, value)
		}
		if err != nil {
			return nil, err
		}
	}

	now := r.Now().UTC()
	c.ResolutionStatus = StatusManuallyResolved
	if res.Action == ActionIgnore {
		c.ResolutionStatus = StatusIgnored
	}
	c.ResolutionStrategy = string(res.Action)
	c.ResolvedValue = value
	c.ResolvedBy = res.ResolvedBy
	c.ResolutionNotes = res.Notes
	c.ResolvedAt = &now
	if err := r.repo.Resolve(ctx, c); err != nil {
		return nil, err
	}

	metrics.ConflictsTotal.WithLabelValues(string(c.ConflictType), string(c.ResolutionStatus)).Inc()
	r.logger.Info("conflict resolved",
		"conflict_id", c.ID,
		"device_id", c.DeviceID,
		"action", res.Action,
		"resolved_by", res.ResolvedBy,
	)
	return c, nil
}

func (r *Resolver) applyValue(ctx context.Context, c *Conflict, value database.JSONValue) error {
	d, err := r.devices.GetDevice(ctx, c.DeviceID)
	if err != nil {
		return err
	}
	if d.Deleted() {
		return device.ErrDeviceDeleted
	}
	if err := Apply(d, c.FieldName, json.RawMessage(value.Raw)); err != nil {
		return err
	}
	return r.devices.UpdateDevice(ctx, d)
}

func (r *Resolver) resolveDeletion(ctx context.Context, c *Conflict, action Action) error {
	localDeleted := isTrue(c.LocalValue)
	switch {
	case action == ActionCustom:
		return fmt.Errorf("%w: delete_vs_update accepts use_local, use_remote or ignore", ErrInvalidAction)

	case localDeleted && action == ActionUseLocal:
		// Keep the delete: drop the mapping so the platform copy is no
		// longer synced.
		return r.unmap(ctx, c)

	case localDeleted && action == ActionUseRemote:
		_, err := r.devices.RestoreDevice(ctx, c.DeviceID)
		return err

	case action == ActionUseLocal:
		// Remote deleted, local kept: touch the device so it is pushed.
		d, err := r.devices.GetDevice(ctx, c.DeviceID)
		if err != nil {
			return err
		}
		return r.devices.UpdateDevice(ctx, d)

	default:
		if err := r.devices.DeleteDevice(ctx, c.DeviceID); err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
			return err
		}
		return r.unmap(ctx, c)
	}
}

func (r *Resolver) unmap(ctx context.Context, c *Conflict) error {
	a, err := r.devices.Assignments().Get(ctx, c.DeviceID, c.IntegrationID)
	if errors.Is(err, device.ErrAssignmentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.devices.Assignments().Delete(ctx, a.ID)
}

func isTrue(v database.JSONValue) bool {
	decoded, err := v.Decode()
	if err != nil {
		return false
	}
	b, ok := decoded.(bool)
	return ok && b
}
