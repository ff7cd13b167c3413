package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/conflict"
	"github.com/nerrad567/gray-logic-sync/internal/device"
)

// reconcileDevice compares one mapped pair and applies the outcome:
// deletions unmap or conflict, resolved values are written locally or
// pushed, and the assignment baseline moves unless a conflict is pending.
func (x *Executor) reconcileDevice(ctx context.Context, r *run, local *device.Device, a *device.Assignment, rd *adapter.RemoteDevice) {
	in := conflict.Input{
		Integration: r.in,
		Device:      local,
		Assignment:  a,
		Remote:      rd,
		Strategy:    r.entry.Payload.StrategyOverride,
	}
	det := conflict.Detect(in)
	now := x.Now().UTC()

	if del := det.Deletion; del != nil {
		if del.Conflict {
			if !x.recordConflicts(ctx, r, in, det, a) {
				return
			}
			if !r.dryRun && a.ID != "" {
				if err := x.devices.Assignments().MarkConflict(ctx, a.ID, now); err != nil {
					x.stepFailed(ctx, r, a, wrapStep("flagging assignment", err))
					return
				}
			}
			r.result.Succeeded++
			return
		}
		if err := x.unmap(ctx, r, a); err != nil {
			x.stepFailed(ctx, r, a, err)
			return
		}
		x.logger.Info("device unmapped after deletion",
			"device_id", local.ID,
			"integration_id", r.in.ID,
			"deleted_by", del.Side,
		)
		r.result.Deleted++
		r.result.Succeeded++
		return
	}

	if len(det.Conflicts()) > 0 {
		if !x.recordConflicts(ctx, r, in, det, a) {
			return
		}
	}

	changed := false
	updates := det.LocalUpdates()
	seen := rd.LastSeen != nil && (local.LastSeenAt == nil || !rd.LastSeen.Equal(*local.LastSeenAt))
	if len(updates) > 0 || seen {
		d := local.DeepCopy()
		for field, v := range updates {
			if err := conflict.ApplyValue(d, field, v); err != nil {
				x.stepFailed(ctx, r, a, wrapStep("applying "+field, err))
				return
			}
		}
		if seen {
			t := rd.LastSeen.UTC()
			d.LastSeenAt = &t
		}
		if !r.dryRun {
			if err := x.devices.ApplyRemote(ctx, d, now); err != nil {
				x.stepFailed(ctx, r, a, wrapStep("applying remote state", err))
				return
			}
			if err := x.devices.RecordFirmware(ctx, d.ID, r.in.ID, local.FirmwareVersion, d.FirmwareVersion, now); err != nil {
				x.logger.Warn("recording firmware", "device_id", d.ID, "error", err)
			}
		}
		local = d
		changed = len(updates) > 0
	}

	observed := rd
	if det.NeedsPush() && r.direction.CanExport() && r.adapter.Capabilities().Push {
		res, err := x.pushDevice(ctx, r, local, a)
		if err != nil {
			x.stepFailed(ctx, r, a, err)
			return
		}
		if res.Remote != nil {
			observed = res.Remote
		}
		changed = true
	}

	if !r.dryRun && a.ID != "" {
		var err error
		if det.PendingCount() > 0 {
			err = x.devices.Assignments().MarkConflict(ctx, a.ID, now)
		} else {
			err = x.devices.Assignments().MarkSynced(ctx, a.ID, conflict.NewBaseline(local, observed), now)
		}
		if err != nil {
			x.stepFailed(ctx, r, a, wrapStep("updating assignment", err))
			return
		}
	}

	switch {
	case changed:
		r.result.Updated++
	case len(det.Conflicts()) == 0:
		r.result.Skipped++
	}
	r.result.Succeeded++
}

// recordConflicts stores the conflicts of det. It reports false after a
// failed step.
func (x *Executor) recordConflicts(ctx context.Context, r *run, in conflict.Input, det *conflict.Detection, a *device.Assignment) bool {
	if det.Deletion != nil {
		r.result.Conflicts++
	} else {
		r.result.Conflicts += len(det.Conflicts())
	}
	if r.dryRun {
		return true
	}
	if _, err := x.resolver.Record(ctx, in, det); err != nil {
		x.stepFailed(ctx, r, a, err)
		return false
	}
	return true
}

// pushDevice writes local state to the platform. A dry run pushes nothing.
func (x *Executor) pushDevice(ctx context.Context, r *run, local *device.Device, a *device.Assignment) (*adapter.Result, error) {
	if r.dryRun {
		return &adapter.Result{ExternalID: a.ExternalDeviceID}, nil
	}
	res, err := r.adapter.PushLocal(adapter.WithDeviceID(ctx, local.ID), r.target, adapter.PushRequest{
		Device:     local,
		ExternalID: a.ExternalDeviceID,
	})
	if err != nil {
		return nil, err
	}
	x.logger.Debug("device pushed",
		"device_id", local.ID,
		"integration_id", r.in.ID,
		"external_id", a.ExternalDeviceID,
	)
	return res, nil
}

// unmap removes a mapping whose device is gone on one side.
func (x *Executor) unmap(ctx context.Context, r *run, a *device.Assignment) error {
	if r.dryRun || a.ID == "" {
		return nil
	}
	err := x.devices.Assignments().Delete(ctx, a.ID)
	if errors.Is(err, device.ErrAssignmentNotFound) {
		return nil
	}
	return err
}

// newDevice builds the local record for an imported remote device.
func newDevice(organizationID, integrationID string, rd *adapter.RemoteDevice, now time.Time) *device.Device {
	name := rd.Name
	if name == "" {
		name = rd.ExternalID
	}
	ext, integ := rd.ExternalID, integrationID
	d := &device.Device{
		OrganizationID:   organizationID,
		Name:             name,
		Description:      rd.Description,
		SerialNumber:     rd.SerialNumber,
		DeviceType:       rd.DeviceType,
		Status:           rd.Status,
		BatteryLevel:     rd.BatteryLevel,
		SignalStrength:   rd.SignalStrength,
		FirmwareVersion:  rd.FirmwareVersion,
		Tags:             rd.Tags,
		Metadata:         rd.Metadata,
		ExternalDeviceID: &ext,
		IntegrationID:    &integ,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if rd.LastSeen != nil {
		t := rd.LastSeen.UTC()
		d.LastSeenAt = &t
	}
	return d
}

// changedSinceSync reports whether a local device needs pushing: it was
// never synced, it failed last time, or it was edited after the baseline.
func changedSinceSync(d *device.Device, a *device.Assignment) bool {
	if a.LastSyncedAt == nil {
		return true
	}
	switch a.SyncStatus {
	case device.AssignmentError, device.AssignmentPending:
		return true
	}
	at := d.UpdatedAt
	if d.DeletedAt != nil && d.DeletedAt.After(at) {
		at = *d.DeletedAt
	}
	return at.After(*a.LastSyncedAt)
}
