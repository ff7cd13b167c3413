package reconcile

import (
	"context"
	"errors"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/conflict"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

// push exports local changes for the integration's mapped devices. Devices
// reconciled by the pull phase of the same attempt are skipped. When the
// adapter can fetch single devices the current remote state is compared
// first, so a concurrent remote edit becomes a conflict instead of being
// overwritten.
func (x *Executor) push(ctx context.Context, r *run) error {
	if !r.adapter.Capabilities().Push {
		x.logger.Debug("adapter cannot push", "integration_id", r.in.ID, "type", r.in.Type)
		return nil
	}
	assignments, err := x.devices.Assignments().ListByIntegration(ctx, r.in.ID)
	if err != nil {
		return wrapStep("listing assignments", err)
	}

	only := selection(r.entry.Payload.DeviceIDs)
	external := selection(r.entry.Payload.ExternalIDs)
	for i := range assignments {
		if r.stop() {
			return nil
		}
		a := &assignments[i]
		if r.handled[a.DeviceID] {
			continue
		}
		if only != nil && !only[a.DeviceID] {
			continue
		}
		if external != nil && !external[a.ExternalDeviceID] {
			continue
		}
		x.pushOne(ctx, r, a)
	}
	return nil
}

func (x *Executor) pushOne(ctx context.Context, r *run, a *device.Assignment) {
	local, err := x.devices.GetDevice(ctx, a.DeviceID)
	if err != nil {
		r.result.Processed++
		x.stepFailed(ctx, r, a, err)
		return
	}
	if !changedSinceSync(local, a) {
		return
	}
	r.result.Processed++
	r.handled[local.ID] = true

	var rd *adapter.RemoteDevice
	if r.adapter.Capabilities().Get {
		rd, err = r.adapter.GetRemote(adapter.WithDeviceID(ctx, local.ID), r.target, a.ExternalDeviceID)
		if err != nil && !errors.Is(err, adapter.ErrRemoteNotFound) {
			x.stepFailed(ctx, r, a, err)
			return
		}
	}
	if rd != nil {
		if rd.ExternalID == "" {
			rd.ExternalID = a.ExternalDeviceID
		}
		x.reconcileDevice(ctx, r, local, a, rd)
		return
	}

	// No remote state to compare against.
	if local.Deleted() {
		if err := x.unmap(ctx, r, a); err != nil {
			x.stepFailed(ctx, r, a, err)
			return
		}
		r.result.Deleted++
		r.result.Succeeded++
		return
	}
	res, err := x.pushDevice(ctx, r, local, a)
	if err != nil {
		x.stepFailed(ctx, r, a, err)
		return
	}
	if !r.dryRun {
		b := device.Baseline{
			Fingerprint: a.RemoteFingerprint,
			Local:       database.JSONMap(conflict.Snapshot(local)),
			Remote:      a.RemoteBaseline,
		}
		if res.Remote != nil {
			b = conflict.NewBaseline(local, res.Remote)
		}
		if err := x.devices.Assignments().MarkSynced(ctx, a.ID, b, x.Now().UTC()); err != nil {
			x.stepFailed(ctx, r, a, wrapStep("marking assignment synced", err))
			return
		}
	}
	r.result.Updated++
	r.result.Succeeded++
}

func selection(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
