package reconcile

import (
	"context"
	"errors"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/conflict"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

// pull imports remote state. A payload naming devices or external IDs
// fetches those one at a time; otherwise the full inventory is listed and
// a listing failure fails the attempt.
func (x *Executor) pull(ctx context.Context, r *run) error {
	p := r.entry.Payload
	switch {
	case len(p.DeviceIDs) > 0:
		x.pullDevices(ctx, r, p.DeviceIDs)
		return nil
	case len(p.ExternalIDs) > 0 && r.adapter.Capabilities().Get:
		x.pullExternal(ctx, r, p.ExternalIDs)
		return nil
	}

	if !r.adapter.Capabilities().List {
		return syncerr.New(syncerr.KindValidation, "NOT_SUPPORTED", "adapter cannot list devices")
	}
	remotes, err := r.adapter.ListRemote(ctx, r.target)
	if err != nil {
		return classify(r.adapter, err)
	}

	var only map[string]bool
	if len(p.ExternalIDs) > 0 {
		only = make(map[string]bool, len(p.ExternalIDs))
		for _, id := range p.ExternalIDs {
			only[id] = true
		}
	}
	for i := range remotes {
		if r.stop() {
			return nil
		}
		if only != nil && !only[remotes[i].ExternalID] {
			continue
		}
		x.pullDevice(ctx, r, &remotes[i])
	}
	return nil
}

// pullDevices fetches the remote state of mapped local devices.
func (x *Executor) pullDevices(ctx context.Context, r *run, deviceIDs []string) {
	for _, id := range deviceIDs {
		if r.stop() {
			return
		}
		a, err := x.devices.Assignments().Get(ctx, id, r.in.ID)
		if errors.Is(err, device.ErrAssignmentNotFound) {
			x.logger.Debug("device not mapped to integration", "device_id", id, "integration_id", r.in.ID)
			continue
		}
		if err != nil {
			r.result.Processed++
			x.stepFailed(ctx, r, nil, err)
			continue
		}
		x.fetchAndPull(ctx, r, a, a.ExternalDeviceID)
	}
}

// pullExternal fetches remote devices by their platform IDs.
func (x *Executor) pullExternal(ctx context.Context, r *run, externalIDs []string) {
	for _, ext := range externalIDs {
		if r.stop() {
			return
		}
		a, err := x.devices.Assignments().GetByExternalID(ctx, r.in.ID, ext)
		if err != nil && !errors.Is(err, device.ErrAssignmentNotFound) {
			r.result.Processed++
			x.stepFailed(ctx, r, nil, err)
			continue
		}
		x.fetchAndPull(ctx, r, a, ext)
	}
}

// fetchAndPull gets one remote device and pulls it. a may be nil for an
// unmapped external ID. A device the platform does not know is skipped.
func (x *Executor) fetchAndPull(ctx context.Context, r *run, a *device.Assignment, externalID string) {
	callCtx := ctx
	if a != nil {
		callCtx = adapter.WithDeviceID(ctx, a.DeviceID)
	}
	rd, err := r.adapter.GetRemote(callCtx, r.target, externalID)
	if errors.Is(err, adapter.ErrRemoteNotFound) {
		r.result.Processed++
		r.result.Skipped++
		r.result.Succeeded++
		return
	}
	if err != nil {
		r.result.Processed++
		x.stepFailed(ctx, r, a, err)
		return
	}
	if rd.ExternalID == "" {
		rd.ExternalID = externalID
	}
	x.pullDevice(ctx, r, rd)
}

// pullDevice matches one remote device to the registry and reconciles it,
// creating the local device when nothing matches.
func (x *Executor) pullDevice(ctx context.Context, r *run, rd *adapter.RemoteDevice) {
	r.result.Processed++
	if rd.ExternalID == "" {
		r.result.Skipped++
		r.result.Succeeded++
		return
	}

	local, a, err := x.devices.Match(ctx, r.in.OrganizationID, r.in.ID, rd.ExternalID, rd.SerialNumber, rd.Name)
	if errors.Is(err, device.ErrDeviceNotFound) {
		if rd.Deleted {
			r.result.Skipped++
			r.result.Succeeded++
			return
		}
		x.create(ctx, r, rd)
		return
	}
	if err != nil {
		x.stepFailed(ctx, r, a, err)
		return
	}
	if r.handled[local.ID] {
		r.result.Skipped++
		r.result.Succeeded++
		return
	}
	r.handled[local.ID] = true

	if a == nil {
		a, err = x.assign(ctx, r, local.ID, rd.ExternalID)
		if err != nil {
			x.stepFailed(ctx, r, nil, err)
			return
		}
	}

	x.writeTelemetry(r, rd, local.ID)
	x.reconcileDevice(ctx, r, local, a, rd)
}

// create imports an unmatched remote device with its assignment.
func (x *Executor) create(ctx context.Context, r *run, rd *adapter.RemoteDevice) {
	now := x.Now().UTC()
	d := newDevice(r.in.OrganizationID, r.in.ID, rd, now)
	if r.dryRun {
		r.result.Created++
		r.result.Succeeded++
		return
	}

	if err := x.devices.CreateDevice(ctx, d); err != nil {
		x.stepFailed(ctx, r, nil, wrapStep("creating device", err))
		return
	}
	r.handled[d.ID] = true

	a, err := x.assign(ctx, r, d.ID, rd.ExternalID)
	if err != nil {
		x.stepFailed(ctx, r, nil, err)
		return
	}
	if err := x.devices.Assignments().MarkSynced(ctx, a.ID, conflict.NewBaseline(d, rd), now); err != nil {
		x.stepFailed(ctx, r, a, wrapStep("marking assignment synced", err))
		return
	}
	if err := x.devices.RecordFirmware(ctx, d.ID, r.in.ID, "", d.FirmwareVersion, now); err != nil {
		x.logger.Warn("recording firmware", "device_id", d.ID, "error", err)
	}
	x.writeTelemetry(r, rd, d.ID)

	x.logger.Info("device imported",
		"device_id", d.ID,
		"integration_id", r.in.ID,
		"external_id", rd.ExternalID,
	)
	r.result.Created++
	r.result.Succeeded++
}

// assign maps a local device to an external ID. In a dry run it returns
// an unsaved assignment without a baseline.
func (x *Executor) assign(ctx context.Context, r *run, deviceID, externalID string) (*device.Assignment, error) {
	a := &device.Assignment{
		DeviceID:         deviceID,
		IntegrationID:    r.in.ID,
		ExternalDeviceID: externalID,
		SyncDirection:    r.in.SyncDirection,
	}
	if r.dryRun {
		return a, nil
	}
	if err := x.devices.Assign(ctx, a); err != nil {
		return nil, wrapStep("mapping device", err)
	}
	return a, nil
}

func (x *Executor) writeTelemetry(r *run, rd *adapter.RemoteDevice, deviceID string) {
	if x.telemetry == nil || r.dryRun || rd.TelemetryRecorded {
		return
	}
	if len(rd.Telemetry) == 0 && rd.BatteryLevel == nil && rd.SignalStrength == nil {
		return
	}
	x.telemetry.WriteTelemetry(adapter.TelemetryFor(r.target, rd, deviceID))
}
