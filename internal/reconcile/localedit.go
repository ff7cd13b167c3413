package reconcile

import (
	"context"

	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

// Enqueuer accepts new queue entries.
type Enqueuer interface {
	Enqueue(ctx context.Context, e *syncqueue.Entry) error
}

// IntegrationGetter looks integrations up by ID.
type IntegrationGetter interface {
	Get(ctx context.Context, id string) (*integration.Integration, error)
}

// LocalEdits queues a push for every export mapping of a device after a
// local edit or delete.
type LocalEdits struct {
	queue        Enqueuer
	integrations IntegrationGetter
	assignments  device.AssignmentRepository
	logger       Logger
}

// NewLocalEdits creates the hook. Register it with
// device.Registry.OnLocalChange via Hook.
func NewLocalEdits(queue Enqueuer, integrations IntegrationGetter, assignments device.AssignmentRepository) *LocalEdits {
	return &LocalEdits{
		queue:        queue,
		integrations: integrations,
		assignments:  assignments,
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the hook.
func (l *LocalEdits) SetLogger(logger Logger) {
	l.logger = logger
}

// Hook returns the change hook.
func (l *LocalEdits) Hook() device.ChangeHook {
	return l.changed
}

func (l *LocalEdits) changed(ctx context.Context, d *device.Device) {
	assignments, err := l.assignments.ListByDevice(ctx, d.ID)
	if err != nil {
		l.logger.Error("listing device assignments", "device_id", d.ID, "error", err)
		return
	}
	for _, a := range assignments {
		if !a.SyncDirection.CanExport() {
			continue
		}
		in, err := l.integrations.Get(ctx, a.IntegrationID)
		if err != nil {
			l.logger.Warn("loading integration", "integration_id", a.IntegrationID, "error", err)
			continue
		}
		if !in.Enabled || !in.SyncDirection.CanExport() {
			continue
		}
		e := &syncqueue.Entry{
			OrganizationID: d.OrganizationID,
			IntegrationID:  in.ID,
			Operation:      syncqueue.OperationPush,
			Payload:        syncqueue.Payload{DeviceIDs: []string{d.ID}},
			Source:         syncqueue.SourceLocalEdit,
			MaxRetries:     in.MaxRetries,
		}
		if err := l.queue.Enqueue(ctx, e); err != nil {
			l.logger.Error("queueing local edit push", "device_id", d.ID, "integration_id", in.ID, "error", err)
			continue
		}
		l.logger.Debug("local edit queued", "device_id", d.ID, "integration_id", in.ID, "entry_id", e.ID)
	}
}
