package adapter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

// TelemetrySink stores device readings.
type TelemetrySink interface {
	WriteTelemetry(t influxdb.Telemetry) bool
}

// TelemetryFor builds the telemetry point for a remote device. deviceID
// is the matched local device, or "" before matching.
func TelemetryFor(t Target, rd *RemoteDevice, deviceID string) influxdb.Telemetry {
	at := rd.ReceivedAt
	if rd.UpdatedAt != nil {
		at = *rd.UpdatedAt
	}
	fields := make(map[string]any, len(rd.Telemetry)+2)
	for k, v := range rd.Telemetry {
		fields[k] = v
	}
	if rd.BatteryLevel != nil {
		fields["battery_level"] = *rd.BatteryLevel
	}
	if rd.SignalStrength != nil {
		fields["signal_strength"] = *rd.SignalStrength
	}
	return influxdb.Telemetry{
		OrganizationID:   t.Integration.OrganizationID,
		IntegrationID:    t.Integration.ID,
		DeviceID:         deviceID,
		ExternalDeviceID: rd.ExternalID,
		Sensor:           str(rd.Telemetry["sensor"]),
		Fields:           fields,
		At:               at,
	}
}

// ingestor stores pushed remote state: telemetry first, then the
// snapshot, so the snapshot records that telemetry was written.
type ingestor struct {
	snapshots *SnapshotStore
	telemetry TelemetrySink
	recorder  ActivityRecorder
	logger    Logger
}

func (in *ingestor) store(ctx context.Context, t Target, rd RemoteDevice) (RemoteDevice, error) {
	if in.telemetry != nil && len(rd.Telemetry) > 0 {
		if in.telemetry.WriteTelemetry(TelemetryFor(t, &rd, "")) {
			rd.TelemetryRecorded = true
		}
	}
	return in.snapshots.Put(ctx, t.ID(), rd)
}

func (in *ingestor) record(ctx context.Context, e *activity.Entry) {
	if in.recorder == nil {
		return
	}
	if err := in.recorder.RecordActivity(ctx, e); err != nil {
		in.logger.Warn("recording inbound activity failed",
			"integration_id", e.IntegrationID,
			"activity", e.ActivityType,
			"error", err,
		)
	}
}

// Inbound is one webhook delivery.
type Inbound struct {
	Target   Target
	Header   http.Header
	Body     []byte
	Endpoint string
}

// Receiver verifies, normalises and buffers inbound webhook deliveries.
type Receiver struct {
	ingestor

	// Now is overridable in tests.
	Now func() time.Time
}

// NewReceiver creates a webhook receiver. telemetry and recorder may be nil.
func NewReceiver(snapshots *SnapshotStore, telemetry TelemetrySink, recorder ActivityRecorder) *Receiver {
	return &Receiver{
		ingestor: ingestor{
			snapshots: snapshots,
			telemetry: telemetry,
			recorder:  recorder,
			logger:    noopLogger{},
		},
		Now: time.Now,
	}
}

// SetLogger sets the logger for the receiver.
func (r *Receiver) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Receive handles one delivery and returns the buffered device state.
//
// Every delivery records a webhook_received activity row. A missing or
// wrong signature returns a SignatureInvalid error and nothing is stored.
func (r *Receiver) Receive(ctx context.Context, in Inbound) (*RemoteDevice, error) {
	start := r.Now()
	entry := &activity.Entry{
		OrganizationID: in.Target.Integration.OrganizationID,
		IntegrationID:  in.Target.ID(),
		ActivityType:   activity.TypeWebhookReceived,
		Method:         http.MethodPost,
		Endpoint:       in.Endpoint,
		RequestBody:    string(in.Body),
		Status:         activity.StatusSuccess,
		CreatedAt:      start,
	}

	rd, err := r.receive(ctx, in)
	entry.ResponseTimeMS = r.Now().Sub(start).Milliseconds()
	if err != nil {
		serr := syncerr.Classify(err)
		entry.Status = activity.StatusError
		entry.ErrorCode = string(serr.Kind)
		entry.ErrorMessage = serr.Error()
		if serr.Kind == syncerr.KindSignatureInvalid {
			entry.ResponseStatus = http.StatusUnauthorized
		} else {
			entry.ResponseStatus = http.StatusBadRequest
		}
	} else {
		entry.ResponseStatus = http.StatusAccepted
	}
	r.record(context.WithoutCancel(ctx), entry)
	return rd, err
}

func (r *Receiver) receive(ctx context.Context, in Inbound) (*RemoteDevice, error) {
	secret := in.Target.Credentials.Get(integration.CredWebhookSecret)
	if secret == "" {
		return nil, syncerr.New(syncerr.KindSignatureInvalid, "SECRET_NOT_CONFIGURED",
			"integration has no webhook secret")
	}
	sig := SignatureFrom(in.Header, in.Target.Integration.Type)
	if sig == "" {
		return nil, syncerr.New(syncerr.KindSignatureInvalid, "SIGNATURE_MISSING", "no signature header")
	}
	if !VerifySignature(secret, in.Body, sig) {
		return nil, syncerr.New(syncerr.KindSignatureInvalid, "SIGNATURE_MISMATCH", "signature does not match body")
	}

	ev, err := Normalize(in.Target.Integration.Type, in.Body)
	if err != nil {
		return nil, err
	}
	merged, err := r.store(ctx, in.Target, ev.Remote(r.Now()))
	if err != nil {
		return nil, fmt.Errorf("buffering webhook payload: %w", err)
	}
	r.logger.Debug("webhook buffered",
		"integration_id", in.Target.ID(),
		"external_id", merged.ExternalID,
		"event", ev.Event,
	)
	return &merged, nil
}
