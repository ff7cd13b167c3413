package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementTelemetry = "device_telemetry"
	MeasurementSyncRuns  = "sync_runs"
)

// Telemetry is one set of readings for a device.
type Telemetry struct {
	OrganizationID string
	IntegrationID  string
	DeviceID       string

	// ExternalDeviceID is set when the reading arrived before the device
	// was matched to a local record.
	ExternalDeviceID string

	// Sensor optionally identifies the reporting sensor.
	Sensor string

	// Fields holds the readings. Only numeric and boolean values are written.
	Fields map[string]any

	// At defaults to the write time.
	At time.Time
}

// SyncRun is the outcome of one sync run attempt.
type SyncRun struct {
	OrganizationID string
	IntegrationID  string
	Operation      string
	Status         string
	Processed      int
	Succeeded      int
	Failed         int
	Conflicts      int
	Duration       time.Duration
	At             time.Time
}

// WriteTelemetry writes device readings. It reports whether a point was
// queued; points with no numeric fields are dropped.
func (c *Client) WriteTelemetry(t Telemetry) bool {
	if !c.IsConnected() {
		return false
	}
	point := TelemetryPoint(t)
	if point == nil {
		return false
	}
	c.writeAPI.WritePoint(point)
	return true
}

// WriteSyncRun records sync run statistics.
func (c *Client) WriteSyncRun(r SyncRun) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(SyncRunPoint(r))
}

// TelemetryPoint builds the device_telemetry point for t, or nil when t
// carries no writable fields.
func TelemetryPoint(t Telemetry) *write.Point {
	fields := make(map[string]any, len(t.Fields))
	for k, v := range t.Fields {
		if f, ok := numericField(v); ok {
			fields[k] = f
		}
	}
	if len(fields) == 0 {
		return nil
	}

	tags := map[string]string{
		"organization_id": t.OrganizationID,
		"integration_id":  t.IntegrationID,
		"device_id":       t.DeviceID,
	}
	if t.ExternalDeviceID != "" {
		tags["external_device_id"] = t.ExternalDeviceID
	}
	if t.Sensor != "" {
		tags["sensor"] = t.Sensor
	}

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(MeasurementTelemetry, tags, fields, at)
}

// SyncRunPoint builds the sync_runs point for r.
func SyncRunPoint(r SyncRun) *write.Point {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		MeasurementSyncRuns,
		map[string]string{
			"organization_id": r.OrganizationID,
			"integration_id":  r.IntegrationID,
			"operation":       r.Operation,
			"status":          r.Status,
		},
		map[string]any{
			"processed":   int64(r.Processed),
			"succeeded":   int64(r.Succeeded),
			"failed":      int64(r.Failed),
			"conflicts":   int64(r.Conflicts),
			"duration_ms": r.Duration.Milliseconds(),
		},
		at,
	)
}

func numericField(v any) (any, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case bool:
		return n, true
	default:
		return nil, false
	}
}
