package adapter

import (
	"maps"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/device"
)

// RemoteDevice is one device as a platform reports it.
//
// Zero values mean "not reported": an empty string, a nil pointer or a nil
// slice or map is never compared against local state. A non-nil empty
// slice or map is a reported empty value.
type RemoteDevice struct {
	ExternalID      string        `json:"external_id"`
	Name            string        `json:"name,omitempty"`
	Description     string        `json:"description,omitempty"`
	SerialNumber    string        `json:"serial_number,omitempty"`
	DeviceType      string        `json:"device_type,omitempty"`
	Status          device.Status `json:"status,omitempty"`
	BatteryLevel    *float64      `json:"battery_level,omitempty"`
	SignalStrength  *int          `json:"signal_strength,omitempty"`
	FirmwareVersion string        `json:"firmware_version,omitempty"`

	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`

	// Telemetry holds numeric readings that are written to the time
	// series store rather than compared.
	Telemetry map[string]any `json:"telemetry,omitempty"`

	// TelemetryRecorded is set when the receiver already wrote Telemetry.
	TelemetryRecorded bool `json:"telemetry_recorded,omitempty"`

	LastSeen *time.Time `json:"last_seen,omitempty"`

	// UpdatedAt is the platform's own modification time, when it has one.
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// ReceivedAt is when graysync observed this state.
	ReceivedAt time.Time `json:"received_at"`

	Deleted bool `json:"deleted,omitempty"`
}

// ChangedAt returns the platform modification time, falling back to the
// receipt time when the platform reports none.
func (r *RemoteDevice) ChangedAt() time.Time {
	if r.UpdatedAt != nil && !r.UpdatedAt.IsZero() {
		return r.UpdatedAt.UTC()
	}
	return r.ReceivedAt.UTC()
}

// Merge overlays the fields newer reports onto r. Metadata is merged
// shallowly; telemetry is replaced.
func (r *RemoteDevice) Merge(newer RemoteDevice) {
	if newer.ExternalID != "" {
		r.ExternalID = newer.ExternalID
	}
	setString(&r.Name, newer.Name)
	setString(&r.Description, newer.Description)
	setString(&r.SerialNumber, newer.SerialNumber)
	setString(&r.DeviceType, newer.DeviceType)
	setString(&r.FirmwareVersion, newer.FirmwareVersion)
	if newer.Status != "" {
		r.Status = newer.Status
	}
	if newer.BatteryLevel != nil {
		r.BatteryLevel = newer.BatteryLevel
	}
	if newer.SignalStrength != nil {
		r.SignalStrength = newer.SignalStrength
	}
	if newer.Tags != nil {
		r.Tags = newer.Tags
	}
	if newer.Metadata != nil {
		if r.Metadata == nil {
			r.Metadata = make(map[string]any, len(newer.Metadata))
		}
		maps.Copy(r.Metadata, newer.Metadata)
	}
	if newer.Telemetry != nil {
		r.Telemetry = newer.Telemetry
		r.TelemetryRecorded = newer.TelemetryRecorded
	}
	if newer.LastSeen != nil {
		r.LastSeen = newer.LastSeen
	}
	if newer.UpdatedAt != nil {
		r.UpdatedAt = newer.UpdatedAt
	}
	if newer.ReceivedAt.After(r.ReceivedAt) {
		r.ReceivedAt = newer.ReceivedAt
	}
	r.Deleted = newer.Deleted
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// DevicePayload renders a local device in the JSON shape pushed to
// webhook, hub and MQTT endpoints.
func DevicePayload(d *device.Device, externalID string) map[string]any {
	payload := map[string]any{
		"id":               externalID,
		"device_id":        d.ID,
		"name":             d.Name,
		"description":      d.Description,
		"serial_number":    d.SerialNumber,
		"device_type":      d.DeviceType,
		"status":           string(d.Status),
		"firmware_version": d.FirmwareVersion,
		"tags":             []string(d.Tags),
		"metadata":         map[string]any(d.Metadata),
		"updated_at":       d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if d.BatteryLevel != nil {
		payload["battery_level"] = *d.BatteryLevel
	}
	if d.SignalStrength != nil {
		payload["signal_strength"] = *d.SignalStrength
	}
	if d.Tags == nil {
		payload["tags"] = []string{}
	}
	if d.Metadata == nil {
		payload["metadata"] = map[string]any{}
	}
	return payload
}
