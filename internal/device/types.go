package device

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// Status is the reported health of a device.
type Status string

// Device statuses.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// AllStatuses returns every device status.
func AllStatuses() []Status {
	return []Status{StatusOnline, StatusOffline, StatusWarning, StatusError}
}

// Device is the canonical record of one physical device.
type Device struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Name           string `json:"name" db:"name"`
	Description    string `json:"description" db:"description"`
	SerialNumber   string `json:"serial_number" db:"serial_number"`
	DeviceType     string `json:"device_type" db:"device_type"`
	Status         Status `json:"status" db:"status"`

	BatteryLevel    *float64 `json:"battery_level,omitempty" db:"battery_level"`
	SignalStrength  *int     `json:"signal_strength,omitempty" db:"signal_strength"`
	FirmwareVersion string   `json:"firmware_version" db:"firmware_version"`

	Tags     database.StringList `json:"tags" db:"tags"`
	Metadata database.JSONMap    `json:"metadata" db:"metadata"`

	// ExternalDeviceID and IntegrationID record the integration that
	// originally imported the device, if any.
	ExternalDeviceID *string `json:"external_device_id,omitempty" db:"external_device_id"`
	IntegrationID    *string `json:"integration_id,omitempty" db:"integration_id"`

	LastSeenAt *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Deleted reports whether the device has been soft deleted.
func (d *Device) Deleted() bool {
	return d.DeletedAt != nil
}

// HasTag reports whether the device carries tag.
func (d *Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Document returns the device as a generic JSON document, used by
// filter expressions.
func (d *Device) Document() map[string]any {
	b, err := json.Marshal(d)
	if err != nil {
		return map[string]any{"id": d.ID}
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return map[string]any{"id": d.ID}
	}
	return doc
}

// DeepCopy creates an independent copy of the device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	if d.BatteryLevel != nil {
		v := *d.BatteryLevel
		cp.BatteryLevel = &v
	}
	if d.SignalStrength != nil {
		v := *d.SignalStrength
		cp.SignalStrength = &v
	}
	if d.Tags != nil {
		cp.Tags = append(database.StringList(nil), d.Tags...)
	}
	if d.Metadata != nil {
		cp.Metadata = deepCopyMap(d.Metadata)
	}
	cp.ExternalDeviceID = copyString(d.ExternalDeviceID)
	cp.IntegrationID = copyString(d.IntegrationID)
	cp.LastSeenAt = copyTime(d.LastSeenAt)
	cp.DeletedAt = copyTime(d.DeletedAt)
	return &cp
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return v
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AssignmentStatus is the per-integration sync state of a device.
type AssignmentStatus string

// Assignment statuses.
const (
	AssignmentPending  AssignmentStatus = "pending"
	AssignmentSynced   AssignmentStatus = "synced"
	AssignmentError    AssignmentStatus = "error"
	AssignmentConflict AssignmentStatus = "conflict"
)

// Assignment maps one device to one external device ID within an integration.
type Assignment struct {
	ID               string                `json:"id" db:"id"`
	DeviceID         string                `json:"device_id" db:"device_id"`
	IntegrationID    string                `json:"integration_id" db:"integration_id"`
	ExternalDeviceID string                `json:"external_device_id" db:"external_device_id"`
	SyncDirection    integration.Direction `json:"sync_direction" db:"sync_direction"`
	SyncStatus       AssignmentStatus      `json:"sync_status" db:"sync_status"`
	RetryCount       int                   `json:"retry_count" db:"retry_count"`
	NextRetryAt      *time.Time            `json:"next_retry_at,omitempty" db:"next_retry_at"`

	// LastSyncedAt is the baseline for change detection on both sides.
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`

	// RemoteFingerprint hashes the remote syncable fields observed at
	// LastSyncedAt.
	RemoteFingerprint string `json:"remote_fingerprint" db:"remote_fingerprint"`

	// LocalBaseline and RemoteBaseline hold the syncable field values each
	// side had at LastSyncedAt, keyed by field.
	LocalBaseline  database.JSONMap `json:"local_baseline,omitempty" db:"local_baseline"`
	RemoteBaseline database.JSONMap `json:"remote_baseline,omitempty" db:"remote_baseline"`

	LastError string    `json:"last_error" db:"last_error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Baseline is the state of both sides recorded by a successful sync.
type Baseline struct {
	Fingerprint string
	Local       database.JSONMap
	Remote      database.JSONMap
}

// FirmwareChange records a firmware version reported by a platform.
type FirmwareChange struct {
	ID            string    `json:"id" db:"id"`
	DeviceID      string    `json:"device_id" db:"device_id"`
	IntegrationID string    `json:"integration_id" db:"integration_id"`
	OldVersion    string    `json:"old_version" db:"old_version"`
	NewVersion    string    `json:"new_version" db:"new_version"`
	RecordedAt    time.Time `json:"recorded_at" db:"recorded_at"`
}

// ListFilter narrows device listings. Zero values match everything.
type ListFilter struct {
	OrganizationID string
	IntegrationID  string // devices with an assignment to this integration
	IDs            []string
	Status         Status
	Tags           []string // any of
	IncludeDeleted bool
	Limit          int
	Offset         int
}
