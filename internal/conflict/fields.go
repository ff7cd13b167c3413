package conflict

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

// Syncable field names, in comparison order.
const (
	FieldName            = "name"
	FieldDescription     = "description"
	FieldStatus          = "status"
	FieldDeviceType      = "device_type"
	FieldBatteryLevel    = "battery_level"
	FieldSignalStrength  = "signal_strength"
	FieldFirmwareVersion = "firmware_version"
	FieldTags            = "tags"
	FieldMetadata        = "metadata"
)

// SyncableFields lists the fields compared between local and remote state.
var SyncableFields = []string{
	FieldName,
	FieldDescription,
	FieldStatus,
	FieldDeviceType,
	FieldBatteryLevel,
	FieldSignalStrength,
	FieldFirmwareVersion,
	FieldTags,
	FieldMetadata,
}

// IsSyncable reports whether field is compared during reconciliation.
func IsSyncable(field string) bool {
	return slices.Contains(SyncableFields, field)
}

// LocalValue returns the comparable value of a local device field.
func LocalValue(d *device.Device, field string) any {
	switch field {
	case FieldName:
		return d.Name
	case FieldDescription:
		return d.Description
	case FieldStatus:
		return string(d.Status)
	case FieldDeviceType:
		return d.DeviceType
	case FieldBatteryLevel:
		if d.BatteryLevel == nil {
			return nil
		}
		return *d.BatteryLevel
	case FieldSignalStrength:
		if d.SignalStrength == nil {
			return nil
		}
		return *d.SignalStrength
	case FieldFirmwareVersion:
		return d.FirmwareVersion
	case FieldTags:
		return tagSet(d.Tags)
	case FieldMetadata:
		if d.Metadata == nil {
			return map[string]any{}
		}
		return map[string]any(d.Metadata)
	}
	return nil
}

// RemoteValue returns the comparable value of a remote field and whether
// the platform reported it at all.
func RemoteValue(rd *adapter.RemoteDevice, field string) (any, bool) {
	switch field {
	case FieldName:
		return rd.Name, rd.Name != ""
	case FieldDescription:
		return rd.Description, rd.Description != ""
	case FieldStatus:
		return string(rd.Status), rd.Status != ""
	case FieldDeviceType:
		return rd.DeviceType, rd.DeviceType != ""
	case FieldBatteryLevel:
		if rd.BatteryLevel == nil {
			return nil, false
		}
		return *rd.BatteryLevel, true
	case FieldSignalStrength:
		if rd.SignalStrength == nil {
			return nil, false
		}
		return *rd.SignalStrength, true
	case FieldFirmwareVersion:
		return rd.FirmwareVersion, rd.FirmwareVersion != ""
	case FieldTags:
		if rd.Tags == nil {
			return nil, false
		}
		return tagSet(rd.Tags), true
	case FieldMetadata:
		if rd.Metadata == nil {
			return nil, false
		}
		return rd.Metadata, true
	}
	return nil, false
}

// tagSet normalises tags for comparison: lower case, unique, sorted.
func tagSet(tags []string) []string {
	out := device.NormaliseTags(tags)
	slices.Sort(out)
	return out
}

// Canonical returns the canonical JSON encoding of v. Object keys are
// sorted, so equal documents encode identically.
func Canonical(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	return b, nil
}

// Equal compares two values by canonical JSON. nil equals nil.
func Equal(a, b any) bool {
	ab, err := Canonical(a)
	if err != nil {
		return false
	}
	bb, err := Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Reported returns the fields a platform reported, keyed by field name.
func Reported(rd *adapter.RemoteDevice) map[string]any {
	out := make(map[string]any, len(SyncableFields))
	for _, f := range SyncableFields {
		if v, ok := RemoteValue(rd, f); ok {
			out[f] = v
		}
	}
	return out
}

// Snapshot returns every syncable field of a local device.
func Snapshot(d *device.Device) map[string]any {
	out := make(map[string]any, len(SyncableFields))
	for _, f := range SyncableFields {
		out[f] = LocalValue(d, f)
	}
	return out
}

// NewBaseline records local and rd as the state both sides agreed on.
func NewBaseline(local *device.Device, rd *adapter.RemoteDevice) device.Baseline {
	return device.Baseline{
		Fingerprint: Fingerprint(rd),
		Local:       database.JSONMap(Snapshot(local)),
		Remote:      database.JSONMap(Reported(rd)),
	}
}

// Fingerprint hashes the reported syncable fields of a remote device.
// Two observations with the same reported values share a fingerprint.
func Fingerprint(rd *adapter.RemoteDevice) string {
	b, err := Canonical(Reported(rd))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ApplyValue sets field on d from a Go value.
func ApplyValue(d *device.Device, field string, v any) error {
	raw, err := Canonical(v)
	if err != nil {
		return err
	}
	return Apply(d, field, raw)
}

// Apply sets field on d from its JSON encoding. JSON null clears
// optional fields.
func Apply(d *device.Device, field string, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	switch field {
	case FieldName, FieldDescription, FieldDeviceType, FieldFirmwareVersion, FieldStatus:
		var s string
		if !isNull(raw) {
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("%w: %s must be a string", ErrInvalidValue, field)
			}
		}
		return setString(d, field, s)
	case FieldBatteryLevel:
		var v *float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%w: %s must be a number", ErrInvalidValue, field)
		}
		d.BatteryLevel = v
	case FieldSignalStrength:
		var v *float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%w: %s must be a number", ErrInvalidValue, field)
		}
		if v == nil {
			d.SignalStrength = nil
			return nil
		}
		n := int(math.Round(*v))
		d.SignalStrength = &n
	case FieldTags:
		var tags []string
		if err := json.Unmarshal(raw, &tags); err != nil {
			return fmt.Errorf("%w: %s must be a list of strings", ErrInvalidValue, field)
		}
		d.Tags = database.StringList(device.NormaliseTags(tags))
	case FieldMetadata:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("%w: %s must be an object", ErrInvalidValue, field)
		}
		if m == nil {
			m = map[string]any{}
		}
		d.Metadata = m
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}

func setString(d *device.Device, field, s string) error {
	switch field {
	case FieldName:
		d.Name = s
	case FieldDescription:
		d.Description = s
	case FieldDeviceType:
		d.DeviceType = s
	case FieldFirmwareVersion:
		d.FirmwareVersion = s
	case FieldStatus:
		if !slices.Contains(device.AllStatuses(), device.Status(s)) {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidValue, s)
		}
		d.Status = device.Status(s)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
