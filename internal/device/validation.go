package device

import (
	"fmt"
	"strings"
)

const (
	maxNameLength        = 200
	maxDescriptionLength = 2000
	maxTags              = 50
	maxTagLength         = 64
	maxMetadataKeys      = 100
)

var validStatuses map[Status]struct{}

func init() {
	validStatuses = make(map[Status]struct{}, len(AllStatuses()))
	for _, s := range AllStatuses() {
		validStatuses[s] = struct{}{}
	}
}

// ValidateDevice checks a device before it is written.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}
	if strings.TrimSpace(d.OrganizationID) == "" {
		return fmt.Errorf("%w: organization_id is required", ErrInvalidDevice)
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if len(d.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidDevice, maxDescriptionLength)
	}
	if _, ok := validStatuses[d.Status]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, d.Status)
	}
	if d.BatteryLevel != nil && (*d.BatteryLevel < 0 || *d.BatteryLevel > 100) {
		return fmt.Errorf("%w: battery_level must be 0-100", ErrInvalidDevice)
	}
	if len(d.Tags) > maxTags {
		return fmt.Errorf("%w: at most %d tags", ErrInvalidDevice, maxTags)
	}
	for _, t := range d.Tags {
		if t == "" || len(t) > maxTagLength {
			return fmt.Errorf("%w: tag must be 1-%d characters", ErrInvalidDevice, maxTagLength)
		}
	}
	if len(d.Metadata) > maxMetadataKeys {
		return fmt.Errorf("%w: at most %d metadata keys", ErrInvalidDevice, maxMetadataKeys)
	}
	return nil
}

// ValidateName checks a device name.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(trimmed) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// NormaliseTags lowercases, trims and de-duplicates tags, keeping order.
func NormaliseTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
