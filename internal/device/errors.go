package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device with an ID that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidStatus is returned when a status value is not recognised.
	ErrInvalidStatus = errors.New("device: invalid status")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrDeviceDeleted is returned when editing a soft-deleted device.
	ErrDeviceDeleted = errors.New("device: deleted")

	// ErrAssignmentNotFound is returned when a device has no mapping for an integration.
	ErrAssignmentNotFound = errors.New("device: assignment not found")

	// ErrAssignmentExists is returned when a device is already mapped to the
	// integration, or the external ID is already taken within it.
	ErrAssignmentExists = errors.New("device: assignment already exists")
)
