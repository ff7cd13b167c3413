package notify

import "errors"

// Domain errors for the notify package.
var (
	// ErrPreferenceNotFound is returned when a preference does not exist.
	ErrPreferenceNotFound = errors.New("notify: preference not found")

	// ErrInvalidPreference is returned when preference validation fails.
	ErrInvalidPreference = errors.New("notify: invalid preference")

	// ErrNotificationNotFound is returned when a log row does not exist.
	ErrNotificationNotFound = errors.New("notify: notification not found")

	// ErrChannelUnavailable is returned when no sender is configured for a channel.
	ErrChannelUnavailable = errors.New("notify: channel unavailable")

	// ErrDeliveryFailed wraps a sender failure.
	ErrDeliveryFailed = errors.New("notify: delivery failed")

	// ErrAlreadyRunning is returned by Start when the worker is running.
	ErrAlreadyRunning = errors.New("notify: already running")
)
