package scheduler

import "errors"

// Domain errors for the scheduler package.
var (
	// ErrScheduleNotFound is returned when an integration has no schedule.
	ErrScheduleNotFound = errors.New("schedule: not found")

	// ErrInvalidSchedule is returned when schedule validation fails.
	ErrInvalidSchedule = errors.New("schedule: invalid")

	// ErrInvalidWindow is returned for a malformed time window.
	ErrInvalidWindow = errors.New("schedule: invalid time window")

	// ErrInvalidTimezone is returned for an unknown time zone name.
	ErrInvalidTimezone = errors.New("schedule: invalid timezone")

	// ErrInvalidFilter is returned when the filter expression does not compile.
	ErrInvalidFilter = errors.New("schedule: invalid filter expression")

	// ErrAlreadyRunning is returned by Start when the tick loop is running.
	ErrAlreadyRunning = errors.New("schedule: scheduler already running")
)
