package scheduler

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// State is the position of a schedule in its run cycle.
type State string

// Schedule states.
const (
	StateIdle    State = "idle"
	StateDue     State = "due"
	StateRunning State = "running"
)

// DeviceFilter selects which mapped devices a run covers.
type DeviceFilter string

// Device filters.
const (
	FilterAll    DeviceFilter = "all"
	FilterTagged DeviceFilter = "tagged"
)

// RunStatus is the outcome of a finished scheduled run.
type RunStatus string

// Run outcomes.
const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Defaults.
const (
	DefaultFrequencyMinutes = 60
	maxFrequencyMinutes     = 7 * 24 * 60
	maxTags                 = 50
)

// Schedule is the auto-sync policy of one integration.
type Schedule struct {
	ID               string                `json:"id" db:"id"`
	IntegrationID    string                `json:"integration_id" db:"integration_id"`
	OrganizationID   string                `json:"organization_id" db:"organization_id"`
	Enabled          bool                  `json:"enabled" db:"enabled"`
	FrequencyMinutes int                   `json:"frequency_minutes" db:"frequency_minutes"`
	Direction        integration.Direction `json:"direction,omitempty" db:"direction"`

	DeviceFilter     DeviceFilter        `json:"device_filter" db:"device_filter"`
	DeviceTags       database.StringList `json:"device_tags" db:"device_tags"`
	FilterExpression string              `json:"filter_expression" db:"filter_expression"`
	OnlyOnline       bool                `json:"only_online" db:"only_online"`

	TimeWindowEnabled bool   `json:"time_window_enabled" db:"time_window_enabled"`
	TimeWindowStart   string `json:"time_window_start" db:"time_window_start"` // HH:MM
	TimeWindowEnd     string `json:"time_window_end" db:"time_window_end"`     // HH:MM, exclusive
	Timezone          string `json:"timezone" db:"timezone"`

	ConflictResolution integration.Strategy `json:"conflict_resolution" db:"conflict_resolution"`

	State          State      `json:"state" db:"state"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty" db:"next_run_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	LastRunStatus  RunStatus  `json:"last_run_status" db:"last_run_status"`
	LastRunSummary Summary    `json:"last_run_summary" db:"last_run_summary"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Frequency returns the run interval.
func (s *Schedule) Frequency() time.Duration {
	return time.Duration(s.FrequencyMinutes) * time.Minute
}

// Summary accumulates the device counts of a scheduled run across its
// queue entries.
type Summary struct {
	Synced  int `json:"synced"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Status derives the run outcome from the counts.
func (s Summary) Status() RunStatus {
	switch {
	case s.Errors == 0:
		return RunSuccess
	case s.Synced > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

// Value implements driver.Valuer.
func (s Summary) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshalling summary: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *Summary) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = Summary{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported summary column type %T", src)
	}
	var out Summary
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("unmarshalling summary: %w", err)
		}
	}
	*s = out
	return nil
}
