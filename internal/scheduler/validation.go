package scheduler

import (
	"fmt"

	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// Validate checks a schedule before it is stored.
// Returns an error describing the first validation failure found.
func Validate(s *Schedule) error {
	if s == nil {
		return ErrInvalidSchedule
	}
	if s.IntegrationID == "" {
		return fmt.Errorf("%w: integration_id is required", ErrInvalidSchedule)
	}
	if s.FrequencyMinutes < 1 || s.FrequencyMinutes > maxFrequencyMinutes {
		return fmt.Errorf("%w: frequency_minutes must be 1-%d", ErrInvalidSchedule, maxFrequencyMinutes)
	}

	switch s.Direction {
	case "", integration.DirectionImport, integration.DirectionExport, integration.DirectionBidirectional:
	default:
		return fmt.Errorf("%w: direction %q", ErrInvalidSchedule, s.Direction)
	}

	switch s.DeviceFilter {
	case FilterAll:
	case FilterTagged:
		if len(s.DeviceTags) == 0 {
			return fmt.Errorf("%w: device_tags is required for a tagged filter", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: device_filter %q", ErrInvalidSchedule, s.DeviceFilter)
	}
	if len(s.DeviceTags) > maxTags {
		return fmt.Errorf("%w: at most %d device_tags", ErrInvalidSchedule, maxTags)
	}
	if _, err := NewSelector(s); err != nil {
		return err
	}

	if s.TimeWindowEnabled {
		if _, err := ParseWindow(s.TimeWindowStart, s.TimeWindowEnd); err != nil {
			return err
		}
	}
	if s.Timezone != "" {
		if _, err := Location(s.Timezone, ""); err != nil {
			return err
		}
	}

	switch s.ConflictResolution {
	case integration.StrategyLocalWins, integration.StrategyRemoteWins,
		integration.StrategyNewestWins, integration.StrategyManual:
	default:
		return fmt.Errorf("%w: conflict_resolution %q", ErrInvalidSchedule, s.ConflictResolution)
	}
	return nil
}
