package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/device"
)

func testDevices() []device.Device {
	deleted := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	battery := 12.0
	return []device.Device{
		{ID: "d-roof", Name: "roof", Status: device.StatusOnline, Tags: []string{"roof", "solar"}, DeviceType: "sensor"},
		{ID: "d-cellar", Name: "cellar", Status: device.StatusOffline, Tags: []string{"cellar"}, DeviceType: "sensor", BatteryLevel: &battery},
		{ID: "d-gate", Name: "gate", Status: device.StatusOnline, DeviceType: "actuator"},
		{ID: "d-gone", Name: "gone", Status: device.StatusOnline, Tags: []string{"roof"}, DeletedAt: &deleted},
	}
}

func ids(devices []device.Device) []string {
	out := make([]string, len(devices))
	for i := range devices {
		out[i] = devices[i].ID
	}
	return out
}

func TestSelector(t *testing.T) {
	tests := []struct {
		name    string
		s       Schedule
		all     bool
		devices []string
	}{
		{
			name:    "all",
			s:       Schedule{DeviceFilter: FilterAll},
			all:     true,
			devices: []string{"d-roof", "d-cellar", "d-gate"},
		},
		{
			name:    "tagged matches any tag",
			s:       Schedule{DeviceFilter: FilterTagged, DeviceTags: []string{"Solar", "cellar"}},
			devices: []string{"d-roof", "d-cellar"},
		},
		{
			name:    "only online",
			s:       Schedule{DeviceFilter: FilterAll, OnlyOnline: true},
			devices: []string{"d-roof", "d-gate"},
		},
		{
			name:    "expression",
			s:       Schedule{DeviceFilter: FilterAll, FilterExpression: "device_type == 'sensor'"},
			devices: []string{"d-roof", "d-cellar"},
		},
		{
			name:    "expression on optional field",
			s:       Schedule{DeviceFilter: FilterAll, FilterExpression: "battery_level < `20`"},
			devices: []string{"d-cellar"},
		},
		{
			name:    "filters combine",
			s:       Schedule{DeviceFilter: FilterTagged, DeviceTags: []string{"roof", "cellar"}, OnlyOnline: true},
			devices: []string{"d-roof"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sel, err := NewSelector(&tc.s)
			require.NoError(t, err)
			assert.Equal(t, tc.all, sel.All())
			assert.Equal(t, tc.devices, ids(sel.Select(testDevices())))
		})
	}
}

func TestSelector_InvalidExpression(t *testing.T) {
	_, err := NewSelector(&Schedule{FilterExpression: "tags[?"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{nil, false, "", []any{}, map[string]any{}} {
		assert.False(t, truthy(v), "%#v", v)
	}
	for _, v := range []any{true, "x", 0.0, 1.0, []any{1}, map[string]any{"a": 1}} {
		assert.True(t, truthy(v), "%#v", v)
	}
}
