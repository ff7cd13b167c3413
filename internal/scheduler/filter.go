package scheduler

import (
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"

	"github.com/nerrad567/gray-logic-sync/internal/device"
)

// Selector applies a schedule's device filters.
type Selector struct {
	tagged     bool
	tags       []string
	onlyOnline bool
	expr       *jmespath.JMESPath
}

// NewSelector compiles the filters of s.
func NewSelector(s *Schedule) (*Selector, error) {
	sel := &Selector{
		tagged:     s.DeviceFilter == FilterTagged,
		tags:       device.NormaliseTags(s.DeviceTags),
		onlyOnline: s.OnlyOnline,
	}
	if e := strings.TrimSpace(s.FilterExpression); e != "" {
		compiled, err := jmespath.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		sel.expr = compiled
	}
	return sel, nil
}

// All reports whether the selector admits every device, so a run can
// cover the integration without naming devices.
func (s *Selector) All() bool {
	return !s.tagged && !s.onlyOnline && s.expr == nil
}

// Match reports whether d is selected. An expression that fails to
// evaluate against d does not select it.
func (s *Selector) Match(d *device.Device) bool {
	if d.Deleted() {
		return false
	}
	if s.onlyOnline && d.Status != device.StatusOnline {
		return false
	}
	if s.tagged && !anyTag(d, s.tags) {
		return false
	}
	if s.expr != nil {
		v, err := s.expr.Search(d.Document())
		if err != nil || !truthy(v) {
			return false
		}
	}
	return true
}

// Select returns the matching devices.
func (s *Selector) Select(devices []device.Device) []device.Device {
	var out []device.Device
	for i := range devices {
		if s.Match(&devices[i]) {
			out = append(out, devices[i])
		}
	}
	return out
}

func anyTag(d *device.Device, tags []string) bool {
	for _, t := range tags {
		if d.HasTag(t) {
			return true
		}
	}
	return false
}

// truthy follows JMESPath truthiness: false, null and empty strings,
// arrays and objects are false; everything else, including 0, is true.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
