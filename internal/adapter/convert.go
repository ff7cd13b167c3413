package adapter

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/device"
)

// Coercions for loosely typed vendor JSON.

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func firstString(vals ...any) string {
	for _, v := range vals {
		if s := strings.TrimSpace(str(v)); s != "" {
			return s
		}
	}
	return ""
}

func floatPtr(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func intPtr(v any) *int {
	f := floatPtr(v)
	if f == nil {
		return nil
	}
	i := int(math.Round(*f))
	return &i
}

func firstFloat(vals ...any) *float64 {
	for _, v := range vals {
		if f := floatPtr(v); f != nil {
			return f
		}
	}
	return nil
}

func firstInt(vals ...any) *int {
	for _, v := range vals {
		if i := intPtr(v); i != nil {
			return i
		}
	}
	return nil
}

// parseTime accepts RFC 3339 strings and unix timestamps in seconds or
// milliseconds.
func parseTime(v any) *time.Time {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				u := parsed.UTC()
				return &u
			}
		}
		if f := floatPtr(s); f != nil {
			return parseTime(*f)
		}
		return nil
	case float64:
		if t <= 0 {
			return nil
		}
		var u time.Time
		if t > 1e12 {
			u = time.UnixMilli(int64(t)).UTC()
		} else {
			sec, frac := math.Modf(t)
			u = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		return &u
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return parseTime(f)
		}
		return nil
	default:
		return nil
	}
}

func firstTime(vals ...any) *time.Time {
	for _, v := range vals {
		if t := parseTime(v); t != nil {
			return t
		}
	}
	return nil
}

func mapOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// stringList accepts a JSON array of strings or a comma separated string.
// A missing value returns nil.
func stringList(v any) []string {
	switch l := v.(type) {
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s := strings.TrimSpace(str(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string{}, l...)
	case string:
		if strings.TrimSpace(l) == "" {
			return []string{}
		}
		parts := strings.Split(l, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// normaliseStatus maps vendor connection states onto device statuses.
// Unknown values return "".
func normaliseStatus(v any) device.Status {
	switch strings.ToLower(strings.TrimSpace(str(v))) {
	case "online", "connected", "active", "true", "up":
		return device.StatusOnline
	case "offline", "disconnected", "inactive", "unknown", "false", "down", "disabled":
		return device.StatusOffline
	case "warning", "maintenance", "degraded":
		return device.StatusWarning
	case "error", "fault", "failed":
		return device.StatusError
	default:
		return ""
	}
}

// numericOnly keeps the numeric and boolean values of m.
func numericOnly(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch v.(type) {
		case float64, bool:
			out[k] = v
		case json.Number:
			if f := floatPtr(v); f != nil {
				out[k] = *f
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeObject(body []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding json object: %w", err)
	}
	return doc, nil
}
