package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a daily time-of-day range. End is exclusive. A window whose
// end is before its start runs overnight; equal bounds cover the whole day.
type Window struct {
	Start int // minutes after midnight
	End   int
}

// ParseWindow parses HH:MM bounds.
func ParseWindow(start, end string) (Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

func parseClock(v string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q is not HH:MM", ErrInvalidWindow, v)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 || len(hh) > 2 {
		return 0, fmt.Errorf("%w: bad hour in %q", ErrInvalidWindow, v)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("%w: bad minute in %q", ErrInvalidWindow, v)
	}
	return h*60 + m, nil
}

// Contains reports whether t, in its own location, falls inside w.
func (w Window) Contains(t time.Time) bool {
	return w.Clip(t).Equal(t)
}

// Clip returns t when it falls inside w, otherwise the next window start
// after t. The result is in t's location.
func (w Window) Clip(t time.Time) time.Time {
	if w.Start == w.End {
		return t
	}
	start := at(t, w.Start)
	end := at(t, w.End)

	if w.Start < w.End {
		switch {
		case t.Before(start):
			return start
		case t.Before(end):
			return t
		default:
			return at(t.AddDate(0, 0, 1), w.Start)
		}
	}

	// Overnight: open from start until midnight and from midnight until end.
	if !t.Before(start) || t.Before(end) {
		return t
	}
	return start
}

// at returns minute-of-day m on t's calendar date in t's location.
func at(t time.Time, m int) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, m/60, m%60, 0, 0, t.Location())
}

// NextRun computes when s should next run: the later of now and the last
// run plus the frequency, rolled forward into the time window when one is
// enabled. loc is the schedule's time zone.
func NextRun(s *Schedule, now time.Time, loc *time.Location) (time.Time, error) {
	next := now
	if s.LastRunAt != nil {
		if c := s.LastRunAt.Add(s.Frequency()); c.After(now) {
			next = c
		}
	}
	if !s.TimeWindowEnabled {
		return next.UTC(), nil
	}
	w, err := ParseWindow(s.TimeWindowStart, s.TimeWindowEnd)
	if err != nil {
		return time.Time{}, err
	}
	return w.Clip(next.In(loc)).UTC(), nil
}

// Location resolves the schedule's time zone, falling back to def.
func Location(name, def string) (*time.Location, error) {
	if name == "" {
		name = def
	}
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	return loc, nil
}
