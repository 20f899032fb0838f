package eligibility

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietWindow is a daily local-time span in minutes after midnight. End may be
// earlier than Start, meaning the window wraps past midnight.
type QuietWindow struct {
	Start   int
	End     int
	Enabled bool
}

// ParseQuietWindow reads "HH:MM" bounds. Empty bounds or Start == End mean no window.
func ParseQuietWindow(start, end string) (QuietWindow, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" || end == "" {
		return QuietWindow{}, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return QuietWindow{}, fmt.Errorf("quiet start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return QuietWindow{}, fmt.Errorf("quiet end: %w", err)
	}
	return QuietWindow{Start: s, End: e, Enabled: s != e}, nil
}

func parseClock(v string) (int, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM, got %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", v)
	}
	return h*60 + m, nil
}

func (w QuietWindow) contains(minute int) bool {
	if !w.Enabled {
		return false
	}
	if w.Start < w.End {
		return minute >= w.Start && minute < w.End
	}
	return minute >= w.Start || minute < w.End
}

// Deferral reports whether now falls inside the window in loc and, if so, the
// instant the window ends. The returned time is always after now.
func (w QuietWindow) Deferral(now time.Time, loc *time.Location) (time.Time, bool) {
	if !w.Enabled {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if !w.contains(minute) {
		return time.Time{}, false
	}
	day := local
	if w.Start > w.End && minute >= w.Start {
		day = local.AddDate(0, 0, 1)
	}
	until := time.Date(day.Year(), day.Month(), day.Day(), w.End/60, w.End%60, 0, 0, loc)
	if !until.After(now) {
		// A DST gap can fold the wall-clock end onto or before now.
		until = now.Add(time.Minute)
	}
	return until.UTC(), true
}

func LoadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
