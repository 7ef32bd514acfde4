// Package timewindow holds the pure time calculations behind poll scheduling:
// weekday/weekend interval selection and quiet-hours handling, always in the
// user's local calendar.
package timewindow

import "time"

// SelectInterval returns IntervalWeekend when instant falls on Saturday or
// Sunday in the user's timezone, otherwise IntervalWeekday.
//
// cfg must have passed Validate; an unresolvable timezone is treated as UTC.
func SelectInterval(cfg UserPollConfig, instant time.Time) time.Duration {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	switch instant.In(loc).Weekday() {
	case time.Saturday, time.Sunday:
		return cfg.IntervalWeekend
	default:
		return cfg.IntervalWeekday
	}
}

// IsInQuietWindow reports whether instant's local time of day lies in
// [start, end). A window with start > end crosses midnight. A window with
// start == end matches only the boundary minute itself. Absent bounds never match.
func IsInQuietWindow(instant time.Time, start, end *TimeOfDay, loc *time.Location) bool {
	if start == nil || end == nil {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	t := Of(instant, loc).Minutes()
	s, e := start.Minutes(), end.Minutes()
	switch {
	case s < e:
		return t >= s && t < e
	case s == e:
		return t == s
	default:
		return t >= s || t < e
	}
}

// NextQuietWindowEnd returns the first local occurrence of end strictly after
// now, in UTC. If today's occurrence is at or before now, tomorrow's is used.
func NextQuietWindowEnd(now time.Time, end TimeOfDay, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), end.Hour, end.Minute, 0, 0, loc)
	if !at.After(local) {
		at = time.Date(local.Year(), local.Month(), local.Day()+1, end.Hour, end.Minute, 0, 0, loc)
	}
	return at.UTC()
}

// NextFire computes the fire time for a poll armed at now: now plus the
// applicable interval, moved to the end of the quiet window when it lands inside one.
func NextFire(cfg UserPollConfig, now time.Time) (time.Time, error) {
	if err := cfg.Validate(); err != nil {
		return time.Time{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return time.Time{}, err
	}
	t := now.Add(SelectInterval(cfg, now))
	if cfg.HasQuietWindow() && IsInQuietWindow(t, cfg.QuietStart, cfg.QuietEnd, loc) {
		t = NextQuietWindowEnd(now, *cfg.QuietEnd, loc)
	}
	return t.UTC(), nil
}
