package timewindow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Bundle the IANA database so user timezones resolve on minimal hosts.
	_ "time/tzdata"
)

var (
	ErrQuietWindowIncomplete = errors.New("quiet window requires both quiet_start and quiet_end")
	ErrInvalidInterval       = errors.New("poll interval must be > 0")
	ErrInvalidTimezone       = errors.New("invalid timezone")
	ErrInvalidTimeOfDay      = errors.New("invalid time of day")
)

// TimeOfDay is a wall-clock time with minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w %q, expected HH:MM", ErrInvalidTimeOfDay, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("%w: hour in %q", ErrInvalidTimeOfDay, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: minute in %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// MustTimeOfDay is ParseTimeOfDay for literals; it panics on bad input.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Minutes returns minutes since local midnight.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Of returns the time of day of instant in loc.
func Of(instant time.Time, loc *time.Location) TimeOfDay {
	l := instant.In(loc)
	return TimeOfDay{Hour: l.Hour(), Minute: l.Minute()}
}

// UserPollConfig is the per-user poll configuration.
// The caller owns it and passes it by value on every call.
type UserPollConfig struct {
	IntervalWeekday time.Duration
	IntervalWeekend time.Duration
	QuietStart      *TimeOfDay
	QuietEnd        *TimeOfDay
	ReminderEnabled bool
	ReminderDelay   time.Duration
	Timezone        string // IANA name; empty means UTC
}

// HasQuietWindow reports whether both quiet bounds are set.
func (c UserPollConfig) HasQuietWindow() bool { return c.QuietStart != nil && c.QuietEnd != nil }

// Location resolves Timezone.
func (c UserPollConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidTimezone, tz, err)
	}
	return loc, nil
}

// Validate enforces the config invariants. It never substitutes defaults.
func (c UserPollConfig) Validate() error {
	if c.IntervalWeekday <= 0 {
		return fmt.Errorf("interval_weekday: %w", ErrInvalidInterval)
	}
	if c.IntervalWeekend <= 0 {
		return fmt.Errorf("interval_weekend: %w", ErrInvalidInterval)
	}
	if (c.QuietStart == nil) != (c.QuietEnd == nil) {
		return ErrQuietWindowIncomplete
	}
	if c.ReminderEnabled && c.ReminderDelay <= 0 {
		return errors.New("reminder_delay must be > 0 when reminders are enabled")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
