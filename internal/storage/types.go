package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkinbot/internal/timewindow"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (default)
//   - "file": JSON Lines journal + snapshot
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"` // sqlite only; 0 means default
}

// Store is the persistence API used by the app and bot layers.
type Store interface {
	PutUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, key string) (User, error)
	DeleteUser(ctx context.Context, key string) error
	ListUsers(ctx context.Context) ([]User, error)

	RecordLastPollTime(ctx context.Context, key string, at time.Time) error
	LastPollTime(ctx context.Context, key string) (at time.Time, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, userKey string, limit int) ([]AuditEntry, error)
	Close() error
}

// User is a tracked user and their poll settings.
// Quiet bounds are "HH:MM" strings; empty means unset.
type User struct {
	Key             string        `json:"key"`
	ChatID          int64         `json:"chat_id"`
	Username        string        `json:"username,omitempty"`
	IntervalWeekday time.Duration `json:"interval_weekday"`
	IntervalWeekend time.Duration `json:"interval_weekend"`
	QuietStart      string        `json:"quiet_start,omitempty"`
	QuietEnd        string        `json:"quiet_end,omitempty"`
	ReminderEnabled bool          `json:"reminder_enabled"`
	ReminderDelay   time.Duration `json:"reminder_delay"`
	Timezone        string        `json:"timezone,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// PollConfig converts the stored settings into a validated UserPollConfig.
func (u User) PollConfig() (timewindow.UserPollConfig, error) {
	cfg := timewindow.UserPollConfig{
		IntervalWeekday: u.IntervalWeekday,
		IntervalWeekend: u.IntervalWeekend,
		ReminderEnabled: u.ReminderEnabled,
		ReminderDelay:   u.ReminderDelay,
		Timezone:        u.Timezone,
	}
	var err error
	if cfg.QuietStart, err = optTimeOfDay(u.QuietStart); err != nil {
		return cfg, fmt.Errorf("user %s quiet_start: %w", u.Key, err)
	}
	if cfg.QuietEnd, err = optTimeOfDay(u.QuietEnd); err != nil {
		return cfg, fmt.Errorf("user %s quiet_end: %w", u.Key, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("user %s: %w", u.Key, err)
	}
	return cfg, nil
}

// SetPollConfig copies cfg into the stored settings.
func (u *User) SetPollConfig(cfg timewindow.UserPollConfig) {
	u.IntervalWeekday = cfg.IntervalWeekday
	u.IntervalWeekend = cfg.IntervalWeekend
	u.QuietStart, u.QuietEnd = "", ""
	if cfg.QuietStart != nil {
		u.QuietStart = cfg.QuietStart.String()
	}
	if cfg.QuietEnd != nil {
		u.QuietEnd = cfg.QuietEnd.String()
	}
	u.ReminderEnabled = cfg.ReminderEnabled
	u.ReminderDelay = cfg.ReminderDelay
	u.Timezone = cfg.Timezone
}

func optTimeOfDay(s string) (*timewindow.TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := timewindow.ParseTimeOfDay(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// AuditEntry records an engine or user action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	UserKey string    `json:"user,omitempty"`
	Action  string    `json:"action"`
	Detail  string    `json:"detail,omitempty"`
}

func normalizeUser(u User, now time.Time) (User, error) {
	u.Key = strings.TrimSpace(u.Key)
	if u.Key == "" {
		return u, errors.New("storage: user key required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return u, nil
}
