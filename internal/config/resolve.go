package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"checkinbot/internal/dialog"
	"checkinbot/internal/jobs"
	"checkinbot/internal/storage"
	"checkinbot/internal/timewindow"
	logx "checkinbot/pkg/logx"
)

// Engine is EngineConfig with defaults applied and durations parsed.
type Engine struct {
	PostponeDelay time.Duration
	CleanupDelay  time.Duration
	QueueSize     int
	TaskTimeout   time.Duration
	// ResyncSpec is a cron spec; empty disables resync.
	ResyncSpec  string
	StopTimeout time.Duration
	Timezone    string
}

func (e EngineConfig) Resolve() (Engine, error) {
	var out Engine
	var err error
	if out.PostponeDelay, err = ParseDurationOrDefault("engine.postpone_delay", e.PostponeDelay, 5*time.Minute); err != nil {
		return out, err
	}
	if out.CleanupDelay, err = ParseDurationOrDefault("engine.cleanup_delay", e.CleanupDelay, 3*time.Minute); err != nil {
		return out, err
	}
	if out.TaskTimeout, err = ParseDurationOrDefault("engine.task_timeout", e.TaskTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.StopTimeout, err = ParseDurationOrDefault("engine.stop_timeout", e.StopTimeout, 10*time.Second); err != nil {
		return out, err
	}
	out.QueueSize = e.QueueSize
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	switch raw := strings.TrimSpace(e.Resync); strings.ToLower(raw) {
	case "off", "none", "disabled":
	case "":
		out.ResyncSpec = "@every 1h"
	default:
		if out.ResyncSpec, err = jobs.ParseSchedule(raw); err != nil {
			return out, fmt.Errorf("engine.resync: %w", err)
		}
	}
	out.Timezone = strings.TrimSpace(e.Timezone)
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return out, fmt.Errorf("engine.timezone: %w", err)
		}
	}
	return out, nil
}

// PollConfig converts the defaults into a validated UserPollConfig.
func (d PollDefaults) PollConfig() (timewindow.UserPollConfig, error) {
	var cfg timewindow.UserPollConfig
	var err error
	if cfg.IntervalWeekday, err = ParseDurationField("defaults.interval_weekday", d.IntervalWeekday); err != nil {
		return cfg, err
	}
	if cfg.IntervalWeekend, err = ParseDurationField("defaults.interval_weekend", d.IntervalWeekend); err != nil {
		return cfg, err
	}
	if cfg.IntervalWeekend == 0 {
		cfg.IntervalWeekend = cfg.IntervalWeekday
	}
	if cfg.ReminderDelay, err = ParseDurationOrDefault("defaults.reminder_delay", d.ReminderDelay, 10*time.Minute); err != nil {
		return cfg, err
	}
	cfg.ReminderEnabled = d.ReminderEnabled
	cfg.Timezone = strings.TrimSpace(d.Timezone)
	if s := strings.TrimSpace(d.QuietStart); s != "" {
		t, err := timewindow.ParseTimeOfDay(s)
		if err != nil {
			return cfg, fmt.Errorf("defaults.quiet_start: %w", err)
		}
		cfg.QuietStart = &t
	}
	if s := strings.TrimSpace(d.QuietEnd); s != "" {
		t, err := timewindow.ParseTimeOfDay(s)
		if err != nil {
			return cfg, fmt.Errorf("defaults.quiet_end: %w", err)
		}
		cfg.QuietEnd = &t
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("defaults: %w", err)
	}
	return cfg, nil
}

func (s StorageConfig) Resolve() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: strings.TrimSpace(s.Driver), Path: strings.TrimSpace(s.Path), BusyTimeout: busy}, nil
}

func (d DialogConfig) Resolve() (dialog.Config, error) {
	ttl, err := ParseDurationField("dialog.ttl", d.TTL)
	if err != nil {
		return dialog.Config{}, err
	}
	out := dialog.Config{
		Driver:    strings.TrimSpace(d.Driver),
		RedisURL:  strings.TrimSpace(d.RedisURL),
		KeyPrefix: d.KeyPrefix,
		TTL:       ttl,
	}
	if strings.EqualFold(out.Driver, "redis") && out.RedisURL == "" {
		return out, errors.New("dialog.redis_url is required for the redis driver")
	}
	return out, nil
}

func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

// PollTimeoutDuration returns telegram.poll_timeout (default 10s).
func (t TelegramConfig) PollTimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
}

// Validate checks every section. It is the default hot-reload validator.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := c.Telegram.PollTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Alert.Enabled && c.Telegram.AlertChatID == 0 {
		errs = append(errs, errors.New("logging.alert requires telegram.alert_chat_id"))
	}
	if _, err := c.Engine.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Defaults.PollConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Storage.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Dialog.Resolve(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
