package config

import (
	"reflect"

	logx "checkinbot/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists the top-level sections that differ.
	Sections []string
	// Attrs are safe log fields (never secrets like the bot token).
	Attrs []logx.Field
	// RestartRequired lists sections whose new values only apply after a restart.
	RestartRequired []string
}

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		ch.Sections = append(ch.Sections, "telegram")
		ch.Attrs = append(ch.Attrs,
			logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminUserIDs)),
			logx.Bool("telegram.alert_chat_set", newCfg.Telegram.AlertChatID != 0),
			logx.Int("telegram.send_rate_per_sec", newCfg.Telegram.SendRatePerSec),
		)
		if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
			ch.RestartRequired = append(ch.RestartRequired, "telegram")
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		ch.Sections = append(ch.Sections, "engine")
		ch.Attrs = append(ch.Attrs,
			logx.String("engine.postpone_delay", newCfg.Engine.PostponeDelay),
			logx.String("engine.cleanup_delay", newCfg.Engine.CleanupDelay),
			logx.String("engine.resync", newCfg.Engine.Resync),
		)
		if oldCfg.Engine.QueueSize != newCfg.Engine.QueueSize {
			ch.RestartRequired = append(ch.RestartRequired, "engine.queue_size")
		}
		if oldCfg.Engine.Timezone != newCfg.Engine.Timezone {
			ch.RestartRequired = append(ch.RestartRequired, "engine.timezone")
		}
	}

	if oldCfg.Defaults != newCfg.Defaults {
		ch.Sections = append(ch.Sections, "defaults")
		ch.Attrs = append(ch.Attrs,
			logx.String("defaults.interval_weekday", newCfg.Defaults.IntervalWeekday),
			logx.String("defaults.interval_weekend", newCfg.Defaults.IntervalWeekend),
			logx.Bool("defaults.quiet_window", newCfg.Defaults.QuietStart != "" && newCfg.Defaults.QuietEnd != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.RestartRequired = append(ch.RestartRequired, "storage")
		ch.Attrs = append(ch.Attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Dialog != newCfg.Dialog {
		ch.Sections = append(ch.Sections, "dialog")
		ch.RestartRequired = append(ch.RestartRequired, "dialog")
		// redis_url may carry credentials.
		ch.Attrs = append(ch.Attrs, logx.String("dialog.driver", newCfg.Dialog.Driver))
	}

	return ch
}
