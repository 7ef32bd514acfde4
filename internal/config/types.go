package config

// Config is the on-disk configuration (config.yaml or config.json).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2h").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Engine   EngineConfig   `json:"engine"`

	// Defaults is the poll config given to newly onboarded users.
	Defaults PollDefaults `json:"defaults"`

	Storage StorageConfig `json:"storage"`
	Dialog  DialogConfig  `json:"dialog"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout for getUpdates.
	PollTimeout string `json:"poll_timeout"`
	// AlertChatID receives Warn+ log records when logging.alert is enabled.
	AlertChatID int64 `json:"alert_chat_id,omitempty"`
	// AdminUserIDs may use operator commands (/status).
	AdminUserIDs []int64 `json:"admin_user_ids,omitempty"`
	// SendRatePerSec caps outbound messages across all chats. 0 means 25.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// EngineConfig controls the scheduling engine.
//
// Defaults (when fields are omitted/zero):
//   - postpone_delay: "5m"
//   - cleanup_delay: "3m"
//   - queue_size: 256
//   - task_timeout: "30s"
//   - resync: "@every 1h"
//   - stop_timeout: "10s"
//   - timezone: "" (Local) for cron evaluation
type EngineConfig struct {
	PostponeDelay string `json:"postpone_delay,omitempty"`
	CleanupDelay  string `json:"cleanup_delay,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	TaskTimeout   string `json:"task_timeout,omitempty"`
	// Resync re-arms every tracked user's poll on this schedule.
	// Cron spec, "@every 1h", or an interval like "30m". "off" disables it.
	Resync      string `json:"resync,omitempty"`
	StopTimeout string `json:"stop_timeout,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// PollDefaults is the poll config for new users. Quiet bounds are "HH:MM".
type PollDefaults struct {
	IntervalWeekday string `json:"interval_weekday"`
	IntervalWeekend string `json:"interval_weekend"`
	QuietStart      string `json:"quiet_start,omitempty"`
	QuietEnd        string `json:"quiet_end,omitempty"`
	ReminderEnabled bool   `json:"reminder_enabled"`
	ReminderDelay   string `json:"reminder_delay,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/checkinbot.sqlite }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DialogConfig selects where dialog states live.
type DialogConfig struct {
	Driver    string `json:"driver"` // memory | redis
	RedisURL  string `json:"redis_url,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	TTL       string `json:"ttl,omitempty"`
}
