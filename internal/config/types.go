package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Egress    EgressConfig    `json:"egress"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier"`
	Client    ClientConfig    `json:"client"`

	// Defaults are the settings used by owners that never ran /set.
	Defaults *DefaultsConfig `json:"defaults,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./joinbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EgressConfig points at the proxy list. With no file the pool is read from
// the store (managed through /proxies).
type EgressConfig struct {
	File          string `json:"file,omitempty"`
	DefaultScheme string `json:"default_scheme,omitempty"` // default: socks5
	Watch         bool   `json:"watch,omitempty"`
}

// SchedulerConfig tunes every owner's join loop.
//
// All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "60s"
//   - max_flood_wait: "15m"
//   - max_throttle_retries: 3
//   - attempt_timeout: "2m"
//   - day_reset: "0 0 * * *" (cron spec, evaluated in timezone)
//   - timezone: local
type SchedulerConfig struct {
	PollInterval       string `json:"poll_interval,omitempty"`
	MaxFloodWait       string `json:"max_flood_wait,omitempty"`
	MaxThrottleRetries int    `json:"max_throttle_retries,omitempty"`
	AttemptTimeout     string `json:"attempt_timeout,omitempty"`
	DayReset           string `json:"day_reset,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
}

// NotifierConfig controls delivery of progress messages to owners.
type NotifierConfig struct {
	QueueSize  int  `json:"queue_size"`
	RatePerSec int  `json:"rate_per_sec"`
	Progress   bool `json:"progress"`
}

// ClientConfig selects the protocol client. Only "dryrun" is built in.
type ClientConfig struct {
	Driver string `json:"driver"`
}

// DefaultsConfig mirrors the per-owner settings; omitted fields keep the
// built-in defaults.
type DefaultsConfig struct {
	IntervalMin     int   `json:"interval_min,omitempty"`
	IntervalMax     int   `json:"interval_max,omitempty"`
	DailyLimit      int   `json:"daily_limit,omitempty"`
	AllowRepeat     *bool `json:"allow_repeat,omitempty"`
	SleepAfterCount int   `json:"sleep_after_count,omitempty"`
	SleepDuration   int   `json:"sleep_duration,omitempty"` // minutes
	MaxPerAccount   int   `json:"max_per_account,omitempty"`
	AntiFloodExtra  *int  `json:"anti_flood_extra,omitempty"`
}
