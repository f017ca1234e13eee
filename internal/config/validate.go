package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"joinbot/internal/storage"
)

const DefaultDayReset = "0 0 * * *"

// Validate checks everything that can be checked without side effects.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids must list at least one user"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want sqlite or memory", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if c.Egress.Watch && strings.TrimSpace(c.Egress.File) == "" {
		errs = append(errs, errors.New("egress.watch needs egress.file"))
	}

	for path, raw := range map[string]string{
		"scheduler.poll_interval":   c.Scheduler.PollInterval,
		"scheduler.max_flood_wait":  c.Scheduler.MaxFloodWait,
		"scheduler.attempt_timeout": c.Scheduler.AttemptTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Scheduler.MaxThrottleRetries < 0 {
		errs = append(errs, errors.New("scheduler.max_throttle_retries must be >= 0"))
	}
	if _, err := cron.ParseStandard(c.DayReset()); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.day_reset: %w", err))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if c.Notifier.QueueSize < 0 || c.Notifier.RatePerSec < 0 {
		errs = append(errs, errors.New("notifier.queue_size and notifier.rate_per_sec must be >= 0"))
	}
	switch c.Client.Driver {
	case "", "dryrun":
	default:
		errs = append(errs, fmt.Errorf("client.driver %q is not built in", c.Client.Driver))
	}
	d := c.DefaultSettings(0)
	if err := d.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) DayReset() string {
	if s := strings.TrimSpace(c.Scheduler.DayReset); s != "" {
		return s
	}
	return DefaultDayReset
}

// Location is the scheduler timezone; empty means local time.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// DefaultSettings overlays the defaults section on the built-in defaults.
func (c *Config) DefaultSettings(owner int64) storage.Settings {
	s := storage.DefaultSettings(owner)
	d := c.Defaults
	if d == nil {
		return s
	}
	if d.IntervalMin > 0 {
		s.IntervalMin = d.IntervalMin
	}
	if d.IntervalMax > 0 {
		s.IntervalMax = d.IntervalMax
	}
	if d.DailyLimit > 0 {
		s.DailyLimit = d.DailyLimit
	}
	if d.AllowRepeat != nil {
		s.AllowRepeat = *d.AllowRepeat
	}
	if d.SleepAfterCount > 0 {
		s.SleepAfterCount = d.SleepAfterCount
	}
	if d.SleepDuration > 0 {
		s.SleepDuration = d.SleepDuration
	}
	if d.MaxPerAccount > 0 {
		s.MaxPerAccount = d.MaxPerAccount
	}
	if d.AntiFloodExtra != nil {
		s.AntiFloodExtra = *d.AntiFloodExtra
	}
	return s
}
