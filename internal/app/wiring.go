package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"joinbot/internal/config"
	"joinbot/internal/egress"
	"joinbot/internal/join"
	"joinbot/internal/storage"
	"joinbot/internal/task"
	logx "joinbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "memory" {
		return storage.Config{Driver: driver}
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.ParseDurationOrDefault(cfg.Storage.BusyTimeout, time.Second),
	}
}

func mapTaskOptions(cfg *config.Config) (task.Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return task.Options{}, err
	}
	sc := cfg.Scheduler
	return task.Options{
		PollInterval:       config.ParseDurationOrDefault(sc.PollInterval, task.DefaultPollInterval),
		MaxFloodWait:       config.ParseDurationOrDefault(sc.MaxFloodWait, task.DefaultMaxFloodWait),
		MaxThrottleRetries: sc.MaxThrottleRetries,
		AttemptTimeout:     config.ParseDurationOrDefault(sc.AttemptTimeout, task.DefaultAttemptTimeout),
		Location:           loc,
	}, nil
}

func proxyScheme(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Egress.DefaultScheme); s != "" {
		return strings.ToLower(s)
	}
	return egress.DefaultScheme
}

// loadEgress reads the proxy pool from the configured file, or else from
// the proxy lines saved in the store.
func loadEgress(ctx context.Context, cfg *config.Config, store storage.Store, log logx.Logger) ([]egress.Endpoint, error) {
	scheme := proxyScheme(cfg)
	if path := strings.TrimSpace(cfg.Egress.File); path != "" {
		return egress.LoadFile(path, scheme, log)
	}
	lines, err := store.ListProxies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}
	return egress.Load(strings.NewReader(strings.Join(lines, "\n")), scheme, log)
}

func newClient(cfg *config.Config, log logx.Logger) (join.Client, error) {
	switch cfg.Client.Driver {
	case "", "dryrun":
		return join.DryRun{Log: log}, nil
	}
	return nil, fmt.Errorf("client.driver %q is not built in", cfg.Client.Driver)
}

// restartSections names the sections that differ between old and next and
// are only read at startup.
func restartSections(old, next *config.Config) []string {
	if old == nil || next == nil {
		return nil
	}
	var out []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	add("telegram", old.Telegram, next.Telegram)
	add("storage", old.Storage, next.Storage)
	add("egress", old.Egress, next.Egress)
	add("scheduler", old.Scheduler, next.Scheduler)
	add("notifier", old.Notifier, next.Notifier)
	add("client", old.Client, next.Client)
	add("defaults", old.Defaults, next.Defaults)
	return out
}
