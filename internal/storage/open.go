package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "joinbot/pkg/logx"
)

// Store is the persistence API used by the pool, the queue and the scheduler.
type Store interface {
	AddAccount(ctx context.Context, a Account) (int64, error)
	ListAccounts(ctx context.Context, owner int64) ([]Account, error)
	UpdateAccount(ctx context.Context, a Account) error
	DeleteAccount(ctx context.Context, id int64) error
	// ResetDailyCounts zeroes today_joined for every account.
	ResetDailyCounts(ctx context.Context) error

	// InsertLink adds a pending link unless one with the same owner and
	// target exists. created reports whether a row was inserted.
	InsertLink(ctx context.Context, owner int64, target, raw string) (l Link, created bool, err error)
	// ListLinks returns links in insertion order, optionally filtered by status.
	ListLinks(ctx context.Context, owner int64, status ...LinkStatus) ([]Link, error)
	GetLink(ctx context.Context, id int64) (Link, error)
	UpdateLink(ctx context.Context, l Link) error
	ClearLinks(ctx context.Context, owner int64) error

	// GetSettings reports ok=false when the owner has never saved settings.
	GetSettings(ctx context.Context, owner int64) (s Settings, ok bool, err error)
	PutSettings(ctx context.Context, s Settings) error

	AppendJoin(ctx context.Context, r JoinRecord) error
	CountJoins(ctx context.Context, owner int64, since time.Time) (int, error)
	HasJoined(ctx context.Context, accountID int64, target string) (bool, error)
	// JoinStats aggregates owner's join history since the given time.
	JoinStats(ctx context.Context, owner int64, since time.Time) (JoinStats, error)

	ListProxies(ctx context.Context) ([]string, error)
	ReplaceProxies(ctx context.Context, lines []string) error

	Close() error
}

// Open initializes the configured store.
// It returns ErrDisabled if storage is disabled; the scheduler cannot run without one.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
