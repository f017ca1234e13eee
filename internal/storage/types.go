package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "memory": process-local maps, lost on restart
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type AccountStatus string

const (
	AccountActive       AccountStatus = "active"
	AccountSleeping     AccountStatus = "sleeping"
	AccountUnauthorized AccountStatus = "unauthorized"
	AccountBanned       AccountStatus = "banned"
)

// Account is one caller-owned identity.
// SessionRef is opaque to storage; the credential store resolves it.
type Account struct {
	ID           int64
	Owner        int64
	Label        string
	SessionRef   string
	Status       AccountStatus
	TodayJoined  int
	TotalJoined  int
	SleepUntil   time.Time // zero: not cooling down
	LastJoinTime time.Time // zero: never joined
	AddedAt      time.Time
}

type LinkStatus string

const (
	LinkPending LinkStatus = "pending"
	LinkSuccess LinkStatus = "success"
	LinkFailed  LinkStatus = "failed"
	LinkInvalid LinkStatus = "invalid"
)

// Terminal reports whether no further transition is allowed.
func (s LinkStatus) Terminal() bool { return s != LinkPending }

// Link is a join target. Target holds the normalized descriptor, Raw the
// text the operator supplied.
type Link struct {
	ID         int64
	Owner      int64
	Target     string
	Raw        string
	Status     LinkStatus
	FailReason string
	JoinedBy   int64 // account id; set iff Status == LinkSuccess
	AddedAt    time.Time
}

// Settings holds per-owner pacing knobs.
//
// Units: IntervalMin/IntervalMax/AntiFloodExtra in seconds, SleepDuration in minutes.
type Settings struct {
	Owner           int64 `json:"owner"`
	IntervalMin     int   `json:"interval_min"`
	IntervalMax     int   `json:"interval_max"`
	DailyLimit      int   `json:"daily_limit"`
	AllowRepeat     bool  `json:"allow_repeat"`
	SleepAfterCount int   `json:"sleep_after_count"`
	SleepDuration   int   `json:"sleep_duration"`
	MaxPerAccount   int   `json:"max_per_account"`
	AntiFloodExtra  int   `json:"anti_flood_extra"`
}

// MinInterval is the smallest accepted interval_min, in seconds.
const MinInterval = 10

// DefaultSettings mirrors the defaults the bot ships with.
func DefaultSettings(owner int64) Settings {
	return Settings{
		Owner:           owner,
		IntervalMin:     30,
		IntervalMax:     60,
		DailyLimit:      50,
		SleepAfterCount: 10,
		SleepDuration:   30,
		MaxPerAccount:   20,
		AntiFloodExtra:  15,
	}
}

// Validate is applied on every settings write.
func (s Settings) Validate() error {
	switch {
	case s.IntervalMin < MinInterval:
		return fmt.Errorf("interval_min must be >= %d", MinInterval)
	case s.IntervalMin >= s.IntervalMax:
		return errors.New("interval_min must be < interval_max")
	case s.DailyLimit <= 0:
		return errors.New("daily_limit must be > 0")
	case s.SleepAfterCount <= 0:
		return errors.New("sleep_after_count must be > 0")
	case s.SleepDuration <= 0:
		return errors.New("sleep_duration must be > 0")
	case s.MaxPerAccount <= 0:
		return errors.New("max_per_account must be > 0")
	case s.AntiFloodExtra < 0:
		return errors.New("anti_flood_extra must be >= 0")
	}
	return nil
}

// JoinRecord is one row of join history.
// Success marks an attempt that left the account a member of the target;
// Counted additionally requires that the membership is new.
type JoinRecord struct {
	Owner     int64
	AccountID int64
	LinkID    int64
	Target    string
	Class     string
	Message   string
	Success   bool
	Counted   bool
	At        time.Time
}

// JoinStats aggregates join history.
type JoinStats struct {
	Attempts int `json:"attempts"`
	Success  int `json:"success"` // includes already-member outcomes
	Counted  int `json:"counted"` // new memberships
	Failed   int `json:"failed"`
}
