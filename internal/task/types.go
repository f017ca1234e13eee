package task

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"joinbot/internal/egress"
	"joinbot/internal/identity"
	"joinbot/internal/join"
	"joinbot/internal/linkqueue"
	"joinbot/internal/notify"
	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

type State string

const (
	StateInit      State = "INIT"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateStopped   State = "STOPPED"
	StateCompleted State = "COMPLETED"
)

func (s State) Terminal() bool { return s == StateStopped || s == StateCompleted }

// Summary reasons.
const (
	ReasonDailyLimit = "daily limit reached"
	ReasonNoAccounts = "no usable accounts"
	ReasonQueueEmpty = "no pending links"
	ReasonStopped    = "stopped by owner"
	ReasonStoreError = "store error"
)

// Attempter performs one classified join attempt.
type Attempter interface {
	Attempt(ctx context.Context, acc storage.Account, t linkqueue.Target, via *egress.Endpoint) join.Outcome
}

// Options tunes the loop. Zero values take the defaults below.
type Options struct {
	// PollInterval bounds the wait when every account is cooling down.
	PollInterval time.Duration
	// MaxFloodWait is the longest throttle wait served in place; longer
	// waits put the account on cooldown and move on.
	MaxFloodWait time.Duration
	// MaxThrottleRetries bounds consecutive throttled retries of one link on
	// one account.
	MaxThrottleRetries int
	// AttemptTimeout bounds one network attempt. Attempts are not cancelled
	// by stop.
	AttemptTimeout time.Duration
	// Location defines the day boundary for the daily limit.
	Location *time.Location

	// Sleep replaces the clock-driven wait. It must return ctx.Err() when
	// ctx is cancelled.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a uniform value in [0, n).
	Rand func(n int64) int64
}

const (
	DefaultPollInterval       = 60 * time.Second
	DefaultMaxFloodWait       = 15 * time.Minute
	DefaultMaxThrottleRetries = 3
	DefaultAttemptTimeout     = 2 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxFloodWait <= 0 {
		o.MaxFloodWait = DefaultMaxFloodWait
	}
	if o.MaxThrottleRetries <= 0 {
		o.MaxThrottleRetries = DefaultMaxThrottleRetries
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Deps are the collaborators shared by every owner's task.
type Deps struct {
	Store    storage.Store
	Pool     *identity.Pool
	Queue    *linkqueue.Queue
	Rotator  *egress.Rotator
	Executor Attempter
	Sink     notify.Sink
	Clock    clock.Clock
	Log      logx.Logger
	// Defaults apply to owners that never saved settings.
	Defaults storage.Settings
	Options  Options
}

// Stats counts outcomes of the current run.
type Stats struct {
	Success         int `json:"success"`
	Failed          int `json:"failed"`
	Invalid         int `json:"invalid"`
	Skipped         int `json:"skipped"`
	RemovedAccounts int `json:"removed_accounts"`
}

// Progress reports where the run stands.
type Progress struct {
	Processed  int `json:"processed"`   // links the loop has moved past
	Total      int `json:"total"`       // pending links at start
	Today      int `json:"today"`       // counted joins today
	DailyLimit int `json:"daily_limit"` // settings.daily_limit
}

// Status is a point-in-time view of an owner's task.
type Status struct {
	Owner     int64           `json:"owner"`
	RunID     string          `json:"run_id"`
	State     State           `json:"state"`
	Running   bool            `json:"running"`
	Paused    bool            `json:"paused"`
	StartedAt time.Time       `json:"started_at"`
	Progress  Progress        `json:"progress"`
	Stats     Stats           `json:"stats"`
	Summary   *notify.Summary `json:"summary,omitempty"`
}
