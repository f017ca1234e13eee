package notify

import (
	"context"
	"time"
)

type Kind string

const (
	KindStarted        Kind = "started"
	KindProgress       Kind = "progress"
	KindCooldown       Kind = "cooldown"
	KindThrottled      Kind = "throttled"
	KindAccountRemoved Kind = "account_removed"
	KindCompleted      Kind = "completed"
)

// Topic is the event bus topic notify events are published under.
const Topic = "join.notify"

// Event is one progress report for an owner.
type Event struct {
	Owner   int64
	Kind    Kind
	Account string        // account label, if any
	Target  string        // link display form, if any
	Result  string        // classification or reason
	Wait    time.Duration // cooldown / throttle length
	Done    int
	Limit   int
	Summary *Summary
}

// Summary is the end-of-run report.
type Summary struct {
	State           string `json:"state"`
	Reason          string `json:"reason"`
	Success         int    `json:"success"`
	Failed          int    `json:"failed"`
	Invalid         int    `json:"invalid"`
	Skipped         int    `json:"skipped"`
	RemovedAccounts int    `json:"removed_accounts"`
	Err             string `json:"err,omitempty"`
}

// Sink receives events. Implementations must not block the caller.
type Sink interface {
	Notify(ctx context.Context, e Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }
