package notify

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"

	"joinbot/internal/eventbus"
	logx "joinbot/pkg/logx"
)

// BusSink publishes events on an event bus.
type BusSink struct {
	Bus eventbus.Bus
}

func (s BusSink) Notify(ctx context.Context, e Event) {
	if s.Bus == nil {
		return
	}
	s.Bus.Publish(eventbus.Event{Topic: Topic, Owner: e.Owner, Data: e})
}

// Sender delivers text to an owner's chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, chatID int64, text string) error

func (f SenderFunc) SendText(ctx context.Context, chatID int64, text string) error {
	return f(ctx, chatID, text)
}

// Config controls the forwarder.
type Config struct {
	QueueSize  int
	RatePerSec int
	// Progress enables per-attempt messages; lifecycle messages are always sent.
	Progress bool
}

// Forwarder turns bus events into chat messages.
type Forwarder struct {
	cfg     Config
	bus     eventbus.Bus
	sender  Sender
	limiter *rate.Limiter
	log     logx.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewForwarder(cfg Config, bus eventbus.Bus, sender Sender, log logx.Logger) *Forwarder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Forwarder{
		cfg:     cfg,
		bus:     bus,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}
}

// Run delivers events until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	ch, unsub := f.bus.Subscribe(f.cfg.QueueSize)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e, isNotify := ev.Data.(Event)
			if ev.Topic != Topic || !isNotify {
				continue
			}
			if e.Kind == KindProgress && !f.cfg.Progress {
				continue
			}
			if err := f.limiter.Wait(ctx); err != nil {
				return
			}
			if err := f.sender.SendText(ctx, e.Owner, Format(e)); err != nil {
				f.failed.Add(1)
				f.log.Warn("notification delivery failed", logx.Int64("owner", e.Owner), logx.String("kind", string(e.Kind)), logx.Err(err))
				continue
			}
			f.sent.Add(1)
		}
	}
}

// Stats returns delivered and failed message counts.
func (f *Forwarder) Stats() (sent, failed uint64) { return f.sent.Load(), f.failed.Load() }

// Format renders e as plain chat text.
func Format(e Event) string {
	switch e.Kind {
	case KindStarted:
		return fmt.Sprintf("Task started. Today: %d/%d", e.Done, e.Limit)
	case KindProgress:
		return fmt.Sprintf("%s %s\nAccount: %s\nProgress: %d/%d", resultMark(e.Result), e.Target, e.Account, e.Done, e.Limit)
	case KindCooldown:
		return fmt.Sprintf("Account %s is cooling down for %s", e.Account, e.Wait)
	case KindThrottled:
		return fmt.Sprintf("Account %s throttled on %s, waiting %s", e.Account, e.Target, e.Wait)
	case KindAccountRemoved:
		return fmt.Sprintf("Account %s removed: %s", e.Account, e.Result)
	case KindCompleted:
		if e.Summary == nil {
			return "Task finished"
		}
		s := e.Summary
		var b strings.Builder
		fmt.Fprintf(&b, "Task %s: %s\n", strings.ToLower(s.State), s.Reason)
		fmt.Fprintf(&b, "Success: %d\nFailed: %d\nInvalid links: %d\nSkipped: %d\nRemoved accounts: %d",
			s.Success, s.Failed, s.Invalid, s.Skipped, s.RemovedAccounts)
		if s.Err != "" {
			b.WriteString("\nError: ")
			b.WriteString(s.Err)
		}
		return b.String()
	}
	return string(e.Kind)
}

func resultMark(result string) string {
	switch result {
	case "joined", "already_member":
		return "OK"
	case "":
		return "-"
	}
	return "FAIL(" + result + ")"
}
