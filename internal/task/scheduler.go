package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"joinbot/internal/join"
	"joinbot/internal/linkqueue"
	"joinbot/internal/notify"
	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

// Task is one owner's scheduler run.
type Task struct {
	owner int64
	runID string
	deps  *Deps
	opts  Options
	log   logx.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	paused    bool
	resume    chan struct{} // closed when a pause ends
	startedAt time.Time
	stats     Stats
	progress  Progress
	summary   *notify.Summary
}

func newTask(parent context.Context, owner int64, runID string, deps *Deps) *Task {
	ctx, cancel := context.WithCancel(parent)
	opts := deps.Options.withDefaults()
	return &Task{
		owner:     owner,
		runID:     runID,
		deps:      deps,
		opts:      opts,
		log:       deps.Log.With(logx.Int64("owner", owner), logx.String("run", runID)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateInit,
		startedAt: deps.Clock.Now(),
	}
}

// ---- control ----

func (t *Task) pause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || t.paused {
		return false
	}
	t.paused = true
	t.resume = make(chan struct{})
	t.state = StatePaused
	return true
}

func (t *Task) unpause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return false
	}
	t.paused = false
	close(t.resume)
	if !t.state.Terminal() {
		t.state = StateRunning
	}
	return true
}

func (t *Task) stop() { t.cancel() }

func (t *Task) status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		Owner:     t.owner,
		RunID:     t.runID,
		State:     t.state,
		Running:   !t.state.Terminal(),
		Paused:    t.paused && !t.state.Terminal(),
		StartedAt: t.startedAt,
		Progress:  t.progress,
		Stats:     t.stats,
	}
	if t.summary != nil {
		s := *t.summary
		st.Summary = &s
	}
	return st
}

// checkpoint returns errStopped once stop is observed and blocks while paused.
func (t *Task) checkpoint() error {
	for {
		if t.ctx.Err() != nil {
			return errStopped
		}
		t.mu.Lock()
		paused, resume := t.paused, t.resume
		t.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-t.ctx.Done():
			return errStopped
		case <-resume:
		}
	}
}

// sleep is the only suspension primitive of the loop.
func (t *Task) sleep(d time.Duration) error {
	if err := t.checkpoint(); err != nil {
		return err
	}
	if d > 0 {
		var err error
		if t.opts.Sleep != nil {
			err = t.opts.Sleep(t.ctx, d)
		} else {
			err = t.clockSleep(d)
		}
		if err != nil {
			return errStopped
		}
	}
	return t.checkpoint()
}

func (t *Task) clockSleep(d time.Duration) error {
	timer := t.deps.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return t.ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Task) jitter(s storage.Settings) time.Duration {
	n := int64(s.IntervalMin)
	if span := int64(s.IntervalMax - s.IntervalMin); span > 0 {
		n += t.rand(span + 1)
	}
	if s.AntiFloodExtra > 0 {
		n += t.rand(int64(s.AntiFloodExtra) + 1)
	}
	return time.Duration(n) * time.Second
}

func (t *Task) rand(n int64) int64 {
	if t.opts.Rand != nil {
		return t.opts.Rand(n)
	}
	return rand.Int64N(n)
}

func (t *Task) dayStart() time.Time {
	now := t.deps.Clock.Now().In(t.opts.Location)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.opts.Location)
}

func (t *Task) notify(e notify.Event) {
	e.Owner = t.owner
	if t.deps.Sink == nil {
		return
	}
	// A misbehaving sink must never take the task down.
	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("notification sink panicked", logx.Any("panic", r))
		}
	}()
	t.deps.Sink.Notify(context.WithoutCancel(t.ctx), e)
}

// ---- loop ----

// run drives the task to a terminal state and returns its summary.
func (t *Task) run() (sum notify.Summary) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("task panicked", logx.Any("panic", r))
			sum = t.finish(StateCompleted, "internal error", fmt.Errorf("panic: %v", r))
		}
	}()

	state := StateCompleted
	reason, err := t.loop()
	switch {
	case errors.Is(err, errStopped), t.ctx.Err() != nil && errors.Is(err, context.Canceled):
		state, reason, err = StateStopped, ReasonStopped, nil
	case err != nil:
		reason = ReasonStoreError
	}
	return t.finish(state, reason, err)
}

func (t *Task) finish(state State, reason string, err error) notify.Summary {
	t.mu.Lock()
	s := notify.Summary{
		State:           string(state),
		Reason:          reason,
		Success:         t.stats.Success,
		Failed:          t.stats.Failed,
		Invalid:         t.stats.Invalid,
		Skipped:         t.stats.Skipped,
		RemovedAccounts: t.stats.RemovedAccounts,
	}
	if err != nil {
		s.Err = err.Error()
	}
	t.state = state
	t.summary = &s
	t.mu.Unlock()

	lvl := t.log.Info
	if err != nil {
		lvl = t.log.Error
	}
	lvl("task finished", logx.String("state", string(state)), logx.String("reason", reason), logx.Any("stats", s), logx.Err(err))
	t.notify(notify.Event{Kind: notify.KindCompleted, Summary: &s})
	return s
}

func (t *Task) settings() (storage.Settings, error) {
	s, ok, err := t.deps.Store.GetSettings(t.ctx, t.owner)
	if err != nil {
		return storage.Settings{}, err
	}
	if !ok {
		s = t.deps.Defaults
		s.Owner = t.owner
	}
	// Equal bounds are tolerated at run time: the interval is then fixed.
	if s.IntervalMax < s.IntervalMin || s.DailyLimit <= 0 || s.MaxPerAccount <= 0 {
		return storage.Settings{}, fmt.Errorf("%w: %+v", ErrNoSettings, s)
	}
	return s, nil
}

// loop returns the completion reason, or an error (errStopped on stop).
func (t *Task) loop() (string, error) {
	d := t.deps
	set, err := t.settings()
	if err != nil {
		return "", err
	}
	links, err := d.Queue.Pending(t.ctx, t.owner)
	if err != nil {
		return "", fmt.Errorf("load pending links: %w", err)
	}

	t.mu.Lock()
	if !t.paused {
		t.state = StateRunning
	}
	t.progress = Progress{Total: len(links), DailyLimit: set.DailyLimit}
	t.mu.Unlock()

	var (
		cursor    int
		blocked   = map[int64][]int64{} // link id -> accounts forbidden on it
		retryAcc  *storage.Account      // account to reuse after a served throttle wait
		throttles int
		sleepFor  = time.Duration(set.SleepDuration) * time.Minute
	)
	advance := func() {
		cursor++
		throttles = 0
		t.mu.Lock()
		t.progress.Processed = cursor
		t.mu.Unlock()
	}

	today, err := d.Store.CountJoins(t.ctx, t.owner, t.dayStart())
	if err != nil {
		return "", fmt.Errorf("count joins: %w", err)
	}
	t.notify(notify.Event{Kind: notify.KindStarted, Done: today, Limit: set.DailyLimit})

	for {
		if err := t.checkpoint(); err != nil {
			return "", err
		}

		// 1. Daily limit.
		today, err := d.Store.CountJoins(t.ctx, t.owner, t.dayStart())
		if err != nil {
			return "", fmt.Errorf("count joins: %w", err)
		}
		t.mu.Lock()
		t.progress.Today = today
		t.mu.Unlock()
		if today >= set.DailyLimit {
			return ReasonDailyLimit, nil
		}

		var link *storage.Link
		if cursor < len(links) {
			link = &links[cursor]
		}

		// 2. Account.
		acc := retryAcc
		retryAcc = nil
		if acc == nil {
			var exclude []int64
			if link != nil {
				exclude = blocked[link.ID]
			}
			acc, err = d.Pool.SelectAvailable(t.ctx, t.owner, set.MaxPerAccount, exclude...)
			if err != nil {
				return "", err
			}
		}
		if acc == nil && link != nil && len(blocked[link.ID]) > 0 {
			other, err := d.Pool.SelectAvailable(t.ctx, t.owner, set.MaxPerAccount)
			if err != nil {
				return "", err
			}
			if other != nil {
				// Every usable account is forbidden on this link.
				if err := t.mark(link, storage.LinkFailed, "forbidden for all accounts", 0); err != nil {
					return "", err
				}
				t.bump(func(s *Stats) { s.Failed++ })
				advance()
				continue
			}
		}
		if acc == nil {
			wake, ok, err := d.Pool.NextWakeTime(t.ctx, t.owner)
			if err != nil {
				return "", err
			}
			if !ok {
				return ReasonNoAccounts, nil
			}
			wait := wake.Sub(d.Clock.Now())
			if wait > t.opts.PollInterval {
				wait = t.opts.PollInterval
			}
			t.log.Debug("all accounts cooling down", logx.Time("next_wake", wake), logx.Duration("wait", wait))
			if err := t.sleep(wait); err != nil {
				return "", err
			}
			continue
		}

		// 3. Link.
		if link == nil {
			return ReasonQueueEmpty, nil
		}
		target, err := linkqueue.ParseKey(link.Target)
		if err != nil {
			if err := t.mark(link, storage.LinkInvalid, err.Error(), 0); err != nil {
				return "", err
			}
			t.bump(func(s *Stats) { s.Invalid++ })
			advance()
			continue
		}

		// 4. Repeat policy.
		if !set.AllowRepeat {
			joined, err := d.Store.HasJoined(t.ctx, acc.ID, link.Target)
			if err != nil {
				return "", fmt.Errorf("join history: %w", err)
			}
			if joined {
				t.log.Debug("link skipped: already joined by account", logx.Int64("link", link.ID), logx.Int64("account", acc.ID))
				t.bump(func(s *Stats) { s.Skipped++ })
				advance()
				continue
			}
		}

		// 5. Attempt. Stop is checked first; the attempt itself is not
		// cancelled by stop.
		if err := t.checkpoint(); err != nil {
			return "", err
		}
		via := d.Rotator.Next()
		actx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), t.opts.AttemptTimeout)
		out := d.Executor.Attempt(actx, *acc, target, via)
		cancel()

		if err := t.record(acc, link, out); err != nil {
			return "", err
		}

		switch out.Class {
		case join.ClassThrottled:
			// 6. Serve short waits in place; defer the account otherwise.
			throttles++
			t.notify(notify.Event{Kind: notify.KindThrottled, Account: acc.Label, Target: target.String(), Wait: out.Wait})
			if out.Wait <= t.opts.MaxFloodWait && throttles <= t.opts.MaxThrottleRetries {
				if err := t.sleep(out.Wait); err != nil {
					return "", err
				}
				retryAcc = acc
				continue
			}
			throttles = 0
			if err := d.Pool.Defer(t.ctx, acc, d.Clock.Now().Add(out.Wait)); err != nil {
				return "", err
			}
			continue

		case join.ClassJoined, join.ClassAlreadyMember:
			// 7. Success.
			if out.Class == join.ClassJoined {
				if err := d.Pool.RecordJoin(t.ctx, acc); err != nil {
					return "", err
				}
			}
			if err := t.mark(link, storage.LinkSuccess, "", acc.ID); err != nil {
				return "", err
			}
			t.bump(func(s *Stats) { s.Success++ })
			t.notify(notify.Event{Kind: notify.KindProgress, Account: acc.Label, Target: target.String(), Result: out.Class.String(), Done: today + countedInt(out.Class), Limit: set.DailyLimit})
			if out.Class == join.ClassJoined {
				cooled, err := d.Pool.ApplyCooldown(t.ctx, acc, set.SleepAfterCount, sleepFor)
				if err != nil {
					return "", err
				}
				if cooled {
					t.notify(notify.Event{Kind: notify.KindCooldown, Account: acc.Label, Wait: sleepFor})
				}
			}

		case join.ClassTargetDead:
			// 8. Retire the target for everyone.
			if err := t.mark(link, storage.LinkInvalid, out.Message, 0); err != nil {
				return "", err
			}
			t.bump(func(s *Stats) { s.Invalid++ })
			t.notify(notify.Event{Kind: notify.KindProgress, Account: acc.Label, Target: target.String(), Result: out.Class.String(), Done: today, Limit: set.DailyLimit})

		case join.ClassTargetForbidden:
			// Other accounts may still try this link; do not advance.
			blocked[link.ID] = append(blocked[link.ID], acc.ID)
			throttles = 0
			if err := t.sleep(t.jitter(set)); err != nil {
				return "", err
			}
			continue

		case join.ClassAccountDead:
			// 9. Evict and retry the same link with the next account.
			if err := d.Pool.Remove(t.ctx, acc, out.Message); err != nil {
				return "", err
			}
			t.bump(func(s *Stats) { s.RemovedAccounts++ })
			t.notify(notify.Event{Kind: notify.KindAccountRemoved, Account: acc.Label, Result: out.Message})
			throttles = 0
			continue

		default:
			// 10. Unclassified.
			if set.AllowRepeat {
				if err := t.noteFailure(link, out.Message); err != nil {
					return "", err
				}
			} else if err := t.mark(link, storage.LinkFailed, out.Message, 0); err != nil {
				return "", err
			}
			t.bump(func(s *Stats) { s.Failed++ })
			t.notify(notify.Event{Kind: notify.KindProgress, Account: acc.Label, Target: target.String(), Result: out.Class.String(), Done: today, Limit: set.DailyLimit})
		}

		advance()
		if err := t.sleep(t.jitter(set)); err != nil {
			return "", err
		}
	}
}

func countedInt(c join.Class) int {
	if c == join.ClassJoined {
		return 1
	}
	return 0
}

func (t *Task) bump(fn func(*Stats)) {
	t.mu.Lock()
	fn(&t.stats)
	t.mu.Unlock()
}

// mark tolerates links that were cleared or retired behind the loop's back.
func (t *Task) mark(link *storage.Link, status storage.LinkStatus, reason string, joinedBy int64) error {
	err := t.deps.Queue.Mark(t.ctx, link, status, reason, joinedBy)
	if errors.Is(err, linkqueue.ErrTerminal) || errors.Is(err, storage.ErrNotFound) {
		t.log.Warn("link changed outside the task", logx.Int64("link", link.ID), logx.Err(err))
		return nil
	}
	return err
}

func (t *Task) noteFailure(link *storage.Link, reason string) error {
	err := t.deps.Queue.NoteFailure(t.ctx, link, reason)
	if errors.Is(err, linkqueue.ErrTerminal) || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (t *Task) record(acc *storage.Account, link *storage.Link, out join.Outcome) error {
	err := t.deps.Store.AppendJoin(t.ctx, storage.JoinRecord{
		Owner:     t.owner,
		AccountID: acc.ID,
		LinkID:    link.ID,
		Target:    link.Target,
		Class:     out.Class.String(),
		Message:   out.Message,
		Success:   out.Class.Success(),
		Counted:   out.Class == join.ClassJoined,
		At:        t.deps.Clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("append join history: %w", err)
	}
	return nil
}
