// Package identity tracks each owner's accounts: usage counters, cooldowns
// and eviction. It does no network I/O.
//
// All mutations for one owner, including the status-refresh path, hold that
// owner's lock, so a refresh never interleaves with scheduler bookkeeping.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

var ErrNoCredentials = errors.New("account has no credentials")

type Pool struct {
	store storage.Store
	clk   clock.Clock
	log   logx.Logger

	mu     sync.Mutex
	owners map[int64]*sync.Mutex
}

func NewPool(store storage.Store, clk clock.Clock, log logx.Logger) *Pool {
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{store: store, clk: clk, log: log, owners: map[int64]*sync.Mutex{}}
}

func (p *Pool) lock(owner int64) func() {
	p.mu.Lock()
	m, ok := p.owners[owner]
	if !ok {
		m = &sync.Mutex{}
		p.owners[owner] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// eligible reports whether a can be handed out at now.
func eligible(a storage.Account, maxPerAccount int, now time.Time) bool {
	if a.Status != storage.AccountActive && a.Status != storage.AccountSleeping {
		return false
	}
	if a.SleepUntil.After(now) {
		return false
	}
	return a.TodayJoined < maxPerAccount
}

// SelectAvailable returns owner's least-used eligible account, or nil when
// none qualifies. Ties go to the lower id. Accounts in exclude are skipped.
// An account whose cooldown has expired is returned active again.
func (p *Pool) SelectAvailable(ctx context.Context, owner int64, maxPerAccount int, exclude ...int64) (*storage.Account, error) {
	defer p.lock(owner)()

	accs, err := p.store.ListAccounts(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	now := p.clk.Now()
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var cands []storage.Account
	for _, a := range accs {
		if !skip[a.ID] && eligible(a, maxPerAccount, now) {
			cands = append(cands, a)
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].TodayJoined != cands[j].TodayJoined {
			return cands[i].TodayJoined < cands[j].TodayJoined
		}
		return cands[i].ID < cands[j].ID
	})

	a := cands[0]
	if a.Status == storage.AccountSleeping {
		a.Status = storage.AccountActive
		a.SleepUntil = time.Time{}
		if err := p.store.UpdateAccount(ctx, a); err != nil {
			return nil, fmt.Errorf("wake account %d: %w", a.ID, err)
		}
		p.log.Debug("account woke up", logx.Int64("account", a.ID))
	}
	return &a, nil
}

// NextWakeTime returns the earliest future sleep_until among owner's
// cooling-down accounts.
func (p *Pool) NextWakeTime(ctx context.Context, owner int64) (time.Time, bool, error) {
	defer p.lock(owner)()

	accs, err := p.store.ListAccounts(ctx, owner)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("list accounts: %w", err)
	}
	now := p.clk.Now()
	var next time.Time
	for _, a := range accs {
		if a.Status != storage.AccountActive && a.Status != storage.AccountSleeping {
			continue
		}
		if !a.SleepUntil.After(now) {
			continue
		}
		if next.IsZero() || a.SleepUntil.Before(next) {
			next = a.SleepUntil
		}
	}
	return next, !next.IsZero(), nil
}

// RecordJoin counts one new membership for acc.
func (p *Pool) RecordJoin(ctx context.Context, acc *storage.Account) error {
	defer p.lock(acc.Owner)()

	if err := p.reload(ctx, acc); err != nil {
		return err
	}
	acc.TodayJoined++
	acc.TotalJoined++
	acc.LastJoinTime = p.clk.Now()
	if err := p.store.UpdateAccount(ctx, *acc); err != nil {
		return fmt.Errorf("record join for account %d: %w", acc.ID, err)
	}
	return nil
}

// ApplyCooldown puts acc to sleep for d when its daily count reaches a
// multiple of afterCount. It reports whether a cooldown started.
func (p *Pool) ApplyCooldown(ctx context.Context, acc *storage.Account, afterCount int, d time.Duration) (bool, error) {
	if afterCount <= 0 || d <= 0 || acc.TodayJoined == 0 || acc.TodayJoined%afterCount != 0 {
		return false, nil
	}
	return true, p.Defer(ctx, acc, p.clk.Now().Add(d))
}

// Defer excludes acc from selection until the given time.
func (p *Pool) Defer(ctx context.Context, acc *storage.Account, until time.Time) error {
	defer p.lock(acc.Owner)()

	if err := p.reload(ctx, acc); err != nil {
		return err
	}
	acc.Status = storage.AccountSleeping
	acc.SleepUntil = until
	if err := p.store.UpdateAccount(ctx, *acc); err != nil {
		return fmt.Errorf("cooldown account %d: %w", acc.ID, err)
	}
	p.log.Info("account cooling down", logx.Int64("account", acc.ID), logx.Time("until", until))
	return nil
}

// Remove evicts acc from the pool permanently.
func (p *Pool) Remove(ctx context.Context, acc *storage.Account, reason string) error {
	defer p.lock(acc.Owner)()

	if err := p.store.DeleteAccount(ctx, acc.ID); err != nil {
		return fmt.Errorf("remove account %d: %w", acc.ID, err)
	}
	p.log.Warn("account removed", logx.Int64("account", acc.ID), logx.String("label", acc.Label), logx.String("reason", reason))
	return nil
}

// ResetDaily zeroes every account's daily counter. It runs at the day
// boundary.
func (p *Pool) ResetDaily(ctx context.Context) error {
	if err := p.store.ResetDailyCounts(ctx); err != nil {
		return fmt.Errorf("reset daily counters: %w", err)
	}
	p.log.Info("daily account counters reset")
	return nil
}

// Verifier checks whether an account's session is still usable.
type Verifier func(ctx context.Context, acc storage.Account) (ok bool, err error)

// RefreshResult summarizes one Refresh.
type RefreshResult struct {
	Checked      int
	Unauthorized int
	Errors       int
}

// Refresh verifies each of owner's accounts. Accounts that fail verification
// are marked unauthorized; errors leave the account untouched.
func (p *Pool) Refresh(ctx context.Context, owner int64, verify Verifier) (RefreshResult, error) {
	defer p.lock(owner)()

	var res RefreshResult
	accs, err := p.store.ListAccounts(ctx, owner)
	if err != nil {
		return res, fmt.Errorf("list accounts: %w", err)
	}
	for _, a := range accs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		ok, err := verify(ctx, a)
		if err != nil {
			res.Errors++
			p.log.Warn("account check failed", logx.Int64("account", a.ID), logx.Err(err))
			continue
		}
		if ok {
			if a.Status == storage.AccountUnauthorized {
				a.Status = storage.AccountActive
				if err := p.store.UpdateAccount(ctx, a); err != nil {
					return res, err
				}
			}
			continue
		}
		res.Unauthorized++
		a.Status = storage.AccountUnauthorized
		if err := p.store.UpdateAccount(ctx, a); err != nil {
			return res, err
		}
	}
	return res, nil
}

// reload refreshes acc from the store so bookkeeping never overwrites a
// concurrent status refresh. Callers hold the owner lock.
func (p *Pool) reload(ctx context.Context, acc *storage.Account) error {
	accs, err := p.store.ListAccounts(ctx, acc.Owner)
	if err != nil {
		return fmt.Errorf("reload account %d: %w", acc.ID, err)
	}
	for _, a := range accs {
		if a.ID == acc.ID {
			*acc = a
			return nil
		}
	}
	return fmt.Errorf("reload account %d: %w", acc.ID, storage.ErrNotFound)
}

// Accounts lists owner's accounts under the owner lock.
func (p *Pool) Accounts(ctx context.Context, owner int64) ([]storage.Account, error) {
	defer p.lock(owner)()
	return p.store.ListAccounts(ctx, owner)
}
