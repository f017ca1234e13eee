package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"joinbot/internal/identity"
	logx "joinbot/pkg/logx"
)

// newDayReset schedules the per-account daily counter reset.
func newDayReset(spec string, loc *time.Location, pool *identity.Pool, timeout time.Duration, log logx.Logger) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, resetJob(pool, timeout, log)); err != nil {
		return nil, fmt.Errorf("day reset %q: %w", spec, err)
	}
	return c, nil
}

func resetJob(pool *identity.Pool, timeout time.Duration, log logx.Logger) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := pool.ResetDaily(ctx); err != nil {
			log.Error("daily reset failed", logx.Err(err))
		}
	}
}
