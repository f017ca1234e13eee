package join

import (
	"context"

	"joinbot/internal/egress"
	"joinbot/internal/identity"
	"joinbot/internal/linkqueue"
	logx "joinbot/pkg/logx"
)

// DryRun is a Client that performs no network I/O: every join succeeds and
// is only logged. It lets the scheduler run end to end without a protocol
// adapter wired in.
type DryRun struct {
	Log logx.Logger
}

func (d DryRun) Open(ctx context.Context, h identity.Handle, via *egress.Endpoint) (Session, error) {
	return dryRunSession{log: d.Log.With(logx.Int64("account", h.AccountID), logx.String("egress", egress.Mask(via)))}, nil
}

type dryRunSession struct{ log logx.Logger }

func (s dryRunSession) Join(ctx context.Context, t linkqueue.Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("dry-run join", logx.String("target", t.String()))
	return nil
}

func (s dryRunSession) Authorized(ctx context.Context) (bool, error) { return true, nil }

func (s dryRunSession) Close() error { return nil }
