// Package join performs single join attempts through an external protocol
// client and classifies their outcomes.
package join

import (
	"context"
	"fmt"
	"time"

	"joinbot/internal/egress"
	"joinbot/internal/identity"
	"joinbot/internal/linkqueue"
	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

// Client opens sessions on the messaging platform. egress is nil for a
// direct connection.
type Client interface {
	Open(ctx context.Context, h identity.Handle, via *egress.Endpoint) (Session, error)
}

type Session interface {
	Join(ctx context.Context, t linkqueue.Target) error
	// Authorized reports whether the session is still logged in.
	Authorized(ctx context.Context) (bool, error)
	Close() error
}

// Outcome is the classified result of one attempt.
type Outcome struct {
	Class   Class
	Message string
	Wait    time.Duration // set for ClassThrottled
	Err     error
}

type Executor struct {
	client Client
	creds  identity.Credentials
	log    logx.Logger
}

func NewExecutor(client Client, creds identity.Credentials, log logx.Logger) *Executor {
	if creds == nil {
		creds = identity.StoreCredentials{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{client: client, creds: creds, log: log}
}

// Attempt runs open/join/close for acc on t via the given egress.
// It has no side effects besides the network call.
func (x *Executor) Attempt(ctx context.Context, acc storage.Account, t linkqueue.Target, via *egress.Endpoint) Outcome {
	err := x.attempt(ctx, acc, t, via)
	class, wait := Classify(err)
	out := Outcome{Class: class, Wait: wait, Err: err, Message: message(class, err)}
	x.log.Debug("join attempt",
		logx.Int64("account", acc.ID),
		logx.String("target", t.String()),
		logx.String("egress", egress.Mask(via)),
		logx.String("class", class.String()),
		logx.Err(err),
	)
	return out
}

func (x *Executor) attempt(ctx context.Context, acc storage.Account, t linkqueue.Target, via *egress.Endpoint) (err error) {
	h, err := x.creds.Resolve(ctx, acc)
	if err != nil {
		return err
	}
	sess, err := x.client.Open(ctx, h, via)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			x.log.Debug("session close failed", logx.Int64("account", acc.ID), logx.Err(cerr))
		}
	}()
	return sess.Join(ctx, t)
}

// Verify checks that acc can still log in. It backs the pool's status refresh.
func (x *Executor) Verify(ctx context.Context, acc storage.Account) (bool, error) {
	h, err := x.creds.Resolve(ctx, acc)
	if err != nil {
		return false, nil
	}
	sess, err := x.client.Open(ctx, h, nil)
	if err != nil {
		if c, _ := Classify(err); c == ClassAccountDead {
			return false, nil
		}
		return false, err
	}
	defer sess.Close()
	return sess.Authorized(ctx)
}

func message(c Class, err error) string {
	switch c {
	case ClassJoined:
		return "joined"
	case ClassAlreadyMember:
		return "already a member"
	}
	if err != nil {
		return err.Error()
	}
	return c.String()
}
