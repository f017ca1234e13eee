package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"joinbot/internal/notify"
	"joinbot/internal/runtime/supervisor"
	logx "joinbot/pkg/logx"
)

// Registry owns at most one live task per owner.
type Registry struct {
	deps *Deps
	sup  *supervisor.Supervisor

	mu   sync.Mutex
	live map[int64]*Task
	last map[int64]Status
}

func NewRegistry(ctx context.Context, deps Deps) *Registry {
	if deps.Sink == nil {
		deps.Sink = notify.Nop{}
	}
	return &Registry{
		deps: &deps,
		sup:  supervisor.New(ctx, supervisor.WithLogger(deps.Log)),
		live: make(map[int64]*Task),
		last: make(map[int64]Status),
	}
}

// Start launches owner's task. A second start while one is live fails with
// ErrAlreadyRunning.
func (r *Registry) Start(owner int64) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[owner]; ok {
		return Status{}, fmt.Errorf("owner %d: %w", owner, ErrAlreadyRunning)
	}
	if err := r.sup.Context().Err(); err != nil {
		return Status{}, err
	}
	t := newTask(r.sup.Context(), owner, uuid.NewString(), r.deps)
	r.live[owner] = t
	delete(r.last, owner)

	r.sup.Go0(fmt.Sprintf("task.%d", owner), func(context.Context) {
		defer close(t.done)
		t.run()
		r.mu.Lock()
		if r.live[owner] == t {
			delete(r.live, owner)
		}
		r.last[owner] = t.status()
		r.mu.Unlock()
	})
	t.log.Info("task started")
	return t.status(), nil
}

func (r *Registry) get(owner int64) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.live[owner]
	if !ok {
		return nil, fmt.Errorf("owner %d: %w", owner, ErrNotRunning)
	}
	return t, nil
}

// Pause holds the task at its next checkpoint. Pausing a paused task is a
// no-op.
func (r *Registry) Pause(owner int64) error {
	t, err := r.get(owner)
	if err != nil {
		return err
	}
	if t.pause() {
		t.log.Info("task paused")
	}
	return nil
}

func (r *Registry) Resume(owner int64) error {
	t, err := r.get(owner)
	if err != nil {
		return err
	}
	if t.unpause() {
		t.log.Info("task resumed")
	}
	return nil
}

// Stop requests a cooperative stop and returns without waiting.
func (r *Registry) Stop(owner int64) error {
	t, err := r.get(owner)
	if err != nil {
		return err
	}
	t.stop()
	t.log.Info("task stop requested")
	return nil
}

// Status reports the live task, or the last finished one.
func (r *Registry) Status(owner int64) (Status, bool) {
	r.mu.Lock()
	t, live := r.live[owner]
	last, ok := r.last[owner]
	r.mu.Unlock()
	if live {
		return t.status(), true
	}
	return last, ok
}

// Wait blocks until owner's current task ends and returns its summary.
func (r *Registry) Wait(ctx context.Context, owner int64) (notify.Summary, error) {
	r.mu.Lock()
	t, live := r.live[owner]
	last, ok := r.last[owner]
	r.mu.Unlock()
	if !live {
		if ok && last.Summary != nil {
			return *last.Summary, nil
		}
		return notify.Summary{}, fmt.Errorf("owner %d: %w", owner, ErrNotRunning)
	}
	select {
	case <-ctx.Done():
		return notify.Summary{}, ctx.Err()
	case <-t.done:
	}
	st := t.status()
	if st.Summary == nil {
		return notify.Summary{}, fmt.Errorf("owner %d: task ended without summary", owner)
	}
	return *st.Summary, nil
}

// Running lists owners with a live task.
func (r *Registry) Running() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.live))
	for o := range r.live {
		out = append(out, o)
	}
	return out
}

// StopAll stops every task and waits for them to finish or ctx to expire.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	n := len(r.live)
	r.mu.Unlock()
	if n > 0 {
		r.deps.Log.Info("stopping tasks", logx.Int("count", n))
	}
	return r.sup.Stop(ctx)
}
