// Package linkqueue holds each owner's join targets and their status.
//
// Links are never removed by the scheduler: it walks the pending view in
// insertion order and marks links as it goes, so history stays inspectable
// until the owner clears it.
package linkqueue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

var (
	ErrTerminal        = errors.New("link already has a terminal status")
	ErrMissingJoinedBy = errors.New("success requires joined_by")
)

type Queue struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{store: store, log: log}
}

// Enqueue inserts raw as a pending link for owner. It reports false when the
// normalized target is already queued for that owner.
func (q *Queue) Enqueue(ctx context.Context, owner int64, raw string) (bool, error) {
	t, err := ParseTarget(raw)
	if err != nil {
		return false, err
	}
	_, created, err := q.store.InsertLink(ctx, owner, t.Key(), strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", t, err)
	}
	return created, nil
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Added     int
	Duplicate int
	Invalid   int
}

// EnqueueText imports one target per line (also splitting on spaces and commas).
func (q *Queue) EnqueueText(ctx context.Context, owner int64, text string) (ImportResult, error) {
	var res ImportResult
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		fields := strings.FieldsFunc(sc.Text(), func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
		for _, f := range fields {
			created, err := q.Enqueue(ctx, owner, f)
			switch {
			case errors.Is(err, ErrInvalidTarget):
				res.Invalid++
			case err != nil:
				return res, err
			case created:
				res.Added++
			default:
				res.Duplicate++
			}
		}
	}
	return res, sc.Err()
}

// Pending returns owner's pending links in insertion order.
func (q *Queue) Pending(ctx context.Context, owner int64) ([]storage.Link, error) {
	return q.store.ListLinks(ctx, owner, storage.LinkPending)
}

// Mark moves a pending link to a terminal status. Repeat policy is the
// scheduler's concern, not the queue's.
func (q *Queue) Mark(ctx context.Context, link *storage.Link, status storage.LinkStatus, reason string, joinedBy int64) error {
	if !status.Terminal() {
		return fmt.Errorf("mark link %d: %q is not terminal", link.ID, status)
	}
	if status == storage.LinkSuccess && joinedBy == 0 {
		return ErrMissingJoinedBy
	}
	cur, err := q.store.GetLink(ctx, link.ID)
	if err != nil {
		return fmt.Errorf("mark link %d: %w", link.ID, err)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("mark link %d: %w (%s)", link.ID, ErrTerminal, cur.Status)
	}
	cur.Status = status
	cur.FailReason = reason
	cur.JoinedBy = 0
	if status == storage.LinkSuccess {
		cur.JoinedBy = joinedBy
		cur.FailReason = ""
	}
	if err := q.store.UpdateLink(ctx, cur); err != nil {
		return fmt.Errorf("mark link %d: %w", link.ID, err)
	}
	*link = cur
	q.log.Debug("link marked", logx.Int64("link", link.ID), logx.String("status", string(status)), logx.String("reason", reason))
	return nil
}

// NoteFailure records reason on a pending link without retiring it.
func (q *Queue) NoteFailure(ctx context.Context, link *storage.Link, reason string) error {
	cur, err := q.store.GetLink(ctx, link.ID)
	if err != nil {
		return fmt.Errorf("note failure on link %d: %w", link.ID, err)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("note failure on link %d: %w", link.ID, ErrTerminal)
	}
	cur.FailReason = reason
	if err := q.store.UpdateLink(ctx, cur); err != nil {
		return err
	}
	*link = cur
	return nil
}

// Clear drops all of owner's links.
func (q *Queue) Clear(ctx context.Context, owner int64) error {
	return q.store.ClearLinks(ctx, owner)
}

// Counts tallies owner's links by status.
func (q *Queue) Counts(ctx context.Context, owner int64) (map[storage.LinkStatus]int, error) {
	links, err := q.store.ListLinks(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := map[storage.LinkStatus]int{}
	for _, l := range links {
		out[l.Status]++
	}
	return out, nil
}
