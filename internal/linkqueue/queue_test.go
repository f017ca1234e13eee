package linkqueue

import (
	"context"
	"errors"
	"testing"

	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

func TestParseTargetNormalizes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "https://t.me/GoLang_News", want: "public:golang_news"},
		{raw: "t.me/golang_news/", want: "public:golang_news"},
		{raw: "@golang_news", want: "public:golang_news"},
		{raw: "golang_news", want: "public:golang_news"},
		{raw: "https://t.me/golang_news/1234?single", want: "public:golang_news"},
		{raw: "https://t.me/+AbCdEfGh1234", want: "invite:AbCdEfGh1234"},
		{raw: "telegram.me/joinchat/AbCdEfGh1234", want: "invite:AbCdEfGh1234"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTarget(tt.raw)
			if err != nil {
				t.Fatalf("ParseTarget(%q) error: %v", tt.raw, err)
			}
			if got.Key() != tt.want {
				t.Fatalf("Key = %s, want %s", got.Key(), tt.want)
			}
			back, err := ParseKey(got.Key())
			if err != nil || back != got {
				t.Fatalf("ParseKey(%s) = %+v, %v", got.Key(), back, err)
			}
		})
	}
}

func TestParseTargetInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "t.me/", "@ab", "t.me/+short", "https://example.com/x y"} {
		if _, err := ParseTarget(raw); !errors.Is(err, ErrInvalidTarget) {
			t.Fatalf("ParseTarget(%q) = %v, want ErrInvalidTarget", raw, err)
		}
	}
}

func TestEnqueueIdempotentUnderNormalization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New(storage.NewMemory(), logx.Nop())

	created, err := q.Enqueue(ctx, 1, "https://t.me/golang_news")
	if err != nil || !created {
		t.Fatalf("first Enqueue: created=%v err=%v", created, err)
	}
	created, err = q.Enqueue(ctx, 1, "@GoLang_News")
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if created {
		t.Fatal("second Enqueue inserted a duplicate")
	}
	pending, err := q.Pending(ctx, 1)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
}

func TestEnqueueText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New(storage.NewMemory(), logx.Nop())

	res, err := q.EnqueueText(ctx, 1, "t.me/alpha_chat\n@alpha_chat, t.me/+AbCdEfGh1234\n\nnot a link!\n")
	if err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}
	want := ImportResult{Added: 2, Duplicate: 1, Invalid: 3}
	if res != want {
		t.Fatalf("EnqueueText = %+v, want %+v", res, want)
	}
}

func TestMarkTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New(storage.NewMemory(), logx.Nop())
	for _, raw := range []string{"t.me/alpha_chat", "t.me/bravo_chat"} {
		if _, err := q.Enqueue(ctx, 1, raw); err != nil {
			t.Fatal(err)
		}
	}
	pending, _ := q.Pending(ctx, 1)
	a, b := pending[0], pending[1]

	if err := q.Mark(ctx, &a, storage.LinkSuccess, "", 0); !errors.Is(err, ErrMissingJoinedBy) {
		t.Fatalf("success without joined_by: %v", err)
	}
	if err := q.Mark(ctx, &a, storage.LinkPending, "", 0); err == nil {
		t.Fatal("marking pending should fail")
	}
	if err := q.Mark(ctx, &a, storage.LinkSuccess, "", 9); err != nil {
		t.Fatalf("Mark success: %v", err)
	}
	if a.Status != storage.LinkSuccess || a.JoinedBy != 9 {
		t.Fatalf("link not updated in place: %+v", a)
	}
	if err := q.Mark(ctx, &a, storage.LinkFailed, "again", 0); !errors.Is(err, ErrTerminal) {
		t.Fatalf("re-marking terminal link: %v", err)
	}

	if err := q.NoteFailure(ctx, &b, "timeout"); err != nil {
		t.Fatalf("NoteFailure: %v", err)
	}
	pending, _ = q.Pending(ctx, 1)
	if len(pending) != 1 || pending[0].FailReason != "timeout" {
		t.Fatalf("NoteFailure should keep the link pending: %+v", pending)
	}

	counts, _ := q.Counts(ctx, 1)
	if counts[storage.LinkSuccess] != 1 || counts[storage.LinkPending] != 1 {
		t.Fatalf("Counts = %v", counts)
	}
	if err := q.Clear(ctx, 1); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if pending, _ := q.Pending(ctx, 1); len(pending) != 0 {
		t.Fatalf("pending after Clear = %d", len(pending))
	}
}
