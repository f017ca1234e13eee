package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"joinbot/internal/egress"
	"joinbot/internal/identity"
	"joinbot/internal/join"
	"joinbot/internal/linkqueue"
	"joinbot/internal/notify"
	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

const owner = int64(7)

// scriptClient answers joins per session from a queue of errors; an empty
// queue means the join succeeds.
type scriptClient struct {
	clk *clock.Mock

	mu     sync.Mutex
	script map[string][]error
	calls  []joinCall
}

type joinCall struct {
	Session string
	Target  string
	At      time.Time
}

func (c *scriptClient) Open(ctx context.Context, h identity.Handle, via *egress.Endpoint) (join.Session, error) {
	return &scriptSession{c: c, name: h.Session}, nil
}

func (c *scriptClient) push(session string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script[session] = append(c.script[session], errs...)
}

func (c *scriptClient) joins() []joinCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]joinCall(nil), c.calls...)
}

type scriptSession struct {
	c    *scriptClient
	name string
}

func (s *scriptSession) Join(ctx context.Context, t linkqueue.Target) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.calls = append(s.c.calls, joinCall{Session: s.name, Target: t.Key(), At: s.c.clk.Now()})
	q := s.c.script[s.name]
	if len(q) == 0 {
		return nil
	}
	s.c.script[s.name] = q[1:]
	return q[0]
}

func (s *scriptSession) Authorized(ctx context.Context) (bool, error) { return true, nil }
func (s *scriptSession) Close() error                                 { return nil }

// recordingSleep advances the mock clock instead of blocking.
type recordingSleep struct {
	clk *clock.Mock

	mu  sync.Mutex
	got []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.got = append(s.got, d)
	s.mu.Unlock()
	s.clk.Add(d)
	return nil
}

func (s *recordingSleep) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.got...)
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Notify(ctx context.Context, e notify.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds(k notify.Kind) []notify.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []notify.Event
	for _, e := range l.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	st     storage.Store
	clk    *clock.Mock
	client *scriptClient
	sleep  *recordingSleep
	events *eventLog
	queue  *linkqueue.Queue
	reg    *Registry
}

func loose() storage.Settings {
	s := storage.DefaultSettings(owner)
	s.DailyLimit = 100
	s.MaxPerAccount = 100
	s.SleepAfterCount = 1000
	return s
}

func newHarness(t *testing.T, set storage.Settings, opts Options) *harness {
	t.Helper()
	h := &harness{st: storage.NewMemory(), clk: clock.NewMock(), events: &eventLog{}}
	h.clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h.client = &scriptClient{clk: h.clk, script: map[string][]error{}}
	h.sleep = &recordingSleep{clk: h.clk}
	h.queue = linkqueue.New(h.st, logx.Nop())

	set.Owner = owner
	if err := h.st.PutSettings(context.Background(), set); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	if opts.Sleep == nil {
		opts.Sleep = h.sleep.Sleep
	}
	opts.Location = time.UTC

	h.reg = NewRegistry(context.Background(), Deps{
		Store:    h.st,
		Pool:     identity.NewPool(h.st, h.clk, logx.Nop()),
		Queue:    h.queue,
		Rotator:  egress.NewRotator(nil, logx.Nop()),
		Executor: join.NewExecutor(h.client, nil, logx.Nop()),
		Sink:     h.events,
		Clock:    h.clk,
		Log:      logx.Nop(),
		Defaults: storage.DefaultSettings(0),
		Options:  opts,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.reg.StopAll(ctx)
	})
	return h
}

func (h *harness) account(t *testing.T, session string) storage.Account {
	t.Helper()
	a := storage.Account{Owner: owner, Label: session, SessionRef: session}
	id, err := h.st.AddAccount(context.Background(), a)
	if err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	a.ID = id
	return a
}

func (h *harness) links(t *testing.T, n int) []storage.Link {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		if _, err := h.queue.Enqueue(ctx, owner, fmt.Sprintf("https://t.me/group_%02d", i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	ls, err := h.st.ListLinks(ctx, owner)
	if err != nil {
		t.Fatalf("ListLinks: %v", err)
	}
	return ls
}

func (h *harness) run(t *testing.T) notify.Summary {
	t.Helper()
	if _, err := h.reg.Start(owner); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := h.reg.Wait(ctx, owner)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return sum
}

func (h *harness) link(t *testing.T, id int64) storage.Link {
	t.Helper()
	l, err := h.st.GetLink(context.Background(), id)
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}
	return l
}

func TestDailyLimitCapsSuccesses(t *testing.T) {
	t.Parallel()
	set := loose()
	set.DailyLimit = 4
	h := newHarness(t, set, Options{})
	for _, s := range []string{"a", "b", "c"} {
		h.account(t, s)
	}
	h.links(t, 10)

	sum := h.run(t)
	if sum.State != string(StateCompleted) || sum.Reason != ReasonDailyLimit {
		t.Fatalf("summary = %+v, want completed on daily limit", sum)
	}
	if sum.Success != 4 {
		t.Fatalf("Success = %d, want 4", sum.Success)
	}
	n, err := h.st.CountJoins(context.Background(), owner, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || n != 4 {
		t.Fatalf("CountJoins = %d, %v; want 4", n, err)
	}
	pending, _ := h.queue.Pending(context.Background(), owner)
	if len(pending) != 6 {
		t.Fatalf("pending = %d, want 6", len(pending))
	}
}

func TestDailyLimitCountsEarlierRunsToday(t *testing.T) {
	t.Parallel()
	set := loose()
	set.DailyLimit = 3
	h := newHarness(t, set, Options{})
	a := h.account(t, "a")
	h.links(t, 5)
	for i := 0; i < 2; i++ {
		if err := h.st.AppendJoin(context.Background(), storage.JoinRecord{
			Owner: owner, AccountID: a.ID, Target: fmt.Sprintf("public:old_%d", i),
			Class: "joined", Success: true, Counted: true, At: h.clk.Now().Add(-time.Hour),
		}); err != nil {
			t.Fatalf("AppendJoin: %v", err)
		}
	}

	sum := h.run(t)
	if sum.Reason != ReasonDailyLimit || sum.Success != 1 {
		t.Fatalf("summary = %+v, want one success then daily limit", sum)
	}
}

func TestPerAccountCap(t *testing.T) {
	t.Parallel()
	set := loose()
	set.MaxPerAccount = 2
	h := newHarness(t, set, Options{})
	h.account(t, "a")
	h.account(t, "b")
	h.links(t, 6)

	sum := h.run(t)
	if sum.Success != 4 || sum.Reason != ReasonNoAccounts {
		t.Fatalf("summary = %+v, want 4 successes then no usable accounts", sum)
	}
	accs, _ := h.st.ListAccounts(context.Background(), owner)
	for _, a := range accs {
		if a.TodayJoined != 2 {
			t.Fatalf("account %s today_joined = %d, want 2", a.Label, a.TodayJoined)
		}
	}
}

func TestTwoAccountsThreeLinksRunOutOfAccounts(t *testing.T) {
	t.Parallel()
	set := loose()
	set.MaxPerAccount = 1
	h := newHarness(t, set, Options{})
	a := h.account(t, "a")
	b := h.account(t, "b")
	ls := h.links(t, 3)

	sum := h.run(t)
	if sum.State != string(StateCompleted) || sum.Reason != ReasonNoAccounts {
		t.Fatalf("summary = %+v, want completed with %q", sum, ReasonNoAccounts)
	}
	if sum.Success != 2 {
		t.Fatalf("Success = %d, want 2", sum.Success)
	}
	if l := h.link(t, ls[0].ID); l.Status != storage.LinkSuccess || l.JoinedBy != a.ID {
		t.Fatalf("link 1 = %+v, want success by %d", l, a.ID)
	}
	if l := h.link(t, ls[1].ID); l.Status != storage.LinkSuccess || l.JoinedBy != b.ID {
		t.Fatalf("link 2 = %+v, want success by %d", l, b.ID)
	}
	if l := h.link(t, ls[2].ID); l.Status != storage.LinkPending {
		t.Fatalf("link 3 status = %s, want pending", l.Status)
	}
}

func TestThrottleRetriesSameLinkOnSameAccount(t *testing.T) {
	t.Parallel()
	set := loose()
	set.IntervalMin, set.IntervalMax, set.AntiFloodExtra = 30, 30, 0
	h := newHarness(t, set, Options{})
	h.account(t, "a")
	h.account(t, "b")
	ls := h.links(t, 1)
	h.client.push("a", join.FloodWait(5*time.Second))

	sum := h.run(t)
	if sum.Success != 1 || sum.Skipped != 0 || sum.Failed != 0 {
		t.Fatalf("summary = %+v, want exactly one success", sum)
	}
	calls := h.client.joins()
	if len(calls) != 2 {
		t.Fatalf("joins = %+v, want 2", calls)
	}
	for _, c := range calls {
		if c.Session != "a" || c.Target != ls[0].Target {
			t.Fatalf("join %+v, want account a on %s", c, ls[0].Target)
		}
	}
	if got := calls[1].At.Sub(calls[0].At); got != 5*time.Second {
		t.Fatalf("retry after %s, want 5s", got)
	}
	if d := h.sleep.durations(); len(d) == 0 || d[0] != 5*time.Second {
		t.Fatalf("sleeps = %v, want first 5s", d)
	}
	if len(h.events.kinds(notify.KindThrottled)) != 1 {
		t.Fatal("expected one throttled notification")
	}
}

func TestLongThrottleDefersAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, loose(), Options{MaxFloodWait: time.Minute})
	a := h.account(t, "a")
	b := h.account(t, "b")
	ls := h.links(t, 1)
	h.client.push("a", join.FloodWait(time.Hour))
	start := h.clk.Now()

	sum := h.run(t)
	if sum.Success != 1 {
		t.Fatalf("summary = %+v, want one success", sum)
	}
	if l := h.link(t, ls[0].ID); l.JoinedBy != b.ID {
		t.Fatalf("link joined by %d, want %d", l.JoinedBy, b.ID)
	}
	accs, _ := h.st.ListAccounts(context.Background(), owner)
	for _, acc := range accs {
		if acc.ID == a.ID && !acc.SleepUntil.Equal(start.Add(time.Hour)) {
			t.Fatalf("account a sleep_until = %s, want %s", acc.SleepUntil, start.Add(time.Hour))
		}
	}
	for _, d := range h.sleep.durations() {
		if d >= time.Hour {
			t.Fatalf("loop blocked for %s", d)
		}
	}
}

func TestFixedIntervalIsExact(t *testing.T) {
	t.Parallel()
	set := loose()
	set.IntervalMin, set.IntervalMax, set.AntiFloodExtra = 30, 30, 0
	h := newHarness(t, set, Options{})
	h.account(t, "a")
	h.links(t, 4)

	sum := h.run(t)
	if sum.Success != 4 {
		t.Fatalf("summary = %+v, want 4 successes", sum)
	}
	calls := h.client.joins()
	for i := 1; i < len(calls); i++ {
		if got := calls[i].At.Sub(calls[i-1].At); got != 30*time.Second {
			t.Fatalf("gap %d = %s, want 30s", i, got)
		}
	}
	for _, d := range h.sleep.durations() {
		if d != 30*time.Second {
			t.Fatalf("sleep %s, want 30s", d)
		}
	}
}

func TestJitterStaysInBounds(t *testing.T) {
	t.Parallel()
	set := loose()
	set.IntervalMin, set.IntervalMax, set.AntiFloodExtra = 10, 20, 5
	h := newHarness(t, set, Options{})
	h.account(t, "a")
	h.links(t, 20)

	h.run(t)
	for _, d := range h.sleep.durations() {
		if d < 10*time.Second || d > 25*time.Second {
			t.Fatalf("jitter %s outside [10s, 25s]", d)
		}
	}
}

func TestStopDuringJitter(t *testing.T) {
	t.Parallel()
	sleeping := make(chan struct{}, 1)
	block := func(ctx context.Context, d time.Duration) error {
		select {
		case sleeping <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t, loose(), Options{Sleep: block})
	h.account(t, "a")
	h.links(t, 5)

	if _, err := h.reg.Start(owner); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-sleeping:
	case <-time.After(5 * time.Second):
		t.Fatal("task never reached the jitter wait")
	}
	if err := h.reg.Stop(owner); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sum, err := h.reg.Wait(ctx, owner)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sum.State != string(StateStopped) || sum.Reason != ReasonStopped {
		t.Fatalf("summary = %+v, want stopped", sum)
	}
	if sum.Success != 1 || len(h.client.joins()) != 1 {
		t.Fatalf("summary = %+v after %d joins, want exactly 1", sum, len(h.client.joins()))
	}
	pending, _ := h.queue.Pending(context.Background(), owner)
	if len(pending) != 4 {
		t.Fatalf("pending = %d, want 4", len(pending))
	}
}

func TestDeactivatedAccountIsEvicted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, loose(), Options{})
	a := h.account(t, "a")
	b := h.account(t, "b")
	ls := h.links(t, 1)
	h.client.push("a", join.ErrDeactivated)

	sum := h.run(t)
	if sum.Success != 1 || sum.RemovedAccounts != 1 {
		t.Fatalf("summary = %+v, want 1 success and 1 removed account", sum)
	}
	if l := h.link(t, ls[0].ID); l.Status != storage.LinkSuccess || l.JoinedBy != b.ID {
		t.Fatalf("link = %+v, want success by %d", l, b.ID)
	}
	accs, _ := h.st.ListAccounts(context.Background(), owner)
	for _, acc := range accs {
		if acc.ID == a.ID {
			t.Fatalf("account %d still stored", a.ID)
		}
	}
	if len(h.events.kinds(notify.KindAccountRemoved)) != 1 {
		t.Fatal("expected an account_removed notification")
	}
}

func TestForbiddenTargetTriesOtherAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, loose(), Options{})
	h.account(t, "a")
	b := h.account(t, "b")
	ls := h.links(t, 1)
	h.client.push("a", join.ErrBannedFromTarget)

	sum := h.run(t)
	if sum.Success != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v, want one success", sum)
	}
	if l := h.link(t, ls[0].ID); l.JoinedBy != b.ID {
		t.Fatalf("link joined by %d, want %d", l.JoinedBy, b.ID)
	}
}

func TestForbiddenForEveryAccountFailsLink(t *testing.T) {
	t.Parallel()
	h := newHarness(t, loose(), Options{})
	h.account(t, "a")
	ls := h.links(t, 2)
	h.client.push("a", join.ErrWriteForbidden)

	sum := h.run(t)
	if sum.Failed != 1 || sum.Success != 1 || sum.Reason != ReasonQueueEmpty {
		t.Fatalf("summary = %+v, want 1 failed, 1 success, queue empty", sum)
	}
	if l := h.link(t, ls[0].ID); l.Status != storage.LinkFailed {
		t.Fatalf("link 1 status = %s, want failed", l.Status)
	}
}

func TestDeadTargetIsRetired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, loose(), Options{})
	h.account(t, "a")
	ls := h.links(t, 2)
	h.client.push("a", join.ErrInviteExpired)

	sum := h.run(t)
	if sum.Invalid != 1 || sum.Success != 1 {
		t.Fatalf("summary = %+v, want 1 invalid and 1 success", sum)
	}
	if l := h.link(t, ls[0].ID); l.Status != storage.LinkInvalid {
		t.Fatalf("link 1 status = %s, want invalid", l.Status)
	}
}

func TestUnclassifiedFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		repeat bool
		want   storage.LinkStatus
	}{
		{name: "no repeat marks failed", repeat: false, want: storage.LinkFailed},
		{name: "repeat keeps pending", repeat: true, want: storage.LinkPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			set := loose()
			set.AllowRepeat = tt.repeat
			h := newHarness(t, set, Options{})
			h.account(t, "a")
			ls := h.links(t, 1)
			h.client.push("a", errors.New("connection reset"))

			sum := h.run(t)
			if sum.Failed != 1 {
				t.Fatalf("summary = %+v, want 1 failed", sum)
			}
			l := h.link(t, ls[0].ID)
			if l.Status != tt.want || l.FailReason == "" {
				t.Fatalf("link = %+v, want %s with a reason", l, tt.want)
			}
		})
	}
}

func TestAlreadyJoinedIsSkippedWithoutNetwork(t *testing.T) {
	t.Parallel()
	h := newHarness(t, loose(), Options{})
	a := h.account(t, "a")
	ls := h.links(t, 1)
	if err := h.st.AppendJoin(context.Background(), storage.JoinRecord{
		Owner: owner, AccountID: a.ID, Target: ls[0].Target, Class: "joined",
		Success: true, At: h.clk.Now().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("AppendJoin: %v", err)
	}

	sum := h.run(t)
	if sum.Skipped != 1 || len(h.client.joins()) != 0 {
		t.Fatalf("summary = %+v with %d joins, want one skip and no joins", sum, len(h.client.joins()))
	}
	if l := h.link(t, ls[0].ID); l.Status != storage.LinkPending {
		t.Fatalf("link status = %s, want pending", l.Status)
	}
}

func TestCooldownWaitsForWake(t *testing.T) {
	t.Parallel()
	set := loose()
	set.SleepAfterCount = 1
	set.SleepDuration = 5
	h := newHarness(t, set, Options{PollInterval: 2 * time.Minute})
	h.account(t, "a")
	h.links(t, 2)

	sum := h.run(t)
	if sum.Success != 2 {
		t.Fatalf("summary = %+v, want 2 successes", sum)
	}
	calls := h.client.joins()
	if gap := calls[1].At.Sub(calls[0].At); gap < 5*time.Minute {
		t.Fatalf("second join after %s, want at least the 5m cooldown", gap)
	}
	for _, d := range h.sleep.durations() {
		if d > 2*time.Minute {
			t.Fatalf("wait %s exceeds poll interval", d)
		}
	}
	if len(h.events.kinds(notify.KindCooldown)) != 2 {
		t.Fatal("expected a cooldown notification per join")
	}
}

func TestNoAccountsCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, loose(), Options{})
	h.links(t, 1)

	sum := h.run(t)
	if sum.Reason != ReasonNoAccounts {
		t.Fatalf("reason = %q, want %q", sum.Reason, ReasonNoAccounts)
	}
	done := h.events.kinds(notify.KindCompleted)
	if len(done) != 1 || done[0].Summary == nil || done[0].Summary.Reason != ReasonNoAccounts {
		t.Fatalf("completed events = %+v", done)
	}
}

type brokenHistory struct {
	storage.Store
}

func (brokenHistory) CountJoins(context.Context, int64, time.Time) (int, error) {
	return 0, errors.New("disk I/O error")
}

func TestStoreErrorEndsWithSummary(t *testing.T) {
	t.Parallel()
	st := brokenHistory{Store: storage.NewMemory()}
	clk := clock.NewMock()
	events := &eventLog{}
	reg := NewRegistry(context.Background(), Deps{
		Store:    st,
		Pool:     identity.NewPool(st, clk, logx.Nop()),
		Queue:    linkqueue.New(st, logx.Nop()),
		Rotator:  egress.NewRotator(nil, logx.Nop()),
		Executor: join.NewExecutor(&scriptClient{clk: clk, script: map[string][]error{}}, nil, logx.Nop()),
		Sink:     events,
		Clock:    clk,
		Log:      logx.Nop(),
		Defaults: storage.DefaultSettings(0),
	})
	if _, err := reg.Start(owner); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := reg.Wait(ctx, owner)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sum.State != string(StateCompleted) || sum.Reason != ReasonStoreError || sum.Err == "" {
		t.Fatalf("summary = %+v, want store error", sum)
	}
	if len(events.kinds(notify.KindCompleted)) != 1 {
		t.Fatal("expected a completed notification")
	}
}
