package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "joinbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "joinbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func TestInsertLinkIsIdempotent(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, created, err := st.InsertLink(ctx, 7, "public:durov", "t.me/durov")
			if err != nil || !created {
				t.Fatalf("first insert: created=%v err=%v", created, err)
			}
			again, created, err := st.InsertLink(ctx, 7, "public:durov", "@durov")
			if err != nil {
				t.Fatalf("second insert: %v", err)
			}
			if created {
				t.Fatalf("duplicate insert created a row")
			}
			if again.ID != first.ID {
				t.Fatalf("duplicate insert returned id %d, want %d", again.ID, first.ID)
			}
			if _, created, _ := st.InsertLink(ctx, 8, "public:durov", "t.me/durov"); !created {
				t.Fatalf("other owner should get its own row")
			}

			links, err := st.ListLinks(ctx, 7, LinkPending)
			if err != nil {
				t.Fatalf("ListLinks: %v", err)
			}
			if len(links) != 1 {
				t.Fatalf("pending links = %d, want 1", len(links))
			}
		})
	}
}

func TestLinkOrderAndStatusFilter(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []int64
			for _, target := range []string{"public:a", "public:b", "public:c"} {
				l, _, err := st.InsertLink(ctx, 1, target, target)
				if err != nil {
					t.Fatalf("InsertLink: %v", err)
				}
				ids = append(ids, l.ID)
			}
			l, err := st.GetLink(ctx, ids[1])
			if err != nil {
				t.Fatalf("GetLink: %v", err)
			}
			l.Status = LinkSuccess
			l.JoinedBy = 42
			if err := st.UpdateLink(ctx, l); err != nil {
				t.Fatalf("UpdateLink: %v", err)
			}

			pending, _ := st.ListLinks(ctx, 1, LinkPending)
			if len(pending) != 2 || pending[0].ID != ids[0] || pending[1].ID != ids[2] {
				t.Fatalf("unexpected pending order: %+v", pending)
			}
			all, _ := st.ListLinks(ctx, 1)
			if len(all) != 3 || all[1].JoinedBy != 42 {
				t.Fatalf("unexpected links: %+v", all)
			}

			if err := st.ClearLinks(ctx, 1); err != nil {
				t.Fatalf("ClearLinks: %v", err)
			}
			if all, _ := st.ListLinks(ctx, 1); len(all) != 0 {
				t.Fatalf("links left after clear: %d", len(all))
			}
		})
	}
}

func TestAccountRoundTripAndDailyReset(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := st.AddAccount(ctx, Account{Owner: 3, Label: "+100", SessionRef: "s1"})
			if err != nil {
				t.Fatalf("AddAccount: %v", err)
			}
			accs, _ := st.ListAccounts(ctx, 3)
			if len(accs) != 1 || accs[0].Status != AccountActive {
				t.Fatalf("unexpected accounts: %+v", accs)
			}

			a := accs[0]
			a.TodayJoined = 4
			a.TotalJoined = 9
			a.SleepUntil = time.UnixMilli(1_700_000_000_000)
			if err := st.UpdateAccount(ctx, a); err != nil {
				t.Fatalf("UpdateAccount: %v", err)
			}
			if err := st.ResetDailyCounts(ctx); err != nil {
				t.Fatalf("ResetDailyCounts: %v", err)
			}
			accs, _ = st.ListAccounts(ctx, 3)
			if accs[0].TodayJoined != 0 || accs[0].TotalJoined != 9 {
				t.Fatalf("reset touched the wrong counters: %+v", accs[0])
			}
			if !accs[0].SleepUntil.Equal(a.SleepUntil) {
				t.Fatalf("SleepUntil = %v, want %v", accs[0].SleepUntil, a.SleepUntil)
			}

			if err := st.DeleteAccount(ctx, id); err != nil {
				t.Fatalf("DeleteAccount: %v", err)
			}
			if err := st.UpdateAccount(ctx, a); err != ErrNotFound {
				t.Fatalf("update after delete: %v, want ErrNotFound", err)
			}
		})
	}
}

func TestJoinHistoryCounts(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			records := []JoinRecord{
				{Owner: 1, AccountID: 10, Target: "public:a", Class: "joined", Success: true, Counted: true, At: now},
				{Owner: 1, AccountID: 10, Target: "public:b", Class: "already_member", Success: true, At: now},
				{Owner: 1, AccountID: 11, Target: "public:c", Class: "joined", Success: true, Counted: true, At: now.Add(-48 * time.Hour)},
				{Owner: 1, AccountID: 11, Target: "public:d", Class: "unknown", At: now},
			}
			for _, r := range records {
				if err := st.AppendJoin(ctx, r); err != nil {
					t.Fatalf("AppendJoin: %v", err)
				}
			}
			n, err := st.CountJoins(ctx, 1, now.Add(-time.Hour))
			if err != nil || n != 1 {
				t.Fatalf("CountJoins = %d, %v; want 1", n, err)
			}
			js, err := st.JoinStats(ctx, 1, now.Add(-time.Hour))
			if err != nil {
				t.Fatalf("JoinStats: %v", err)
			}
			if want := (JoinStats{Attempts: 3, Success: 2, Counted: 1, Failed: 1}); js != want {
				t.Fatalf("JoinStats = %+v, want %+v", js, want)
			}
			if ok, _ := st.HasJoined(ctx, 10, "public:b"); !ok {
				t.Fatalf("already-member record should count as joined")
			}
			if ok, _ := st.HasJoined(ctx, 11, "public:d"); ok {
				t.Fatalf("failed attempt should not count as joined")
			}
		})
	}
}

func TestSettingsAndProxies(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := st.GetSettings(ctx, 5); ok || err != nil {
				t.Fatalf("fresh owner settings: ok=%v err=%v", ok, err)
			}
			want := DefaultSettings(5)
			want.AllowRepeat = true
			if err := st.PutSettings(ctx, want); err != nil {
				t.Fatalf("PutSettings: %v", err)
			}
			got, ok, err := st.GetSettings(ctx, 5)
			if err != nil || !ok || got != want {
				t.Fatalf("GetSettings = %+v ok=%v err=%v, want %+v", got, ok, err, want)
			}

			lines := []string{"1.2.3.4:1080", "socks5://u:p@5.6.7.8:1080"}
			if err := st.ReplaceProxies(ctx, lines); err != nil {
				t.Fatalf("ReplaceProxies: %v", err)
			}
			if err := st.ReplaceProxies(ctx, lines[1:]); err != nil {
				t.Fatalf("ReplaceProxies: %v", err)
			}
			got2, _ := st.ListProxies(ctx)
			if len(got2) != 1 || got2[0] != lines[1] {
				t.Fatalf("ListProxies = %v", got2)
			}
		})
	}
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()
	base := DefaultSettings(1)
	tests := []struct {
		name   string
		mutate func(*Settings)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Settings) {}, ok: true},
		{name: "interval below floor", mutate: func(s *Settings) { s.IntervalMin = 5 }},
		{name: "min equals max", mutate: func(s *Settings) { s.IntervalMax = s.IntervalMin }},
		{name: "zero daily limit", mutate: func(s *Settings) { s.DailyLimit = 0 }},
		{name: "negative extra", mutate: func(s *Settings) { s.AntiFloodExtra = -1 }},
		{name: "zero extra", mutate: func(s *Settings) { s.AntiFloodExtra = 0 }, ok: true},
		{name: "zero per account", mutate: func(s *Settings) { s.MaxPerAccount = 0 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			err := s.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: unexpected error %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("Validate: expected error")
			}
		})
	}
}
