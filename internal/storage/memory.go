package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in maps guarded by one mutex.
// It backs the "memory" driver and the package tests of its callers.
type memoryStore struct {
	mu sync.Mutex

	seq      int64
	accounts map[int64]Account
	links    map[int64]Link
	order    map[int64][]int64 // owner -> link ids in insertion order
	settings map[int64]Settings
	joins    []JoinRecord
	proxies  []string
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		accounts: map[int64]Account{},
		links:    map[int64]Link{},
		order:    map[int64][]int64{},
		settings: map[int64]Settings{},
	}
}

func (s *memoryStore) next() int64 {
	s.seq++
	return s.seq
}

func (s *memoryStore) AddAccount(ctx context.Context, a Account) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.next()
	if a.Status == "" {
		a.Status = AccountActive
	}
	if a.AddedAt.IsZero() {
		a.AddedAt = time.Now()
	}
	s.accounts[a.ID] = a
	return a.ID, nil
}

func (s *memoryStore) ListAccounts(ctx context.Context, owner int64) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0)
	for _, a := range s.accounts {
		if a.Owner == owner {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) UpdateAccount(ctx context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; !ok {
		return ErrNotFound
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *memoryStore) DeleteAccount(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}

func (s *memoryStore) ResetDailyCounts(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.accounts {
		a.TodayJoined = 0
		s.accounts[id] = a
	}
	return nil
}

func (s *memoryStore) InsertLink(ctx context.Context, owner int64, target, raw string) (Link, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order[owner] {
		if l := s.links[id]; l.Target == target {
			return l, false, nil
		}
	}
	l := Link{
		ID:      s.next(),
		Owner:   owner,
		Target:  target,
		Raw:     raw,
		Status:  LinkPending,
		AddedAt: time.Now(),
	}
	s.links[l.ID] = l
	s.order[owner] = append(s.order[owner], l.ID)
	return l, true, nil
}

func (s *memoryStore) ListLinks(ctx context.Context, owner int64, status ...LinkStatus) ([]Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Link, 0, len(s.order[owner]))
	for _, id := range s.order[owner] {
		l := s.links[id]
		if len(status) > 0 && !hasStatus(status, l.Status) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func hasStatus(set []LinkStatus, st LinkStatus) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

func (s *memoryStore) GetLink(ctx context.Context, id int64) (Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return Link{}, ErrNotFound
	}
	return l, nil
}

func (s *memoryStore) UpdateLink(ctx context.Context, l Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[l.ID]; !ok {
		return ErrNotFound
	}
	s.links[l.ID] = l
	return nil
}

func (s *memoryStore) ClearLinks(ctx context.Context, owner int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order[owner] {
		delete(s.links, id)
	}
	delete(s.order, owner)
	return nil
}

func (s *memoryStore) GetSettings(ctx context.Context, owner int64) (Settings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[owner]
	return st, ok, nil
}

func (s *memoryStore) PutSettings(ctx context.Context, st Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.Owner] = st
	return nil
}

func (s *memoryStore) AppendJoin(ctx context.Context, r JoinRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.joins = append(s.joins, r)
	return nil
}

func (s *memoryStore) CountJoins(ctx context.Context, owner int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.joins {
		if r.Owner == owner && r.Counted && !r.At.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) JoinStats(ctx context.Context, owner int64, since time.Time) (JoinStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st JoinStats
	for _, r := range s.joins {
		if r.Owner != owner || r.At.Before(since) {
			continue
		}
		st.Attempts++
		switch {
		case r.Counted:
			st.Success++
			st.Counted++
		case r.Success:
			st.Success++
		default:
			st.Failed++
		}
	}
	return st, nil
}

func (s *memoryStore) HasJoined(ctx context.Context, accountID int64, target string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.joins {
		if r.AccountID == accountID && r.Target == target && r.Success {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) ListProxies(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.proxies...), nil
}

func (s *memoryStore) ReplaceProxies(ctx context.Context, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies = append([]string(nil), lines...)
	return nil
}

func (s *memoryStore) Close() error { return nil }
