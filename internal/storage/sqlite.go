package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "joinbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- accounts ----

const accountCols = `id, owner, label, session_ref, status, today_joined, total_joined, sleep_until, last_join, added_at`

func (s *sqliteStore) AddAccount(ctx context.Context, a Account) (int64, error) {
	if a.Status == "" {
		a.Status = AccountActive
	}
	if a.AddedAt.IsZero() {
		a.AddedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(owner, label, session_ref, status, today_joined, total_joined, sleep_until, last_join, added_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		a.Owner, a.Label, a.SessionRef, string(a.Status), a.TodayJoined, a.TotalJoined,
		toMillis(a.SleepUntil), toMillis(a.LastJoinTime), toMillis(a.AddedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ListAccounts(ctx context.Context, owner int64) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE owner = ? ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var (
			a                      Account
			status                 string
			sleepMS, lastMS, addMS int64
		)
		if err := rows.Scan(&a.ID, &a.Owner, &a.Label, &a.SessionRef, &status, &a.TodayJoined, &a.TotalJoined, &sleepMS, &lastMS, &addMS); err != nil {
			return nil, err
		}
		a.Status = AccountStatus(status)
		a.SleepUntil = fromMillis(sleepMS)
		a.LastJoinTime = fromMillis(lastMS)
		a.AddedAt = fromMillis(addMS)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateAccount(ctx context.Context, a Account) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET label=?, session_ref=?, status=?, today_joined=?, total_joined=?, sleep_until=?, last_join=?
		 WHERE id=?`,
		a.Label, a.SessionRef, string(a.Status), a.TodayJoined, a.TotalJoined,
		toMillis(a.SleepUntil), toMillis(a.LastJoinTime), a.ID,
	)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ResetDailyCounts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET today_joined = 0`)
	return err
}

// ---- links ----

const linkCols = `id, owner, target, raw, status, fail_reason, joined_by, added_at`

func scanLink(sc interface{ Scan(...any) error }) (Link, error) {
	var (
		l      Link
		status string
		reason sql.NullString
		addMS  int64
	)
	if err := sc.Scan(&l.ID, &l.Owner, &l.Target, &l.Raw, &status, &reason, &l.JoinedBy, &addMS); err != nil {
		return Link{}, err
	}
	l.Status = LinkStatus(status)
	l.FailReason = reason.String
	l.AddedAt = fromMillis(addMS)
	return l, nil
}

func (s *sqliteStore) InsertLink(ctx context.Context, owner int64, target, raw string) (Link, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO links(owner, target, raw, status, added_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(owner, target) DO NOTHING`,
		owner, target, raw, string(LinkPending), time.Now().UnixMilli(),
	)
	if err != nil {
		return Link{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Link{}, false, err
	}
	l, err := scanLink(s.db.QueryRowContext(ctx, `SELECT `+linkCols+` FROM links WHERE owner = ? AND target = ?`, owner, target))
	if err != nil {
		return Link{}, false, err
	}
	return l, n == 1, nil
}

func (s *sqliteStore) ListLinks(ctx context.Context, owner int64, status ...LinkStatus) ([]Link, error) {
	q := `SELECT ` + linkCols + ` FROM links WHERE owner = ?`
	args := []any{owner}
	if len(status) > 0 {
		q += ` AND status IN (?` + strings.Repeat(",?", len(status)-1) + `)`
		for _, st := range status {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetLink(ctx context.Context, id int64) (Link, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx, `SELECT `+linkCols+` FROM links WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, ErrNotFound
	}
	return l, err
}

func (s *sqliteStore) UpdateLink(ctx context.Context, l Link) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE links SET status=?, fail_reason=?, joined_by=? WHERE id=?`,
		string(l.Status), nullStr(l.FailReason), l.JoinedBy, l.ID,
	)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (s *sqliteStore) ClearLinks(ctx context.Context, owner int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM links WHERE owner = ?`, owner)
	return err
}

// ---- settings ----

func (s *sqliteStore) GetSettings(ctx context.Context, owner int64) (Settings, bool, error) {
	st := Settings{Owner: owner}
	var repeat int
	err := s.db.QueryRowContext(ctx,
		`SELECT interval_min, interval_max, daily_limit, allow_repeat, sleep_after_count, sleep_duration, max_per_account, anti_flood_extra
		 FROM settings WHERE owner = ?`, owner,
	).Scan(&st.IntervalMin, &st.IntervalMax, &st.DailyLimit, &repeat, &st.SleepAfterCount, &st.SleepDuration, &st.MaxPerAccount, &st.AntiFloodExtra)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, err
	}
	st.AllowRepeat = repeat != 0
	return st, true, nil
}

func (s *sqliteStore) PutSettings(ctx context.Context, st Settings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(owner, interval_min, interval_max, daily_limit, allow_repeat, sleep_after_count, sleep_duration, max_per_account, anti_flood_extra)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(owner) DO UPDATE SET
		   interval_min=excluded.interval_min, interval_max=excluded.interval_max, daily_limit=excluded.daily_limit,
		   allow_repeat=excluded.allow_repeat, sleep_after_count=excluded.sleep_after_count,
		   sleep_duration=excluded.sleep_duration, max_per_account=excluded.max_per_account,
		   anti_flood_extra=excluded.anti_flood_extra`,
		st.Owner, st.IntervalMin, st.IntervalMax, st.DailyLimit, boolInt(st.AllowRepeat),
		st.SleepAfterCount, st.SleepDuration, st.MaxPerAccount, st.AntiFloodExtra,
	)
	return err
}

// ---- join history ----

func (s *sqliteStore) AppendJoin(ctx context.Context, r JoinRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO joins(owner, account_id, link_id, target, class, message, success, counted, at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.Owner, r.AccountID, r.LinkID, r.Target, r.Class, nullStr(r.Message),
		boolInt(r.Success), boolInt(r.Counted), r.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) CountJoins(ctx context.Context, owner int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM joins WHERE owner = ? AND counted = 1 AND at >= ?`,
		owner, since.UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) JoinStats(ctx context.Context, owner int64, since time.Time) (JoinStats, error) {
	var st JoinStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(SUM(counted), 0)
		 FROM joins WHERE owner = ? AND at >= ?`,
		owner, since.UnixMilli(),
	).Scan(&st.Attempts, &st.Success, &st.Counted)
	if err != nil {
		return JoinStats{}, err
	}
	st.Failed = st.Attempts - st.Success
	return st, nil
}

func (s *sqliteStore) HasJoined(ctx context.Context, accountID int64, target string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM joins WHERE account_id = ? AND target = ? AND success = 1 LIMIT 1`,
		accountID, target,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ---- proxies ----

func (s *sqliteStore) ListProxies(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM proxies ORDER BY pos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReplaceProxies(ctx context.Context, lines []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM proxies`); err != nil {
		return err
	}
	for i, line := range lines {
		if _, err := tx.ExecContext(ctx, `INSERT INTO proxies(pos, line) VALUES(?,?)`, i, line); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- helpers ----

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
