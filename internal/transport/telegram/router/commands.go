package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"joinbot/internal/egress"
	"joinbot/internal/storage"
	"joinbot/internal/task"
	"joinbot/pkg/tgui"
)

func (r *Router) commands() []*Command {
	return []*Command{
		{Name: "help", Aliases: []string{"start"}, Description: "show commands", Handle: r.cmdHelp},
		{Name: "run", Description: "start joining pending links", Handle: r.cmdRun},
		{Name: "pause", Description: "pause the running task", Handle: r.cmdPause},
		{Name: "resume", Description: "resume a paused task", Handle: r.cmdResume},
		{Name: "stop", Description: "stop the running task", Handle: r.cmdStop},
		{Name: "status", Description: "task progress", Handle: r.cmdStatus},
		{Name: "stats", Description: "today's results per account", Handle: r.cmdStats},
		{Name: "link", Aliases: []string{"links_add"}, Usage: "<targets...>", Description: "queue links (or upload a .txt)", Handle: r.cmdLink},
		{Name: "links", Usage: "[status] [page]", Description: "link queue counts or a page of links", Handle: r.cmdLinks},
		{Name: "clearlinks", Description: "remove every queued link", Handle: r.cmdClearLinks},
		{Name: "settings", Description: "show join settings", Handle: r.cmdSettings},
		{Name: "set", Usage: "<key> <value>", Description: "change a join setting", Handle: r.cmdSet},
		{Name: "accounts", Description: "list accounts", Handle: r.cmdAccounts},
		{Name: "addaccount", Usage: "<label> <session>", Description: "register an account session", Handle: r.cmdAddAccount},
		{Name: "delaccount", Usage: "<id>", Description: "remove an account", Handle: r.cmdDelAccount},
		{Name: "check", Description: "verify account sessions", Timeout: 5 * time.Minute, Handle: r.cmdCheck},
		{Name: "proxies", Usage: "[set <lines>|clear]", Description: "show or replace the proxy pool", Handle: r.cmdProxies},
	}
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	return req.Reply(ctx, r.helpText())
}

func (r *Router) cmdRun(ctx context.Context, req *Request) error {
	if _, err := r.settings(ctx, req.FromID); err != nil {
		return err
	}
	st, err := r.deps.Tasks.Start(req.FromID)
	if err != nil {
		return err
	}
	return req.Replyf(ctx, "▶️ Task started (run %s).", shortID(st.RunID))
}

func (r *Router) cmdPause(ctx context.Context, req *Request) error {
	if err := r.deps.Tasks.Pause(req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "⏸ Task paused.")
}

func (r *Router) cmdResume(ctx context.Context, req *Request) error {
	if err := r.deps.Tasks.Resume(req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "▶️ Task resumed.")
}

func (r *Router) cmdStop(ctx context.Context, req *Request) error {
	if err := r.deps.Tasks.Stop(req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "⏹ Stop requested; the task ends after the current attempt.")
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	st, ok := r.deps.Tasks.Status(req.FromID)
	if !ok {
		return req.Reply(ctx, "No task has run yet. Send /run to start.")
	}
	return req.Reply(ctx, FormatStatus(st))
}

// FormatStatus renders a task status for chat.
func FormatStatus(st task.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s (run %s)\n", st.State, shortID(st.RunID))
	fmt.Fprintf(&b, "Links: %d/%d processed\n", st.Progress.Processed, st.Progress.Total)
	fmt.Fprintf(&b, "Today: %d/%d\n", st.Progress.Today, st.Progress.DailyLimit)
	fmt.Fprintf(&b, "✅ %d  ❌ %d  ⚠️ %d invalid  ⏭ %d skipped  🗑 %d accounts removed",
		st.Stats.Success, st.Stats.Failed, st.Stats.Invalid, st.Stats.Skipped, st.Stats.RemovedAccounts)
	if s := st.Summary; s != nil {
		fmt.Fprintf(&b, "\nEnded: %s", s.Reason)
		if s.Err != "" {
			fmt.Fprintf(&b, " (%s)", s.Err)
		}
	}
	return b.String()
}

func (r *Router) cmdStats(ctx context.Context, req *Request) error {
	now := r.deps.Clock.Now().In(r.deps.Location)
	y, m, d := now.Date()
	js, err := r.deps.Store.JoinStats(ctx, req.FromID, time.Date(y, m, d, 0, 0, 0, 0, r.deps.Location))
	if err != nil {
		return err
	}
	accs, err := r.deps.Pool.Accounts(ctx, req.FromID)
	if err != nil {
		return err
	}
	set, err := r.settings(ctx, req.FromID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Today: %d/%d new joins, %d ok, %d failed (%d attempts)\n",
		js.Counted, set.DailyLimit, js.Success, js.Failed, js.Attempts)
	if len(accs) == 0 {
		b.WriteString("No accounts.")
		return req.Reply(ctx, b.String())
	}
	for _, a := range accs {
		fmt.Fprintf(&b, "\n#%d %s [%s] today %d/%d, total %d", a.ID, a.Label, accountState(a, r.deps.Clock.Now()), a.TodayJoined, set.MaxPerAccount, a.TotalJoined)
	}
	return req.Reply(ctx, b.String())
}

func accountState(a storage.Account, now time.Time) string {
	if a.Status == storage.AccountSleeping && a.SleepUntil.After(now) {
		return "sleeping " + a.SleepUntil.Sub(now).Round(time.Second).String()
	}
	return string(a.Status)
}

func (r *Router) cmdLink(ctx context.Context, req *Request) error {
	if req.Body == "" {
		return req.Reply(ctx, "Usage: /link <targets...> (one per line, or upload a .txt file)")
	}
	res, err := r.deps.Queue.EnqueueText(ctx, req.FromID, req.Body)
	if err != nil {
		return err
	}
	return req.Replyf(ctx, "🔗 Added %d, already queued %d, invalid %d.", res.Added, res.Duplicate, res.Invalid)
}

const linksPageSize = 20

// cmdLinks reports queue counts, or lists one status page by page.
func (r *Router) cmdLinks(ctx context.Context, req *Request) error {
	counts, err := r.deps.Queue.Counts(ctx, req.FromID)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("🔗 pending %d, success %d, failed %d, invalid %d",
		counts[storage.LinkPending], counts[storage.LinkSuccess], counts[storage.LinkFailed], counts[storage.LinkInvalid])
	if len(req.Args) == 0 {
		return req.Reply(ctx, header)
	}

	status := storage.LinkStatus(strings.ToLower(req.Args[0]))
	switch status {
	case storage.LinkPending, storage.LinkSuccess, storage.LinkFailed, storage.LinkInvalid:
	default:
		return fmt.Errorf("unknown status %q (pending, success, failed, invalid)", req.Args[0])
	}
	page := 1
	if len(req.Args) > 1 {
		n, err := strconv.Atoi(req.Args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("bad page %q", req.Args[1])
		}
		page = n
	}

	links, err := r.deps.Store.ListLinks(ctx, req.FromID, status)
	if err != nil {
		return err
	}
	p := tgui.Paginate(links, page-1, linksPageSize)
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")
	if p.Total == 0 {
		fmt.Fprintf(&b, "No %s links.", status)
		return req.Reply(ctx, b.String())
	}
	for i, l := range p.Items {
		fmt.Fprintf(&b, "%d. %s", p.From+i+1, tgui.TruncRunes(l.Raw, 64))
		if l.FailReason != "" {
			fmt.Fprintf(&b, " (%s)", tgui.TruncRunes(l.FailReason, 48))
		}
		b.WriteByte('\n')
	}
	b.WriteString(p.Label())
	return req.Reply(ctx, b.String())
}

func (r *Router) cmdClearLinks(ctx context.Context, req *Request) error {
	if st, ok := r.deps.Tasks.Status(req.FromID); ok && st.Running {
		return errors.New("stop the running task first")
	}
	if err := r.deps.Queue.Clear(ctx, req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "🧹 Link queue cleared.")
}

func (r *Router) settings(ctx context.Context, owner int64) (storage.Settings, error) {
	s, ok, err := r.deps.Store.GetSettings(ctx, owner)
	if err != nil {
		return storage.Settings{}, err
	}
	if !ok {
		s = r.deps.Defaults
		s.Owner = owner
	}
	return s, nil
}

func (r *Router) cmdSettings(ctx context.Context, req *Request) error {
	s, err := r.settings(ctx, req.FromID)
	if err != nil {
		return err
	}
	return req.Reply(ctx, FormatSettings(s))
}

func FormatSettings(s storage.Settings) string {
	return fmt.Sprintf("⚙️ Settings\n"+
		"interval: %d-%d s (+0-%d s anti-flood)\n"+
		"daily_limit: %d\n"+
		"max_per_account: %d\n"+
		"sleep: %d min after every %d joins\n"+
		"allow_repeat: %t",
		s.IntervalMin, s.IntervalMax, s.AntiFloodExtra, s.DailyLimit, s.MaxPerAccount,
		s.SleepDuration, s.SleepAfterCount, s.AllowRepeat)
}

func (r *Router) cmdSet(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		return errors.New("usage: /set <key> <value>; keys: interval (e.g. 30-60), interval_min, interval_max, daily_limit, max_per_account, sleep_after_count, sleep_duration, anti_flood_extra, allow_repeat")
	}
	s, err := r.settings(ctx, req.FromID)
	if err != nil {
		return err
	}
	if err := ApplySetting(&s, req.Args[0], req.Args[1]); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if err := r.deps.Store.PutSettings(ctx, s); err != nil {
		return err
	}
	msg := FormatSettings(s)
	if st, ok := r.deps.Tasks.Status(req.FromID); ok && st.Running {
		msg += "\n\nThe running task keeps its settings; the change applies to the next /run."
	}
	return req.Reply(ctx, msg)
}

// ApplySetting sets one named field. Validation is left to the caller.
func ApplySetting(s *storage.Settings, key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)

	if key == "interval" {
		lo, hi, ok := strings.Cut(value, "-")
		if !ok {
			return fmt.Errorf("interval: want min-max, got %q", value)
		}
		a, err1 := strconv.Atoi(strings.TrimSpace(lo))
		b, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil {
			return fmt.Errorf("interval: want min-max, got %q", value)
		}
		s.IntervalMin, s.IntervalMax = a, b
		return nil
	}
	if key == "allow_repeat" {
		switch strings.ToLower(value) {
		case "on", "true", "yes", "1":
			s.AllowRepeat = true
		case "off", "false", "no", "0":
			s.AllowRepeat = false
		default:
			return fmt.Errorf("allow_repeat: want on/off, got %q", value)
		}
		return nil
	}

	fields := map[string]*int{
		"interval_min":      &s.IntervalMin,
		"interval_max":      &s.IntervalMax,
		"daily_limit":       &s.DailyLimit,
		"max_per_account":   &s.MaxPerAccount,
		"sleep_after_count": &s.SleepAfterCount,
		"sleep_duration":    &s.SleepDuration,
		"anti_flood_extra":  &s.AntiFloodExtra,
	}
	dst, ok := fields[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: want a number, got %q", key, value)
	}
	*dst = n
	return nil
}

func (r *Router) cmdAccounts(ctx context.Context, req *Request) error {
	accs, err := r.deps.Pool.Accounts(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(accs) == 0 {
		return req.Reply(ctx, "No accounts. Add one with /addaccount <label> <session>.")
	}
	now := r.deps.Clock.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "👤 %d accounts", len(accs))
	for _, a := range accs {
		fmt.Fprintf(&b, "\n#%d %s [%s]", a.ID, a.Label, accountState(a, now))
	}
	return req.Reply(ctx, b.String())
}

func (r *Router) cmdAddAccount(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		return errors.New("usage: /addaccount <label> <session>")
	}
	id, err := r.deps.Store.AddAccount(ctx, storage.Account{
		Owner:      req.FromID,
		Label:      req.Args[0],
		SessionRef: req.Args[1],
		Status:     storage.AccountActive,
		AddedAt:    r.deps.Clock.Now(),
	})
	if err != nil {
		return err
	}
	return req.Replyf(ctx, "👤 Account #%d (%s) added.", id, req.Args[0])
}

func (r *Router) cmdDelAccount(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return errors.New("usage: /delaccount <id>")
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(req.Args[0], "#"), 10, 64)
	if err != nil {
		return fmt.Errorf("bad account id %q", req.Args[0])
	}
	accs, err := r.deps.Pool.Accounts(ctx, req.FromID)
	if err != nil {
		return err
	}
	for i := range accs {
		if accs[i].ID == id {
			if err := r.deps.Pool.Remove(ctx, &accs[i], "removed by owner"); err != nil {
				return err
			}
			return req.Replyf(ctx, "🗑 Account #%d removed.", id)
		}
	}
	return fmt.Errorf("account #%d not found", id)
}

func (r *Router) cmdCheck(ctx context.Context, req *Request) error {
	if r.deps.Verify == nil {
		return errors.New("account checks are not available")
	}
	_ = req.Reply(ctx, "🔍 Checking accounts…")
	res, err := r.deps.Pool.Refresh(ctx, req.FromID, r.deps.Verify)
	if err != nil {
		return err
	}
	return req.Replyf(ctx, "🔍 Checked %d: %d ok, %d unauthorized, %d errors.",
		res.Checked, res.Checked-res.Unauthorized-res.Errors, res.Unauthorized, res.Errors)
}

func (r *Router) cmdProxies(ctx context.Context, req *Request) error {
	sub := ""
	if len(req.Args) > 0 {
		sub = strings.ToLower(req.Args[0])
	}
	switch sub {
	case "":
		return req.Reply(ctx, r.proxyList())
	case "set", "clear":
	default:
		return errors.New("usage: /proxies [set <lines>|clear]")
	}
	if r.deps.ProxyFile != "" {
		return fmt.Errorf("proxies come from %s; edit that file instead", r.deps.ProxyFile)
	}

	var lines []string
	var pool []egress.Endpoint
	if sub == "set" {
		body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(req.Body), req.Args[0]))
		for _, line := range strings.Split(body, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			ep, err := egress.Parse(line, r.deps.ProxyScheme)
			if err != nil {
				return err
			}
			lines = append(lines, line)
			pool = append(pool, ep)
		}
		if len(pool) == 0 {
			return errors.New("no proxy lines given")
		}
	}
	if err := r.deps.Store.ReplaceProxies(ctx, lines); err != nil {
		return err
	}
	r.deps.Rotator.Replace(pool)
	return req.Reply(ctx, r.proxyList())
}

func (r *Router) proxyList() string {
	pool := r.deps.Rotator.Snapshot()
	if len(pool) == 0 {
		return "🌐 No proxies; joins connect directly."
	}
	lines := make([]string, 0, len(pool))
	for i := range pool {
		lines = append(lines, egress.Mask(&pool[i]))
	}
	sort.Strings(lines)
	return fmt.Sprintf("🌐 %d proxies:\n%s", len(pool), strings.Join(lines, "\n"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
