// Package router turns owner chat messages into task, queue and pool
// operations.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"joinbot/internal/egress"
	"joinbot/internal/identity"
	"joinbot/internal/linkqueue"
	"joinbot/internal/storage"
	"joinbot/internal/task"
	kit "joinbot/internal/transport"
	logx "joinbot/pkg/logx"
)

// TaskControl is the per-owner control surface of the task registry.
type TaskControl interface {
	Start(owner int64) (task.Status, error)
	Pause(owner int64) error
	Resume(owner int64) error
	Stop(owner int64) error
	Status(owner int64) (task.Status, bool)
}

type Deps struct {
	Tasks   TaskControl
	Queue   *linkqueue.Queue
	Store   storage.Store
	Pool    *identity.Pool
	Verify  identity.Verifier
	Rotator *egress.Rotator
	Clock   clock.Clock

	// Location defines "today" for /stats.
	Location *time.Location
	// ProxyScheme applies to proxy lines without a scheme.
	ProxyScheme string
	// ProxyFile, when set, is the authoritative proxy list; /proxies then
	// only reports.
	ProxyFile string
	Defaults  storage.Settings
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string   // without the leading slash and bot suffix
	Args    []string // whitespace-split arguments
	Body    string   // text after the command, plus any attached document
	ReqID   string

	Logger logx.Logger
	reply  func(ctx context.Context, text string) error
}

func (r *Request) Reply(ctx context.Context, text string) error {
	if r.reply == nil {
		return nil
	}
	return r.reply(ctx, text)
}

// Replyf formats and sends a reply.
func (r *Request) Replyf(ctx context.Context, format string, args ...any) error {
	return r.Reply(ctx, fmt.Sprintf(format, args...))
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Router struct {
	adapter kit.Adapter
	deps    Deps
	log     logx.Logger

	owners map[int64]bool
	cmds   map[string]*Command
	list   []*Command
	mws    []Middleware

	wg  sync.WaitGroup
	sem chan struct{}
}

const defaultTimeout = 30 * time.Second

func New(adapter kit.Adapter, owners []int64, deps Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	r := &Router{
		adapter: adapter,
		deps:    deps,
		log:     log,
		owners:  make(map[int64]bool, len(owners)),
		cmds:    make(map[string]*Command),
		sem:     make(chan struct{}, 4),
	}
	for _, id := range owners {
		r.owners[id] = true
	}
	r.mws = []Middleware{MWPanicRecover(log), MWRequestLog(log)}
	for _, c := range r.commands() {
		r.register(c)
	}
	return r
}

func (r *Router) register(c *Command) {
	r.list = append(r.list, c)
	r.cmds[c.Name] = c
	for _, a := range c.Aliases {
		r.cmds[a] = c
	}
}

// BotCommands lists the commands for the platform command menu.
func (r *Router) BotCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.list))
	for _, c := range r.list {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run dispatches updates until in closes or ctx ends, then waits for
// in-flight handlers.
func (r *Router) Run(ctx context.Context, in <-chan kit.Update) error {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case r.sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer func() { <-r.sem }()
				r.Dispatch(ctx, up)
			}()
		}
	}
}

// Dispatch handles one update synchronously.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) {
	m := up.Message
	if up.Kind != kit.UpdateMessage || m == nil {
		return
	}
	name, rest, ok := parseCommand(m.Text)
	if !ok {
		return
	}
	if !r.owners[m.FromID] {
		r.log.Debug("command from non-owner ignored", logx.Int64("from_id", m.FromID), logx.String("cmd", name))
		return
	}

	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	req := &Request{
		Update:  up,
		Chat:    to,
		FromID:  m.FromID,
		Command: name,
		Args:    strings.Fields(rest),
		Body:    strings.TrimSpace(rest + "\n" + m.Document),
		ReqID:   uuid.NewString(),
	}
	req.Logger = r.log.With(logx.String("req_id", req.ReqID))
	req.reply = func(ctx context.Context, text string) error {
		if r.adapter == nil {
			return nil
		}
		_, err := r.adapter.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
		return err
	}

	c, ok := r.cmds[name]
	if !ok {
		_ = req.Reply(ctx, "Unknown command. Send /help for the list.")
		return
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	h := Chain(c.Handle, append(r.mws, MWTimeout(timeout))...)
	if err := h(ctx, req); err != nil {
		_ = req.Replyf(ctx, "❌ %s", userError(err))
	}
}

// parseCommand splits "/cmd@bot args" into ("cmd", "args").
func parseCommand(text string) (name, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexAny(head, "\n"); i >= 0 {
		rest = head[i+1:] + " " + rest
		head = head[:i]
	}
	head, _, _ = strings.Cut(head, "@")
	head = strings.ToLower(strings.TrimSpace(head))
	if head == "" {
		return "", "", false
	}
	return head, strings.TrimSpace(rest), true
}

func userError(err error) string {
	switch {
	case errors.Is(err, task.ErrAlreadyRunning):
		return "a task is already running"
	case errors.Is(err, task.ErrNotRunning):
		return "no task is running"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	}
	return err.Error()
}

func (r *Router) helpText() string {
	cmds := append([]*Command(nil), r.list...)
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		b.WriteString("/")
		b.WriteString(c.Name)
		if c.Usage != "" {
			b.WriteString(" ")
			b.WriteString(c.Usage)
		}
		b.WriteString(" - ")
		b.WriteString(c.Description)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
