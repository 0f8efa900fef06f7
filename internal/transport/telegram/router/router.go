// Package router turns incoming chat commands into admin operations.
//
// Commands run on a small worker pool under a supervisor; the update loop
// itself never blocks on a handler. Replies go back through the transport
// sender.
package router

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"legendalf/internal/admin"
	rtsup "legendalf/internal/runtime/supervisor"
	"legendalf/internal/schedule"
	"legendalf/internal/storage"
	"legendalf/internal/transport"
	"legendalf/internal/transport/telegram/adapter"
	logx "legendalf/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAllowed
	AccessAdmin
)

type Command struct {
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Request is one routed command invocation.
type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	From    admin.User
	FromID  int64
	Command string
	Args    []string
	RawArgs string
	ReqID   string
	Logger  logx.Logger
}

// Ops is the admin surface the commands drive. *admin.Service implements it.
type Ops interface {
	IsAdmin(ctx context.Context, id int64) bool
	IsAllowed(ctx context.Context, id int64) bool
	RequestAccess(ctx context.Context, u admin.User) (storage.Grant, bool, error)
	GrantAccess(ctx context.Context, by, uid int64, role storage.Role) (storage.Grant, error)
	DenyAccess(ctx context.Context, by, uid int64) (storage.Grant, error)
	PendingRequests(ctx context.Context) ([]storage.Grant, error)
	CreateFromRule(ctx context.Context, chatID int64, threadID int, rule string, payload schedule.Payload, by int64) (schedule.Schedule, error)
	ListSchedules(ctx context.Context, chatID int64) ([]schedule.Schedule, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (schedule.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// MenuSetter publishes the command list to the chat client.
type MenuSetter interface {
	SetCommands(cmds []adapter.Command) error
}

type Options struct {
	Logger   logx.Logger
	Workers  int
	Location *time.Location
	Menu     MenuSetter
	// DefaultTimeout applies to commands without their own Timeout.
	DefaultTimeout time.Duration
}

type Router struct {
	log    logx.Logger
	sender transport.Sender
	ops    Ops
	menu   MenuSetter
	loc    *time.Location

	workers        int
	defaultTimeout time.Duration

	mu    sync.RWMutex
	cmds  []Command
	index map[string]*Command

	jobs chan func()
	sup  *rtsup.Supervisor
}

func New(sender transport.Sender, ops Ops, opts Options) *Router {
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 15 * time.Second
	}
	r := &Router{
		log:            opts.Logger.With(logx.String("comp", "telegram.router")),
		sender:         sender,
		ops:            ops,
		menu:           opts.Menu,
		loc:            opts.Location,
		workers:        opts.Workers,
		defaultTimeout: opts.DefaultTimeout,
		jobs:           make(chan func(), 256),
	}
	r.register(r.builtin())
	return r
}

func (r *Router) register(cmds []Command) {
	index := make(map[string]*Command, len(cmds)*2)
	for i := range cmds {
		c := &cmds[i]
		index[c.Route] = c
		for _, a := range c.Aliases {
			if _, taken := index[a]; !taken {
				index[a] = c
			}
		}
	}
	r.mu.Lock()
	r.cmds = cmds
	r.index = index
	r.mu.Unlock()
}

func (r *Router) lookup(word string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.index[word]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Supervisor returns the worker supervisor while Run is active.
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sup
}

// Run consumes updates until ctx ends or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.mu.Lock()
	r.sup = sup
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return r.work(c, idx)
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	if r.menu != nil {
		sup.Go0("telegram.menu.update", func(context.Context) {
			if err := r.menu.SetCommands(r.menuCommands()); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}
	r.log.Info("command router started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.mu.Lock()
		r.sup = nil
		r.mu.Unlock()
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := r.prepare(ctx, up)
			if job == nil {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				if up.Message != nil {
					r.reply(ctx, chatOf(up.Message), "Я занят, попробуй чуть позже.")
				}
			}
		}
	}
}

func (r *Router) work(ctx context.Context, idx int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-r.jobs:
			func() {
				defer func() {
					if p := recover(); p != nil {
						r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

// handle routes up and runs the command on the calling goroutine.
func (r *Router) handle(ctx context.Context, up transport.Update) {
	if job := r.prepare(ctx, up); job != nil {
		job()
	}
}

// prepare resolves the command for up and returns the work to run, or nil
// when the update is not a command or was rejected.
func (r *Router) prepare(ctx context.Context, up transport.Update) func() {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return nil
	}
	msg := up.Message
	word, raw, ok := splitCommand(msg.Text)
	if !ok {
		return nil
	}
	cmd, ok := r.lookup(word)
	if !ok {
		if !msg.IsGroup {
			r.reply(ctx, chatOf(msg), "Такого заклинания я не знаю. Загляни в /help.")
		}
		return nil
	}

	switch cmd.Access {
	case AccessAdmin:
		if !r.ops.IsAdmin(ctx, msg.FromID) {
			r.log.Debug("admin command rejected", logx.String("cmd", cmd.Route), logx.Int64("from_id", msg.FromID))
			return nil
		}
	case AccessAllowed:
		if !r.ops.IsAllowed(ctx, msg.FromID) {
			r.reply(ctx, chatOf(msg), "Прежде чем приказывать времени, нужно получить допуск.\nНапиши /start, и я передам твоё имя хранителю врат.")
			return nil
		}
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Update: up,
		Chat:   chatOf(msg),
		From: admin.User{
			ID:        msg.FromID,
			Username:  msg.FromUsername,
			FirstName: msg.FromFirst,
			LastName:  msg.FromLast,
		},
		FromID:  msg.FromID,
		Command: cmd.Route,
		Args:    strings.Fields(raw),
		RawArgs: raw,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	return func() {
		if err := final(ctx, req); err != nil && !errors.Is(err, context.Canceled) {
			r.reply(ctx, req.Chat, "Воля была, но видение не открылось. Попробуй ещё раз позже.")
		}
	}
}

// splitCommand extracts "name" and the raw argument text from
// "/name@bot args...".
func splitCommand(text string) (word, raw string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		rest = head[i:] + " " + rest
		head = head[:i]
	}
	word = strings.ToLower(strings.TrimPrefix(head, "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", "", false
	}
	return word, strings.TrimSpace(rest), true
}

func chatOf(m *transport.Message) transport.ChatTarget {
	return transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

func (r *Router) reply(ctx context.Context, to transport.ChatTarget, text string) {
	if _, err := r.sender.Send(ctx, to, transport.Payload{Text: text, ParseMode: transport.ParseModeHTML, DisablePreview: true}); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}
