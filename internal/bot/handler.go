// Package bot turns inbound Telegram updates into calls on the core: message
// counters, command cleanup and a handful of owner commands that operate
// broadcasts and auto-delete.
package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"groupkeeper/internal/broadcast"
	"groupkeeper/internal/deletion"
	"groupkeeper/internal/model"
	"groupkeeper/internal/transport"
	logx "groupkeeper/pkg/logx"
)

// Deleter schedules deferred deletions.
type Deleter interface {
	Schedule(ctx context.Context, msg transport.Message, t model.MessageType, opts ...deletion.ScheduleOption) bool
	ScheduleRef(ctx context.Context, ref transport.MessageRef, t model.MessageType, opts ...deletion.ScheduleOption) bool
}

// Broadcasts is the broadcast scheduler surface the commands use.
type Broadcasts interface {
	Create(ctx context.Context, d broadcast.Draft) (model.Broadcast, error)
	ForceSend(ctx context.Context, id string) (transport.MessageRef, error)
	RecalibrateAnchor(ctx context.Context, id string) error
	List(ctx context.Context, groupID int64) ([]model.Broadcast, error)
	Location() *time.Location
}

type Settings interface {
	Ensure(ctx context.Context, groupID int64) error
	Group(ctx context.Context, groupID int64) (model.GroupSettings, error)
	Update(ctx context.Context, groupID int64, fn func(*model.GroupSettings)) (model.GroupSettings, error)
}

// Counter records observed per-user daily message counts.
type Counter interface {
	IncrementMessageStat(ctx context.Context, groupID, userID int64, date string, n int) error
}

// Request is one command invocation.
type Request struct {
	Message *transport.Message
	Command string
	Args    []string
	Log     logx.Logger
}

type Command struct {
	Name      string
	Usage     string
	OwnerOnly bool
	Handler   HandlerFunc
}

type Handler struct {
	deleter    Deleter
	broadcasts Broadcasts
	settings   Settings
	counter    Counter
	platform   transport.Platform
	log        logx.Logger
	now        func() time.Time

	mu       sync.RWMutex
	owners   []int64
	commands map[string]HandlerFunc
	usage    []string
}

type Option func(*Handler)

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

func New(deleter Deleter, broadcasts Broadcasts, settings Settings, counter Counter, platform transport.Platform, owners []int64, log logx.Logger, opts ...Option) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{
		deleter:    deleter,
		broadcasts: broadcasts,
		settings:   settings,
		counter:    counter,
		platform:   platform,
		log:        log.With(logx.String("comp", "bot")),
		now:        time.Now,
		owners:     slices.Clone(owners),
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	h.register(h.builtinCommands())
	return h
}

func (h *Handler) register(cmds []Command) {
	m := make(map[string]HandlerFunc, len(cmds))
	usage := make([]string, 0, len(cmds))
	for _, c := range cmds {
		fn := c.Handler
		if c.OwnerOnly {
			fn = Chain(fn, h.ownerOnly())
		}
		m[c.Name] = Chain(fn, guarded(commandTimeout, slowCommand))
		usage = append(usage, c.Usage)
	}
	h.mu.Lock()
	h.commands = m
	h.usage = usage
	h.mu.Unlock()
}

// SetOwners replaces the owner list (hot reload).
func (h *Handler) SetOwners(owners []int64) {
	h.mu.Lock()
	h.owners = slices.Clone(owners)
	h.mu.Unlock()
}

func (h *Handler) isOwner(id int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return id != 0 && slices.Contains(h.owners, id)
}

var errUnauthorized = errors.New("unauthorized")

func (h *Handler) ownerOnly() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if !h.isOwner(req.Message.FromID) {
				h.reply(ctx, req, model.TypeError, "This command is for bot owners.")
				return errUnauthorized
			}
			return next(ctx, req)
		}
	}
}

// Run consumes updates until ctx is cancelled or updates is closed.
func (h *Handler) Run(ctx context.Context, updates <-chan transport.Update) error {
	h.log.Info("update handler started")
	defer h.log.Info("update handler stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == transport.UpdateMessage && up.Message != nil {
				h.Handle(ctx, up.Message)
			}
		}
	}
}

// Handle processes one inbound message.
func (h *Handler) Handle(ctx context.Context, msg *transport.Message) {
	log := h.log.With(logx.Chat(msg.ChatID, msg.ID), logx.Int64("from_id", msg.FromID))
	if msg.IsGroup {
		if err := h.settings.Ensure(ctx, msg.ChatID); err != nil {
			log.Warn("group registration failed", logx.Err(err))
		}
		h.count(ctx, msg, log)
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	if msg.IsGroup {
		h.deleter.Schedule(ctx, *msg, model.TypeCommand)
	}

	name, args := parseCommand(text)
	h.mu.RLock()
	fn, ok := h.commands[name]
	h.mu.RUnlock()
	if !ok {
		return
	}
	_ = fn(ctx, &Request{Message: msg, Command: name, Args: args, Log: log.With(logx.String("cmd", name))})
}

func (h *Handler) count(ctx context.Context, msg *transport.Message, log logx.Logger) {
	if msg.FromID == 0 {
		return
	}
	gs, err := h.settings.Group(ctx, msg.ChatID)
	if err != nil {
		log.Warn("stats skipped: settings unavailable", logx.Err(err))
		return
	}
	if !gs.StatsEnabled {
		return
	}
	date := h.now().In(h.broadcasts.Location()).Format(model.DateLayout)
	if err := h.counter.IncrementMessageStat(ctx, msg.ChatID, msg.FromID, date, 1); err != nil {
		log.Warn("message count failed", logx.Err(err))
	}
}

// reply sends text to the request's chat and schedules it for deletion as t.
func (h *Handler) reply(ctx context.Context, req *Request, t model.MessageType, text string) {
	msg := req.Message
	ref, err := h.platform.SendMessage(ctx, msg.ChatID, transport.Content{Text: text, ThreadID: msg.ThreadID})
	if err != nil {
		req.Log.Warn("reply failed", logx.Err(err))
		return
	}
	if msg.IsGroup {
		h.deleter.ScheduleRef(ctx, ref, t)
	}
}

func (h *Handler) replyErr(ctx context.Context, req *Request, err error) error {
	h.reply(ctx, req, model.TypeError, "Error: "+err.Error())
	return err
}

// parseCommand splits "/cmd@bot a b" into "cmd" and its arguments.
func parseCommand(text string) (string, []string) {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil
	}
	name := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), parts[1:]
}

func usageErr(usage string) error { return fmt.Errorf("usage: %s", usage) }
