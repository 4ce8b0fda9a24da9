// Package adapter connects the bot core to the Telegram Bot API via telebot.
package adapter

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"groupkeeper/internal/observability"
	rtsup "groupkeeper/internal/runtime/supervisor"
	kit "groupkeeper/internal/transport"
	logx "groupkeeper/pkg/logx"
)

type Adapter struct {
	cfg     Config
	log     logx.Logger
	metrics *observability.Metrics

	bot     *tele.Bot
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu   sync.Mutex
	live atomic.Pointer[session]
}

// session is one Start..Stop cycle. Handlers read it lock-free.
type session struct {
	sup     *rtsup.Supervisor
	out     chan<- kit.Update
	dropped atomic.Uint64
}

var _ kit.Adapter = (*Adapter)(nil)

type Option func(*Adapter)

func WithMetrics(m *observability.Metrics) Option {
	return func(a *Adapter) {
		if m != nil {
			a.metrics = m
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram.adapter")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}
	if a.metrics == nil {
		a.metrics = observability.NewMetrics(nil)
	}
	if cfg.BreakerFailures > 0 {
		a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "telegram",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
			},
			IsSuccessful: func(err error) bool { return !isBreakerFailure(err) },
			OnStateChange: func(name string, from, to gobreaker.State) {
				a.metrics.BreakerState.Set(float64(to))
				a.log.Warn("circuit breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
			},
		})
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		// Long polls hold the connection for PollTimeout; calls get CallTimeout on top.
		Client: &http.Client{Timeout: cfg.PollTimeout + cfg.CallTimeout},
		OnError: func(err error, c tele.Context) {
			a.log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	a.registerHandlers()
	return a, nil
}

// BotID is the bot account id reported by getMe.
func (a *Adapter) BotID() int64 {
	if a.bot == nil || a.bot.Me == nil {
		return 0
	}
	return a.bot.Me.ID
}

// Supervisor returns the running session's supervisor, or nil when stopped.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	if ss := a.live.Load(); ss != nil {
		return ss.sup
	}
	return nil
}

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		if m := toMessage(c.Message()); m != nil {
			a.deliver(kit.Update{Kind: kit.UpdateMessage, Message: m})
		}
		return nil
	}
	for _, ev := range []string{tele.OnText, tele.OnMedia} {
		a.bot.Handle(ev, forward)
	}
}

func toMessage(m *tele.Message) *kit.Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	out := &kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		Text:     text,
		IsGroup:  m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
	}
	if u := m.Sender; u != nil {
		out.FromID, out.FromUsername = u.ID, u.Username
	}
	return out
}

// deliver hands up to the current session without blocking the poller.
func (a *Adapter) deliver(up kit.Update) {
	ss := a.live.Load()
	if ss == nil {
		return
	}
	select {
	case ss.out <- up:
	default:
		ss.dropped.Add(1)
		a.metrics.UpdatesDropped.Inc()
	}
}

const (
	dropReportEvery = 5 * time.Second
	stopGrace       = 2 * time.Second
)

// Start begins long polling and forwards updates to out. A second Start
// while running is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live.Load() != nil {
		return nil
	}
	// Adapter loops restart on their own and never cancel the app.
	ss := &session{out: out, sup: rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))}
	a.live.Store(ss)

	ss.sup.GoTicker("updates.drop_report", dropReportEvery, func(context.Context) error {
		if n := ss.dropped.Swap(0); n > 0 {
			a.log.Warn("inbound updates dropped", logx.Uint64("count", n), logx.Int("queue_cap", cap(out)))
		}
		return nil
	})
	ss.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop; an early return is restarted.
	ss.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.Int64("bot_id", a.BotID()))
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
		rtsup.WithMaxRestarts(pollMaxRestarts),
	)
	return nil
}

// pollMaxRestarts bounds consecutive poll restarts before the adapter
// reports itself failed.
const pollMaxRestarts = 50

// Stop ends the session. It waits at most stopGrace (or the ctx deadline,
// whichever is sooner) for the long poll to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	ss := a.live.Swap(nil)
	a.mu.Unlock()
	if ss == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_unreported", ss.dropped.Load()))

	grace := stopGrace
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(dl), 0))
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	err := ss.sup.Stop(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Debug("telegram session ended with error", logx.Err(err))
	}
	return nil
}

// call runs fn behind the rate limiter and the breaker and classifies its error.
func (a *Adapter) call(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, kit.Timeout(err)
	}
	var (
		v   any
		err error
	)
	if a.breaker != nil {
		v, err = a.breaker.Execute(fn)
	} else {
		v, err = fn()
	}
	if err != nil {
		err = classify(err)
		a.metrics.PlatformErrors.WithLabelValues(op, kit.KindOf(err).String()).Inc()
	}
	return v, err
}

func (a *Adapter) SendMessage(ctx context.Context, chatID int64, c kit.Content) (kit.MessageRef, error) {
	if c.Empty() {
		return kit.MessageRef{}, errors.New("telegram: empty content")
	}
	what, opts := a.payload(c)
	v, err := a.call(ctx, "send", func() (any, error) {
		return a.bot.Send(&tele.Chat{ID: chatID}, what, opts)
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	msg, _ := v.(*tele.Message)
	ref := kit.MessageRef{ChatID: chatID, ThreadID: c.ThreadID}
	if msg != nil {
		ref.MessageID = msg.ID
	}
	return ref, nil
}

// payload builds the telebot value and options for c. Text longer than one
// message is cut at the Telegram limit; broadcasts are expected to fit.
func (a *Adapter) payload(c kit.Content) (any, *tele.SendOptions) {
	opts := &tele.SendOptions{ThreadID: c.ThreadID, ParseMode: tele.ParseMode(c.ParseMode)}
	if len(c.Buttons) > 0 {
		rm := &tele.ReplyMarkup{}
		rows := make([]tele.Row, 0, len(c.Buttons))
		for _, b := range c.Buttons {
			rows = append(rows, rm.Row(rm.URL(b.Text, b.URL)))
		}
		rm.Inline(rows...)
		opts.ReplyMarkup = rm
	}
	text := splitTelegramText(c.Text, telegramTextLimit, c.ParseMode)[0]
	if c.MediaRef == "" {
		return text, opts
	}
	file := tele.File{FileID: c.MediaRef}
	if strings.HasPrefix(c.MediaRef, "http://") || strings.HasPrefix(c.MediaRef, "https://") {
		file = tele.FromURL(c.MediaRef)
	}
	switch c.MediaKind {
	case kit.MediaVideo:
		return &tele.Video{File: file, Caption: text}, opts
	case kit.MediaDocument:
		return &tele.Document{File: file, Caption: text}, opts
	default:
		return &tele.Photo{File: file, Caption: text}, opts
	}
}

func (a *Adapter) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	_, err := a.call(ctx, "delete", func() (any, error) {
		return nil, a.bot.Delete(&tele.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: chatID})
	})
	return err
}

func (a *Adapter) GetChatMember(ctx context.Context, chatID, userID int64) (kit.ChatMember, error) {
	v, err := a.call(ctx, "get_chat_member", func() (any, error) {
		return a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
	})
	if err != nil {
		return kit.ChatMember{}, err
	}
	m, _ := v.(*tele.ChatMember)
	if m == nil {
		return kit.ChatMember{UserID: userID, Role: kit.RoleMember}, nil
	}
	return kit.ChatMember{UserID: userID, Role: kit.MemberRole(m.Role)}, nil
}
