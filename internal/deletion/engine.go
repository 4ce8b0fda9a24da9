// Package deletion implements the deferred deletion engine: bot and user
// messages are scheduled for removal after a per-type timeout and executed by
// a single worker in fire-time order.
package deletion

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"groupkeeper/internal/eventbus"
	"groupkeeper/internal/model"
	"groupkeeper/internal/observability"
	"groupkeeper/internal/retry"
	"groupkeeper/internal/transport"
	logx "groupkeeper/pkg/logx"
)

// Settings is the read side of the group settings cache.
type Settings interface {
	Group(ctx context.Context, groupID int64) (model.GroupSettings, error)
	Member(ctx context.Context, chatID, userID int64) (transport.ChatMember, error)
}

type Engine struct {
	cfg      Config
	platform transport.Platform
	settings Settings
	policy   retry.Policy
	bus      eventbus.Bus
	metrics  *observability.Metrics
	log      logx.Logger
	now      func() time.Time

	mu    sync.Mutex
	queue taskHeap
	tasks map[key]*task
	seq   uint64

	failedMu  sync.Mutex
	failed    map[key]*FailedDeletion
	lastSweep time.Time

	wake chan struct{}
}

type Option func(*Engine)

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithPolicy(p retry.Policy) Option { return func(e *Engine) { e.policy = p } }

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(cfg Config, platform transport.Platform, settings Settings, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:      cfg.withDefaults(),
		platform: platform,
		settings: settings,
		policy:   retry.Default(),
		log:      log,
		now:      time.Now,
		tasks:    map[key]*task{},
		failed:   map[key]*FailedDeletion{},
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observability.NewMetrics(nil)
	}
	return e
}

// ResolveTimeout picks the delay for a message of type t in a group with gs:
// explicit override, then the group's per-type timeout, then the group default,
// then the process per-type default, then the fallback. The result is clamped.
func (e *Engine) ResolveTimeout(gs model.GroupSettings, t model.MessageType, override time.Duration) time.Duration {
	d := override
	if d <= 0 {
		if v, ok := gs.TimeoutFor(t); ok {
			d = v
		}
	}
	if d <= 0 {
		d = e.cfg.typeTimeout(t)
	}
	if d <= 0 {
		d = e.cfg.FallbackTimeout
	}
	return e.cfg.clamp(d)
}

// Schedule queues msg for deletion. It returns false without queuing when the
// group has auto-delete off or the author is exempt. Scheduling a message that
// already has a pending task replaces that task.
func (e *Engine) Schedule(ctx context.Context, msg transport.Message, t model.MessageType, opts ...ScheduleOption) bool {
	r := request{chatID: msg.ChatID}
	for _, o := range opts {
		o(&r)
	}
	log := e.log.With(logx.Chat(r.chatID, msg.ID), logx.String("type", t.String()))
	if msg.ID == 0 || r.chatID == 0 {
		return false
	}

	gs, err := e.settings.Group(ctx, r.chatID)
	if err != nil {
		log.Warn("deletion skipped: settings unavailable", logx.Err(err))
		return false
	}
	if !gs.AutoDelete {
		return false
	}
	if e.exempt(ctx, r.chatID, msg) {
		log.Debug("deletion skipped: exempt author")
		return false
	}

	delay := e.ResolveTimeout(gs, t, r.timeout)
	e.push(key{chatID: r.chatID, messageID: msg.ID}, t, e.now().Add(delay), !r.noRetry, r.priority, 0)
	e.metrics.DeletionsScheduled.WithLabelValues(t.String()).Inc()
	log.Debug("deletion scheduled", logx.Duration("after", delay))
	return true
}

// ScheduleRef queues a message the bot sent itself.
func (e *Engine) ScheduleRef(ctx context.Context, ref transport.MessageRef, t model.MessageType, opts ...ScheduleOption) bool {
	return e.Schedule(ctx, transport.Message{ID: ref.MessageID, ChatID: ref.ChatID, ThreadID: ref.ThreadID}, t, opts...)
}

func (e *Engine) exempt(ctx context.Context, chatID int64, msg transport.Message) bool {
	if msg.FromID == 0 {
		return false
	}
	if e.cfg.exemptText(msg.Text) {
		return true
	}
	if len(e.cfg.ExemptRoles) == 0 {
		return false
	}
	m, err := e.settings.Member(ctx, chatID, msg.FromID)
	if err != nil {
		e.log.Debug("member lookup failed; not exempt", logx.Int64("chat_id", chatID), logx.Int64("user_id", msg.FromID), logx.Err(err))
		return false
	}
	return e.cfg.exemptRole(m.Role)
}

func (e *Engine) push(k key, t model.MessageType, fireAt time.Time, retryOnFailure, priority bool, requeues int) {
	e.mu.Lock()
	e.seq++
	if old, ok := e.tasks[k]; ok {
		old.msgType = t
		old.fireAt = fireAt
		old.retry = retryOnFailure
		old.priority = priority
		old.requeues = requeues
		old.seq = e.seq
		// index is -1 while a drain holds the task outside the heap.
		if old.index >= 0 {
			heap.Fix(&e.queue, old.index)
		}
	} else {
		nt := &task{key: k, msgType: t, fireAt: fireAt, retry: retryOnFailure, priority: priority, requeues: requeues, seq: e.seq}
		heap.Push(&e.queue, nt)
		e.tasks[k] = nt
	}
	n := len(e.queue)
	e.mu.Unlock()
	e.metrics.DeletionQueueDepth.Set(float64(n))
	e.signal()
}

// requeue puts t back unless a newer Schedule call already replaced it.
func (e *Engine) requeue(t *task, fireAt time.Time) {
	e.mu.Lock()
	_, superseded := e.tasks[t.key]
	e.mu.Unlock()
	if superseded {
		return
	}
	e.push(t.key, t.msgType, fireAt, t.retry, t.priority, t.requeues)
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// popDue removes and returns the head task when it may run at now.
// Otherwise it returns the time to wait (negative when the queue is empty).
func (e *Engine) popDue(now time.Time) (*task, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil, -1
	}
	head := e.queue[0]
	if !head.dueBy(now) {
		return nil, head.fireAt.Sub(now)
	}
	heap.Pop(&e.queue)
	delete(e.tasks, head.key)
	return head, 0
}

// Run is the worker loop. It returns when ctx is cancelled; pending sleeps are
// abandoned, never awaited.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		t, wait := e.popDue(e.now())
		if t != nil {
			e.execute(ctx, t)
			continue
		}
		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		case <-timerC:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// execute performs one delete attempt and applies the retry policy.
func (e *Engine) execute(ctx context.Context, t *task) {
	now := e.now()
	e.metrics.DeletionLag.Observe(now.Sub(t.fireAt).Seconds())
	e.metrics.DeletionQueueDepth.Set(float64(e.QueueLen()))

	err := e.platform.DeleteMessage(ctx, t.chatID, t.messageID)
	d := e.policy.Decide(err)
	log := e.log.With(logx.Chat(t.chatID, t.messageID), logx.String("type", t.msgType.String()))

	switch d.Action {
	case retry.Done:
		outcome := "deleted"
		if err != nil {
			outcome = "gone"
		}
		e.metrics.DeletionsExecuted.WithLabelValues(outcome).Inc()
		e.forget(t.key)
	case retry.Retry:
		t.requeues++
		if t.requeues > e.cfg.MaxRequeues {
			log.Warn("deletion requeue limit reached", logx.Int("requeues", t.requeues), logx.Err(err))
			e.metrics.DeletionsExecuted.WithLabelValues("failed").Inc()
			if t.retry {
				e.record(t, err, now)
			}
			return
		}
		e.metrics.DeletionsRequeued.WithLabelValues(d.Kind.String()).Inc()
		log.Debug("deletion requeued", logx.String("kind", d.Kind.String()), logx.Duration("after", d.Delay))
		e.requeue(t, now.Add(d.Delay))
	default:
		e.metrics.DeletionsExecuted.WithLabelValues("failed").Inc()
		if d.Kind == transport.KindForbidden {
			log.Warn("deletion forbidden; bot rights likely revoked", logx.Err(err))
			e.publishForbidden(t, err)
		} else {
			log.Warn("deletion failed", logx.Err(err))
		}
		if t.retry {
			e.record(t, err, now)
		}
	}
}

func (e *Engine) publishForbidden(t *task, err error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: eventbus.PlatformForbidden,
		Data: eventbus.PlatformForbiddenData{ChatID: t.chatID, MessageID: t.messageID, Op: "delete", Err: err.Error()},
	})
}

func (e *Engine) record(t *task, err error, now time.Time) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	e.failedMu.Lock()
	f, ok := e.failed[t.key]
	if !ok {
		f = &FailedDeletion{ChatID: t.chatID, MessageID: t.messageID, Type: t.msgType, FirstFailed: now, RetryCount: 1}
		e.failed[t.key] = f
	}
	f.Err = msg
	f.LastAttempt = now
	n := len(e.failed)
	e.failedMu.Unlock()
	e.metrics.DeletionsFailed.Set(float64(n))
}

func (e *Engine) forget(k key) {
	e.failedMu.Lock()
	delete(e.failed, k)
	n := len(e.failed)
	e.failedMu.Unlock()
	e.metrics.DeletionsFailed.Set(float64(n))
}

// QueueLen returns the number of pending tasks.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// FailedLen returns the size of the failed registry.
func (e *Engine) FailedLen() int {
	e.failedMu.Lock()
	defer e.failedMu.Unlock()
	return len(e.failed)
}

// Failed returns a snapshot of the failed registry.
func (e *Engine) Failed() []FailedDeletion {
	e.failedMu.Lock()
	defer e.failedMu.Unlock()
	out := make([]FailedDeletion, 0, len(e.failed))
	for _, f := range e.failed {
		out = append(out, *f)
	}
	return out
}

// NextFireAt returns the fire time of the head task.
func (e *Engine) NextFireAt() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return time.Time{}, false
	}
	return e.queue[0].fireAt, true
}
