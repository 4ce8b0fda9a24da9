// Package broadcast sends recurring group messages on a fixed clock grid.
//
// Every broadcast carries an anchor (its start date at the HH:MM of its start
// time). Fire times are anchor + k*interval on the local clock, so a tick that
// runs late never moves later fires and a daily message keeps its HH:MM across
// DST changes.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"groupkeeper/internal/deletion"
	"groupkeeper/internal/eventbus"
	"groupkeeper/internal/model"
	"groupkeeper/internal/observability"
	"groupkeeper/internal/retry"
	"groupkeeper/internal/storage"
	"groupkeeper/internal/transport"
	logx "groupkeeper/pkg/logx"
)

// Store is the part of storage.Store the scheduler uses.
type Store interface {
	CreateBroadcast(ctx context.Context, b model.Broadcast) error
	GetBroadcast(ctx context.Context, id string) (model.Broadcast, error)
	ListBroadcasts(ctx context.Context, groupID int64) ([]model.Broadcast, error)
	GetActiveBroadcasts(ctx context.Context, now time.Time) ([]model.Broadcast, error)
	UpdateBroadcastLastSent(ctx context.Context, id string, at time.Time) error
	ResetBroadcastLastSent(ctx context.Context, id string) error
	SetBroadcastForceSent(ctx context.Context, id string, v bool) error
}

// Deleter receives sent broadcasts for auto-deletion.
type Deleter interface {
	ScheduleRef(ctx context.Context, ref transport.MessageRef, t model.MessageType, opts ...deletion.ScheduleOption) bool
}

type Config struct {
	MinInterval time.Duration
	Location    *time.Location
}

type Scheduler struct {
	store    Store
	platform transport.Platform
	deleter  Deleter
	policy   retry.Policy
	bus      eventbus.Bus
	metrics  *observability.Metrics
	log      logx.Logger

	minInterval time.Duration
	loc         *time.Location
	now         func() time.Time

	// sendMu serializes every path that sends, so a poll and a catch-up never
	// see the same broadcast as unsent.
	sendMu sync.Mutex
}

type Option func(*Scheduler)

func WithBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithPolicy(p retry.Policy) Option { return func(s *Scheduler) { s.policy = p } }

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, store Store, platform transport.Platform, deleter Deleter, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		store:       store,
		platform:    platform,
		deleter:     deleter,
		policy:      retry.Default(),
		log:         log,
		minInterval: cfg.MinInterval,
		loc:         cfg.Location,
		now:         time.Now,
	}
	if s.minInterval <= 0 {
		s.minInterval = DefaultMinInterval
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics(nil)
	}
	return s
}

// Location is the zone schedule times are expressed in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// PollOnce sends every due broadcast. LastBroadcast is written right after each
// send, before the next broadcast is looked at, so a repeated poll cannot send
// the same slot twice. A failed send leaves the broadcast due for the next poll.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	now := s.now()
	due, err := s.store.GetActiveBroadcasts(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("load due broadcasts: %w", err)
	}
	sent := 0
	for _, b := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := s.fire(ctx, b, "scheduled"); err != nil {
			continue
		}
		sent++
	}
	return sent, nil
}

// fire sends b, records the send and hands the message to auto-deletion.
func (s *Scheduler) fire(ctx context.Context, b model.Broadcast, trigger string) error {
	log := s.log.With(logx.String("id", b.ID), logx.Int64("group_id", b.GroupID), logx.String("trigger", trigger))
	ref, err := s.platform.SendMessage(ctx, b.GroupID, b.Content)
	if err != nil {
		s.metrics.BroadcastsSent.WithLabelValues(trigger, "failed").Inc()
		s.sendFailed(log, b, err)
		return err
	}
	at := s.now()
	if err := s.store.UpdateBroadcastLastSent(ctx, b.ID, at); err != nil {
		// The message is out; a missing marker means the next poll repeats it.
		log.Error("broadcast sent but last-sent not recorded", logx.Err(err))
		return err
	}
	s.metrics.BroadcastsSent.WithLabelValues(trigger, "ok").Inc()
	log.Info("broadcast sent", logx.Int("message_id", ref.MessageID))
	if s.deleter != nil {
		s.deleter.ScheduleRef(ctx, ref, model.TypeBroadcast)
	}
	return nil
}

func (s *Scheduler) sendFailed(log logx.Logger, b model.Broadcast, err error) {
	kind := transport.KindOf(err)
	s.metrics.PlatformErrors.WithLabelValues("send", kind.String()).Inc()
	if kind == transport.KindForbidden && s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.PlatformForbidden,
			Data: eventbus.PlatformForbiddenData{ChatID: b.GroupID, Op: "broadcast", Err: err.Error()},
		})
	}
	switch kind {
	case transport.KindRateLimited, transport.KindTimeout:
		log.Warn("broadcast send deferred to next poll", logx.String("kind", kind.String()), logx.Err(err))
	default:
		log.Error("broadcast send failed", logx.String("kind", kind.String()), logx.Err(err))
	}
}

// RecalibrateAnchor forgets the last send, so the broadcast fires on the next
// poll and continues on its original grid.
func (s *Scheduler) RecalibrateAnchor(ctx context.Context, id string) error {
	if err := s.store.ResetBroadcastLastSent(ctx, id); err != nil {
		return fmt.Errorf("recalibrate %s: %w", id, err)
	}
	s.log.Info("broadcast anchor recalibrated", logx.String("id", id))
	return nil
}

// ForceSend sends the broadcast once, outside its schedule. ForceSent stays set
// until the next scheduled send; it is reverted when the forced send fails.
// LastBroadcast is left alone so the regular grid is unaffected.
//
// Only the load and the flag write hold sendMu. The send and its retry delays
// run unlocked so polls and catch-up keep going meanwhile.
func (s *Scheduler) ForceSend(ctx context.Context, id string) (transport.MessageRef, error) {
	b, err := s.markForced(ctx, id)
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("force send %s: %w", id, err)
	}
	log := s.log.With(logx.String("id", id), logx.Int64("group_id", b.GroupID), logx.String("trigger", "force"))

	var ref transport.MessageRef
	err = s.policy.Do(ctx, func(ctx context.Context) error {
		var serr error
		ref, serr = s.platform.SendMessage(ctx, b.GroupID, b.Content)
		return serr
	})
	if err != nil {
		s.metrics.BroadcastsSent.WithLabelValues("force", "failed").Inc()
		s.sendFailed(log, b, err)
		if rerr := s.store.SetBroadcastForceSent(context.WithoutCancel(ctx), id, false); rerr != nil {
			log.Error("force-sent flag not reverted", logx.Err(rerr))
		}
		return transport.MessageRef{}, fmt.Errorf("force send %s: %w", id, err)
	}
	s.metrics.BroadcastsSent.WithLabelValues("force", "ok").Inc()
	log.Info("broadcast force-sent", logx.Int("message_id", ref.MessageID))
	if s.deleter != nil {
		s.deleter.ScheduleRef(ctx, ref, model.TypeBroadcast)
	}
	return ref, nil
}

func (s *Scheduler) markForced(ctx context.Context, id string) (model.Broadcast, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	b, err := s.store.GetBroadcast(ctx, id)
	if err != nil {
		return model.Broadcast{}, err
	}
	if err := s.store.SetBroadcastForceSent(ctx, id, true); err != nil {
		return model.Broadcast{}, err
	}
	b.ForceSent = true
	return b, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (model.Broadcast, error) {
	return s.store.GetBroadcast(ctx, id)
}

// List returns the broadcasts of a group, or all of them for groupID 0.
func (s *Scheduler) List(ctx context.Context, groupID int64) ([]model.Broadcast, error) {
	return s.store.ListBroadcasts(ctx, groupID)
}

// IsNotFound reports whether err means the broadcast does not exist.
func IsNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
