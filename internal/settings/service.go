// Package settings fronts the store with short-lived caches for group settings
// and chat-member lookups. Both caches must be invalidated after a clock drift,
// since their expiry is measured in wall time.
package settings

import (
	"context"
	"errors"
	"sync"
	"time"

	"groupkeeper/internal/model"
	"groupkeeper/internal/storage"
	"groupkeeper/internal/transport"
	logx "groupkeeper/pkg/logx"
)

const DefaultTTL = 5 * time.Minute

type memberKey struct {
	chatID, userID int64
}

type Service struct {
	store    storage.Store
	platform transport.Platform
	log      logx.Logger

	groups  *ttlCache[int64, model.GroupSettings]
	members *ttlCache[memberKey, transport.ChatMember]

	// known holds groups confirmed to have a stored settings row.
	known sync.Map
}

type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func New(store storage.Store, platform transport.Platform, log logx.Logger, opts ...Option) *Service {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		platform: platform,
		log:      log,
		groups:   newTTLCache[int64, model.GroupSettings](o.ttl, o.now),
		members:  newTTLCache[memberKey, transport.ChatMember](o.ttl, o.now),
	}
}

// Group returns the settings of groupID. Groups without saved settings get
// model.DefaultGroupSettings.
func (s *Service) Group(ctx context.Context, groupID int64) (model.GroupSettings, error) {
	if gs, ok := s.groups.get(groupID); ok {
		return gs, nil
	}
	gs, err := s.store.GetGroupSettings(ctx, groupID)
	if errors.Is(err, storage.ErrNotFound) {
		gs, err = model.DefaultGroupSettings(groupID), nil
	}
	if err != nil {
		return model.GroupSettings{}, err
	}
	s.groups.set(groupID, gs)
	return gs, nil
}

// Ensure stores default settings for a group seen for the first time, so
// store-wide walks (statistics recovery, sweeps) include it.
func (s *Service) Ensure(ctx context.Context, groupID int64) error {
	if _, ok := s.known.Load(groupID); ok {
		return nil
	}
	_, err := s.store.GetGroupSettings(ctx, groupID)
	if errors.Is(err, storage.ErrNotFound) {
		err = s.store.SaveGroupSettings(ctx, model.DefaultGroupSettings(groupID))
		if err == nil {
			s.log.Info("new group registered", logx.Int64("group_id", groupID))
		}
	}
	if err != nil {
		return err
	}
	s.known.Store(groupID, struct{}{})
	return nil
}

// Update loads, modifies and saves the settings of groupID, then drops the cached copy.
func (s *Service) Update(ctx context.Context, groupID int64, fn func(*model.GroupSettings)) (model.GroupSettings, error) {
	s.groups.delete(groupID)
	gs, err := s.Group(ctx, groupID)
	if err != nil {
		return model.GroupSettings{}, err
	}
	fn(&gs)
	gs.GroupID = groupID
	gs.UpdatedAt = time.Time{}
	if err := s.store.SaveGroupSettings(ctx, gs); err != nil {
		return model.GroupSettings{}, err
	}
	s.groups.delete(groupID)
	return gs, nil
}

// Member returns the chat member record, cached. Lookup errors are not cached.
func (s *Service) Member(ctx context.Context, chatID, userID int64) (transport.ChatMember, error) {
	k := memberKey{chatID: chatID, userID: userID}
	if m, ok := s.members.get(k); ok {
		return m, nil
	}
	if s.platform == nil {
		return transport.ChatMember{}, errors.New("settings: no platform for member lookup")
	}
	m, err := s.platform.GetChatMember(ctx, chatID, userID)
	if err != nil {
		return transport.ChatMember{}, err
	}
	s.members.set(k, m)
	return m, nil
}

// Invalidate drops every cached entry of one group.
func (s *Service) Invalidate(groupID int64) {
	s.groups.delete(groupID)
	s.members.deleteFunc(func(k memberKey) bool { return k.chatID == groupID })
}

func (s *Service) InvalidateAll() {
	s.groups.clear()
	s.members.clear()
	s.log.Debug("settings caches invalidated")
}

// EvictExpired removes expired entries and returns how many were dropped.
func (s *Service) EvictExpired() int {
	n := s.groups.evict() + s.members.evict()
	if n > 0 {
		s.log.Debug("settings cache evicted", logx.Int("entries", n))
	}
	return n
}

// Len returns the number of cached entries (expired ones included until evicted).
func (s *Service) Len() int {
	return s.groups.len() + s.members.len()
}
