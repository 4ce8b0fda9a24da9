package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupkeeper/internal/model"
	"groupkeeper/internal/storage"
	"groupkeeper/internal/transport"
	"groupkeeper/internal/transport/fake"
	logx "groupkeeper/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T) (*Service, storage.Store, *fake.Platform, *clock) {
	t.Helper()
	st := storage.NewMemory()
	p := fake.NewPlatform()
	clk := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	return New(st, p, logx.Nop(), WithTTL(time.Minute), WithClock(clk.now)), st, p, clk
}

func TestGroupDefaultsAndCaching(t *testing.T) {
	t.Parallel()
	s, st, _, clk := newService(t)
	ctx := context.Background()

	gs, err := s.Group(ctx, -1)
	require.NoError(t, err)
	assert.True(t, gs.AutoDelete)

	// A direct store write stays invisible until the entry expires.
	require.NoError(t, st.SaveGroupSettings(ctx, model.GroupSettings{GroupID: -1, AutoDelete: false}))
	gs, _ = s.Group(ctx, -1)
	assert.True(t, gs.AutoDelete)

	clk.advance(time.Minute)
	gs, _ = s.Group(ctx, -1)
	assert.False(t, gs.AutoDelete)
}

func TestUpdateInvalidates(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newService(t)
	ctx := context.Background()
	_, err := s.Group(ctx, -1)
	require.NoError(t, err)

	_, err = s.Update(ctx, -1, func(gs *model.GroupSettings) { gs.AutoDelete = false })
	require.NoError(t, err)
	gs, err := s.Group(ctx, -1)
	require.NoError(t, err)
	assert.False(t, gs.AutoDelete)
}

func TestMemberCacheAndInvalidateAll(t *testing.T) {
	t.Parallel()
	s, _, p, _ := newService(t)
	ctx := context.Background()
	p.SetMember(-1, transport.ChatMember{UserID: 7, Role: transport.RoleAdministrator})

	for i := 0; i < 3; i++ {
		m, err := s.Member(ctx, -1, 7)
		require.NoError(t, err)
		assert.True(t, m.IsAdmin())
	}
	assert.Equal(t, 1, p.MemberCalls())

	s.InvalidateAll()
	assert.Equal(t, 0, s.Len())
	_, err := s.Member(ctx, -1, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, p.MemberCalls())
}

func TestMemberErrorsNotCached(t *testing.T) {
	t.Parallel()
	s, _, p, _ := newService(t)
	p.MemberErr = errors.New("boom")
	_, err := s.Member(context.Background(), -1, 7)
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestEvictExpired(t *testing.T) {
	t.Parallel()
	s, _, _, clk := newService(t)
	ctx := context.Background()
	_, _ = s.Group(ctx, -1)
	_, _ = s.Member(ctx, -1, 7)
	assert.Equal(t, 0, s.EvictExpired())
	clk.advance(2 * time.Minute)
	assert.Equal(t, 2, s.EvictExpired())
	assert.Equal(t, 0, s.Len())
}

func TestInvalidateGroup(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newService(t)
	ctx := context.Background()
	_, _ = s.Group(ctx, -1)
	_, _ = s.Member(ctx, -1, 7)
	_, _ = s.Member(ctx, -2, 7)
	s.Invalidate(-1)
	assert.Equal(t, 1, s.Len())
}

func TestEnsureSavesDefaultsOnce(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	svc := New(store, fake.NewPlatform(), logx.Nop())
	ctx := context.Background()

	require.NoError(t, svc.Ensure(ctx, -7))
	groups, err := store.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].AutoDelete)

	_, err = svc.Update(ctx, -7, func(gs *model.GroupSettings) { gs.AutoDelete = false })
	require.NoError(t, err)
	require.NoError(t, svc.Ensure(ctx, -7))
	gs, err := store.GetGroupSettings(ctx, -7)
	require.NoError(t, err)
	assert.False(t, gs.AutoDelete, "existing settings are kept")
}
