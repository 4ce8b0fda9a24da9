package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupkeeper/internal/eventbus"
	"groupkeeper/internal/model"
	"groupkeeper/internal/storage"
	"groupkeeper/internal/transport"
	"groupkeeper/internal/transport/fake"
	logx "groupkeeper/pkg/logx"
)

const (
	group = int64(-1001)
	botID = int64(777)
)

var now = time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

type env struct {
	store    storage.Store
	platform *fake.Platform
	rec      *Recoverer
	bus      eventbus.Bus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: storage.NewMemory(), platform: fake.NewPlatform(), bus: eventbus.New()}
	t.Cleanup(func() { _ = e.store.Close() })
	e.platform.SetMember(group, transport.ChatMember{UserID: botID, Role: transport.RoleAdministrator})
	e.rec = New(Config{Location: time.UTC}, e.store, e.platform, logx.Nop(),
		WithClock(func() time.Time { return now }),
		WithBotID(func() int64 { return botID }),
		WithBus(e.bus),
	)
	return e
}

// seed: 40 messages on 03-15 and 20 on 03-16, user 1 sends 50 of the 60.
func (e *env) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.SaveGroupSettings(ctx, model.DefaultGroupSettings(group)))
	require.NoError(t, e.store.IncrementMessageStat(ctx, group, 1, "2026-03-15", 30))
	require.NoError(t, e.store.IncrementMessageStat(ctx, group, 2, "2026-03-15", 10))
	require.NoError(t, e.store.IncrementMessageStat(ctx, group, 1, "2026-03-16", 20))
}

func (e *env) setLastRun(t *testing.T, at time.Time) {
	t.Helper()
	require.NoError(t, e.store.SetSystemFlag(context.Background(), model.SystemRunMarker, at.Format(time.RFC3339Nano)))
}

func (e *env) marker(t *testing.T) time.Time {
	t.Helper()
	raw, ok, err := e.store.GetSystemFlag(context.Background(), model.SystemRunMarker)
	require.NoError(t, err)
	require.True(t, ok)
	at, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	return at
}

func (e *env) recovered(t *testing.T) int {
	t.Helper()
	n, err := e.store.CountMessageStats(context.Background(), group, model.StatsRecovered)
	require.NoError(t, err)
	return n
}

func TestFirstRunOnlyWritesMarker(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t)

	rep, err := e.rec.Recover(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.FirstRun)
	assert.Zero(t, e.recovered(t))
	assert.True(t, e.marker(t).Equal(now))
}

func TestShortDowntimeIsSkipped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t)
	e.setLastRun(t, now.Add(-2*time.Minute))

	rep, err := e.rec.Recover(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Zero(t, rep.RowsInserted)
	assert.Zero(t, e.recovered(t))
	assert.True(t, e.marker(t).Equal(now), "marker still moves forward")
}

func TestDowntimeIsCapped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t)
	e.setLastRun(t, now.Add(-90*time.Hour))

	rep, err := e.rec.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90*time.Hour, rep.Downtime)
	assert.Equal(t, 48*time.Hour, rep.Window.To.Sub(rep.Window.From))
	assert.True(t, rep.Window.To.Equal(now))

	// 03-18, 03-19 and 03-20, two users each.
	assert.Equal(t, 1, rep.GroupsProcessed)
	assert.Equal(t, 6, rep.RowsInserted)
	assert.Equal(t, 6, e.recovered(t))

	// avg 30/day, shares 5/6 and 1/6.
	totals, err := e.store.GetDailyMessageTotals(context.Background(), group, model.DayRange{From: "2026-03-18", To: "2026-03-21"})
	require.NoError(t, err)
	assert.Empty(t, totals, "recovered rows never count as observed")
	shares, err := e.store.GetUserMessageShares(context.Background(), group, model.DayRange{From: "2026-03-01", To: "2026-03-21"})
	require.NoError(t, err)
	assert.InDelta(t, 50.0/60, shares[1], 1e-9)
}

func TestAverageSkipsQuietDays(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t)

	// Ten-day lookback ending 03-17 holds two days with traffic.
	avg, err := e.rec.averageDaily(context.Background(), group, time.Date(2026, 3, 16, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.InDelta(t, 30.0, avg, 1e-9)

	avg, err = e.rec.averageDaily(context.Background(), group, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, avg)
}

func TestRecoveryRowCounts(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t)
	e.setLastRun(t, now.Add(-6*time.Hour))

	_, err := e.rec.Recover(context.Background())
	require.NoError(t, err)

	ok, err := e.store.InsertMessageStat(context.Background(), model.MessageStat{GroupID: group, UserID: 1, Date: "2026-03-20", Count: 1})
	require.NoError(t, err)
	assert.False(t, ok, "a recovered row already occupies the slot")
	assert.Equal(t, 2, e.recovered(t))
}

func TestRecoverTwiceWritesNoDuplicates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t)
	last := now.Add(-30 * time.Hour)

	e.setLastRun(t, last)
	first, err := e.rec.Recover(context.Background())
	require.NoError(t, err)
	require.Positive(t, first.RowsInserted)

	// A crash before the marker moved looks like the same downtime again.
	e.setLastRun(t, last)
	second, err := e.rec.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.RowsInserted)
	assert.Equal(t, first.RowsInserted, e.recovered(t))
}

func TestGroupSelection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		setup     func(e *env)
		processed int
		skipped   int
	}{
		{
			name: "bot not admin",
			setup: func(e *env) {
				e.platform.SetMember(group, transport.ChatMember{UserID: botID, Role: transport.RoleMember})
			},
			skipped: 1,
		},
		{
			name:      "admin check fails",
			setup:     func(e *env) { e.platform.MemberErr = transport.Timeout(errors.New("slow")) },
			processed: 1,
		},
		{
			name: "stats disabled",
			setup: func(e *env) {
				gs := model.DefaultGroupSettings(group)
				gs.StatsEnabled = false
				_ = e.store.SaveGroupSettings(context.Background(), gs)
			},
		},
		{
			name: "no traffic",
			setup: func(e *env) {
				_ = e.store.SaveGroupSettings(context.Background(), model.DefaultGroupSettings(-2002))
				e.platform.SetMember(-2002, transport.ChatMember{UserID: botID, Role: transport.RoleCreator})
			},
			processed: 1,
			skipped:   1,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			e.seed(t)
			tt.setup(e)
			e.setLastRun(t, now.Add(-3*time.Hour))

			rep, err := e.rec.Recover(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.processed, rep.GroupsProcessed)
			assert.Equal(t, tt.skipped, rep.GroupsSkipped)
		})
	}
}

func TestRecoverPublishesReport(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t)
	ch, unsub := e.bus.Subscribe(1, eventbus.StatsRecovered)
	defer unsub()
	e.setLastRun(t, now.Add(-time.Hour))

	rep, err := e.rec.Recover(context.Background())
	require.NoError(t, err)
	ev := <-ch
	assert.Equal(t, rep, ev.Data)
}

func TestHeartbeatMovesMarker(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, e.rec.Heartbeat(context.Background()))
	assert.True(t, e.marker(t).Equal(now))
}
