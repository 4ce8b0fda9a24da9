package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupkeeper/internal/model"
	"groupkeeper/internal/transport"
	logx "groupkeeper/pkg/logx"
)

// drivers runs fn against every store driver.
func drivers(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "gk.db"), BusyTimeout: time.Second, Location: time.UTC}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		fn(t, st)
	})
}

func TestGroupSettingsRoundTrip(t *testing.T) {
	drivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.GetGroupSettings(ctx, -100)
		require.ErrorIs(t, err, ErrNotFound)

		in := model.GroupSettings{
			GroupID:        -100,
			AutoDelete:     true,
			StatsEnabled:   false,
			Timeouts:       map[model.MessageType]int{model.TypeError: 15, model.TypeBroadcast: 3600},
			DefaultTimeout: 120,
		}
		require.NoError(t, st.SaveGroupSettings(ctx, in))
		got, err := st.GetGroupSettings(ctx, -100)
		require.NoError(t, err)
		assert.True(t, got.AutoDelete)
		assert.False(t, got.StatsEnabled)
		assert.Equal(t, in.Timeouts, got.Timeouts)
		assert.Equal(t, 120, got.DefaultTimeout)

		in.AutoDelete = false
		require.NoError(t, st.SaveGroupSettings(ctx, in))
		groups, err := st.ListGroups(ctx)
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.False(t, groups[0].AutoDelete)
	})
}

func TestBroadcastLifecycle(t *testing.T) {
	drivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		start := time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC)
		b := model.Broadcast{
			ID:              "b-1",
			GroupID:         -100,
			Content:         transport.Content{Text: "hello", Buttons: []transport.Button{{Text: "site", URL: "https://example.org"}}},
			StartTime:       start,
			EndTime:         start.Add(24 * time.Hour),
			RepeatType:      model.RepeatCustom,
			IntervalMinutes: 15,
			ScheduleTime:    "19:00",
			AnchorAt:        start,
			CreatedAt:       start,
		}
		require.NoError(t, st.CreateBroadcast(ctx, b))

		due, err := st.GetActiveBroadcasts(ctx, start.Add(10*time.Second))
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, b.Content, due[0].Content)

		sent := start.Add(40 * time.Second)
		require.NoError(t, st.SetBroadcastForceSent(ctx, b.ID, true))
		require.NoError(t, st.UpdateBroadcastLastSent(ctx, b.ID, sent))
		got, err := st.GetBroadcast(ctx, b.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastBroadcast)
		assert.True(t, got.LastBroadcast.Equal(sent))
		assert.False(t, got.ForceSent)

		due, err = st.GetActiveBroadcasts(ctx, start.Add(14*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, due)
		due, err = st.GetActiveBroadcasts(ctx, start.Add(15*time.Minute))
		require.NoError(t, err)
		assert.Len(t, due, 1)

		require.NoError(t, st.ResetBroadcastLastSent(ctx, b.ID))
		got, err = st.GetBroadcast(ctx, b.ID)
		require.NoError(t, err)
		assert.Nil(t, got.LastBroadcast)

		assert.ErrorIs(t, st.ResetBroadcastLastSent(ctx, "missing"), ErrNotFound)
		_, err = st.GetBroadcast(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := st.ListBroadcasts(ctx, -200)
		require.NoError(t, err)
		assert.Empty(t, list)
		list, err = st.ListBroadcasts(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestSQLiteDailyBroadcastAcrossDST(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "gk.db"), Location: berlin}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	start := time.Date(2026, 3, 27, 19, 0, 0, 0, berlin)
	sent := time.Date(2026, 3, 28, 19, 0, 40, 0, berlin)
	require.NoError(t, st.CreateBroadcast(ctx, model.Broadcast{
		ID:              "daily",
		GroupID:         -100,
		Content:         transport.Content{Text: "evening"},
		StartTime:       start,
		EndTime:         start.AddDate(0, 0, 10),
		RepeatType:      model.RepeatDaily,
		IntervalMinutes: 24 * 60,
		ScheduleTime:    "19:00",
		AnchorAt:        start,
		LastBroadcast:   &sent,
		CreatedAt:       start,
	}))

	// 2026-03-29 is the spring-forward day; 19:00 CEST is 17:00 UTC.
	due, err := st.GetActiveBroadcasts(ctx, time.Date(2026, 3, 29, 16, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = st.GetActiveBroadcasts(ctx, time.Date(2026, 3, 29, 17, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "19:00", due[0].AnchorAt.Format("15:04"))
}

func TestSystemFlags(t *testing.T) {
	drivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, ok, err := st.GetSystemFlag(ctx, model.SystemRunMarker)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, st.SetSystemFlag(ctx, model.SystemRunMarker, "a"))
		require.NoError(t, st.SetSystemFlag(ctx, model.SystemRunMarker, "b"))
		v, ok, err := st.GetSystemFlag(ctx, model.SystemRunMarker)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "b", v)
	})
}

func TestMessageStats(t *testing.T) {
	drivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		const g = int64(-100)
		require.NoError(t, st.IncrementMessageStat(ctx, g, 1, "2026-03-01", 3))
		require.NoError(t, st.IncrementMessageStat(ctx, g, 1, "2026-03-01", 1))
		require.NoError(t, st.IncrementMessageStat(ctx, g, 2, "2026-03-02", 4))
		require.NoError(t, st.IncrementMessageStat(ctx, g, 2, "2026-03-05", 100))

		r := model.DayRange{From: "2026-03-01", To: "2026-03-05"}
		totals, err := st.GetDailyMessageTotals(ctx, g, r)
		require.NoError(t, err)
		assert.Equal(t, []model.DailyTotal{{Date: "2026-03-01", Total: 4}, {Date: "2026-03-02", Total: 4}}, totals)

		shares, err := st.GetUserMessageShares(ctx, g, r)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, shares[1], 1e-9)
		assert.InDelta(t, 0.5, shares[2], 1e-9)

		ok, err := st.InsertMessageStat(ctx, model.MessageStat{GroupID: g, UserID: 1, Date: "2026-03-01", Count: 9, Recovered: true})
		require.NoError(t, err)
		assert.False(t, ok, "observed row already exists")
		ok, err = st.InsertMessageStat(ctx, model.MessageStat{GroupID: g, UserID: 1, Date: "2026-03-03", Count: 9, Recovered: true})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = st.InsertMessageStat(ctx, model.MessageStat{GroupID: g, UserID: 1, Date: "2026-03-03", Count: 9, Recovered: true})
		require.NoError(t, err)
		assert.False(t, ok)

		// Recovered rows never feed the totals.
		totals, err = st.GetDailyMessageTotals(ctx, g, r)
		require.NoError(t, err)
		assert.Len(t, totals, 2)

		n, err := st.CountMessageStats(ctx, g, model.StatsRecovered)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = st.CountMessageStats(ctx, g, model.StatsObserved)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		n, err = st.CountMessageStats(ctx, g, model.StatsAll)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres"}, logx.Logger{})
	require.ErrorIs(t, err, ErrUnknownDriver)
	assert.Contains(t, err.Error(), "memory, sqlite, sqlite3")

	_, err = Open(Config{Driver: "sqlite"}, logx.Logger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open sqlite store")

	st, err := Open(Config{Driver: " Memory "}, logx.Logger{})
	require.NoError(t, err)
	assert.NoError(t, st.Close())
}
