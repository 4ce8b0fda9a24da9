package model

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(h, m, s int) time.Time {
	return time.Date(2026, 3, 10, h, m, s, 0, time.UTC)
}

func recurring(interval int) Broadcast {
	start := at(19, 0, 0)
	anchor, _ := AnchorOf(start, ScheduleTimeOf(start, time.UTC), time.UTC)
	return Broadcast{
		ID:              "b1",
		GroupID:         -100,
		StartTime:       start,
		EndTime:         start.Add(24 * time.Hour),
		RepeatType:      RepeatCustom,
		IntervalMinutes: interval,
		ScheduleTime:    "19:00",
		AnchorAt:        anchor,
	}
}

func TestNextFireKeepsAnchor(t *testing.T) {
	t.Parallel()
	b := recurring(15)
	assert.Equal(t, at(19, 15, 0), b.NextFire(at(19, 0, 40)))
	assert.Equal(t, at(19, 30, 0), b.NextFire(at(19, 15, 59)))
	assert.Equal(t, at(19, 0, 0), b.NextFire(at(18, 59, 0)))
}

func TestIsDueIdempotent(t *testing.T) {
	t.Parallel()
	b := recurring(15)
	last := at(19, 0, 40)
	b.LastBroadcast = &last

	for _, now := range []time.Time{at(19, 14, 59), at(19, 15, 0), at(19, 15, 30)} {
		first := b.IsDue(now)
		assert.Equal(t, first, b.IsDue(now), "now=%s", now)
	}
	assert.False(t, b.IsDue(at(19, 14, 59)))
	assert.True(t, b.IsDue(at(19, 15, 0)))
}

func TestIsDueWindow(t *testing.T) {
	t.Parallel()
	b := recurring(60)
	assert.False(t, b.IsDue(at(18, 59, 0)), "before start")
	assert.True(t, b.IsDue(at(19, 0, 5)), "never sent")
	assert.False(t, b.IsDue(b.EndTime), "end is exclusive")
}

func TestIsDueOnce(t *testing.T) {
	t.Parallel()
	b := recurring(0)
	b.RepeatType = RepeatOnce
	b.EndTime = b.StartTime
	assert.False(t, b.IsDue(at(18, 0, 0)))
	assert.True(t, b.IsDue(at(21, 0, 0)))
	sent := at(19, 0, 1)
	b.LastBroadcast = &sent
	assert.False(t, b.IsDue(at(21, 0, 0)))
}

func TestGridPointAtOrAfter(t *testing.T) {
	t.Parallel()
	b := recurring(15)
	assert.Equal(t, at(19, 15, 0), b.GridPointAtOrAfter(at(19, 15, 0)))
	assert.Equal(t, at(19, 30, 0), b.GridPointAtOrAfter(at(19, 15, 1)))
	assert.Equal(t, at(19, 0, 0), b.GridPointAtOrAfter(at(10, 0, 0)))
}

func dailyIn(t *testing.T, zone string, start time.Time) Broadcast {
	t.Helper()
	loc, err := time.LoadLocation(zone)
	require.NoError(t, err)
	start = time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), start.Minute(), 0, 0, loc)
	anchor, err := AnchorOf(start, ScheduleTimeOf(start, loc), loc)
	require.NoError(t, err)
	return Broadcast{
		ID:              "daily",
		StartTime:       start,
		EndTime:         start.AddDate(0, 1, 0),
		RepeatType:      RepeatDaily,
		IntervalMinutes: 24 * 60,
		ScheduleTime:    ScheduleTimeOf(start, loc),
		AnchorAt:        anchor,
	}
}

func TestNextFireFollowsLocalClockAcrossDST(t *testing.T) {
	t.Parallel()
	b := dailyIn(t, "Europe/Berlin", time.Date(2026, 3, 27, 19, 0, 0, 0, time.UTC))
	loc := b.AnchorAt.Location()

	// Spring forward on 2026-03-29.
	next := b.NextFire(time.Date(2026, 3, 28, 19, 0, 40, 0, loc))
	assert.Equal(t, "2026-03-29 19:00", next.In(loc).Format("2006-01-02 15:04"))
	next = b.NextFire(next.Add(30 * time.Second))
	assert.Equal(t, "2026-03-30 19:00", next.In(loc).Format("2006-01-02 15:04"))

	// Fall back on 2026-10-25.
	b = dailyIn(t, "Europe/Berlin", time.Date(2026, 10, 20, 19, 0, 0, 0, time.UTC))
	next = b.NextFire(time.Date(2026, 10, 24, 19, 0, 10, 0, loc))
	assert.Equal(t, "2026-10-25 19:00", next.In(loc).Format("2006-01-02 15:04"))

	assert.Equal(t, "2026-10-26 19:00",
		b.GridPointAtOrAfter(time.Date(2026, 10, 25, 19, 0, 1, 0, loc)).In(loc).Format("2006-01-02 15:04"))
}

func TestSubDayGridAcrossDST(t *testing.T) {
	t.Parallel()
	b := dailyIn(t, "Europe/Berlin", time.Date(2026, 3, 28, 19, 0, 0, 0, time.UTC))
	b.RepeatType = RepeatHourly
	b.IntervalMinutes = 60
	loc := b.AnchorAt.Location()

	// 02:00 does not exist on 2026-03-29; the grid goes 01:00, 03:00.
	next := b.NextFire(time.Date(2026, 3, 29, 1, 0, 5, 0, loc))
	assert.Equal(t, "03:00", next.In(loc).Format("15:04"))
	assert.Equal(t, time.Hour, next.Sub(time.Date(2026, 3, 29, 1, 0, 0, 0, loc)))

	next = b.NextFire(time.Date(2026, 3, 29, 18, 30, 0, 0, loc))
	assert.Equal(t, "2026-03-29 19:00", next.In(loc).Format("2006-01-02 15:04"))
}

func TestIrregularIntervalStepsAbsolute(t *testing.T) {
	t.Parallel()
	b := dailyIn(t, "Europe/Berlin", time.Date(2026, 3, 28, 19, 0, 0, 0, time.UTC))
	b.RepeatType = RepeatCustom
	b.IntervalMinutes = 7 * 60
	start := b.Anchor()

	next := b.NextFire(start.Add(15 * time.Hour))
	assert.Equal(t, start.Add(21*time.Hour), next)
}

func TestAnchorOfUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	start := time.Date(2026, 3, 10, 12, 5, 30, 0, time.UTC)
	st := ScheduleTimeOf(start, loc)
	require.Equal(t, "19:05", st)
	anchor, err := AnchorOf(start, st, loc)
	require.NoError(t, err)
	assert.True(t, anchor.Equal(time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)))

	_, err = AnchorOf(start, "25:00", loc)
	assert.Error(t, err)
}

func TestMessageTypeRoundTrip(t *testing.T) {
	t.Parallel()
	for _, mt := range MessageTypes() {
		got, err := ParseMessageType(mt.String())
		require.NoError(t, err)
		assert.Equal(t, mt, got)
	}
	_, err := ParseMessageType("sticker")
	assert.Error(t, err)
	assert.Equal(t, 24*time.Hour, TypeBroadcast.DefaultTimeout())
}

func TestDateRangeDays(t *testing.T) {
	t.Parallel()
	r := DateRange{From: time.Date(2026, 3, 8, 22, 0, 0, 0, time.UTC), To: time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)}
	assert.Equal(t, []string{"2026-03-08", "2026-03-09", "2026-03-10"}, r.Days(time.UTC))
	assert.Nil(t, DateRange{From: r.To, To: r.From}.Days(time.UTC))
}
