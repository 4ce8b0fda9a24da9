package model

import (
	"fmt"
	"strings"
	"time"

	"groupkeeper/internal/transport"
)

type RepeatType string

const (
	RepeatOnce   RepeatType = "once"
	RepeatHourly RepeatType = "hourly"
	RepeatDaily  RepeatType = "daily"
	RepeatCustom RepeatType = "custom"
)

func ParseRepeatType(s string) (RepeatType, error) {
	switch r := RepeatType(strings.ToLower(strings.TrimSpace(s))); r {
	case RepeatOnce, RepeatHourly, RepeatDaily, RepeatCustom:
		return r, nil
	default:
		return "", fmt.Errorf("unknown repeat type %q", s)
	}
}

// Broadcast is a persisted recurring (or one-shot) group message.
//
// ScheduleTime (HH:MM) and AnchorAt are fixed at creation from StartTime and never
// recomputed from "now". Every fire time lies on the grid AnchorAt + k*Interval,
// counted in AnchorAt's local clock when Interval divides a day.
type Broadcast struct {
	ID              string
	GroupID         int64
	Content         transport.Content
	StartTime       time.Time
	EndTime         time.Time
	RepeatType      RepeatType
	IntervalMinutes int
	ScheduleTime    string
	AnchorAt        time.Time
	LastBroadcast   *time.Time
	ForceSent       bool
	CreatedAt       time.Time
}

func (b Broadcast) Once() bool { return b.RepeatType == RepeatOnce }

func (b Broadcast) Interval() time.Duration {
	return time.Duration(b.IntervalMinutes) * time.Minute
}

// Anchor returns the first grid point.
func (b Broadcast) Anchor() time.Time {
	if !b.AnchorAt.IsZero() {
		return b.AnchorAt
	}
	return b.StartTime.Truncate(time.Minute)
}

// InWindow reports StartTime <= now < EndTime.
func (b Broadcast) InWindow(now time.Time) bool {
	return !now.Before(b.StartTime) && now.Before(b.EndTime)
}

// NextFire returns the first grid point after the grid slot containing last.
// A send that ran late (19:00:40 on a 15 minute grid anchored at 19:00) still
// yields 19:15, so scheduler jitter never shifts the cadence.
func (b Broadcast) NextFire(last time.Time) time.Time {
	anchor := b.Anchor()
	if b.Interval() <= 0 {
		return time.Time{}
	}
	if last.Before(anchor) {
		return anchor
	}
	p := b.gridFloor(last)
	return b.gridStep(p)
}

// GridPointAtOrAfter returns the first grid point >= t.
func (b Broadcast) GridPointAtOrAfter(t time.Time) time.Time {
	anchor := b.Anchor()
	if b.Interval() <= 0 || !t.After(anchor) {
		return anchor
	}
	p := b.gridFloor(t)
	if p.Before(t) {
		p = b.gridStep(p)
	}
	return p
}

// wallClock reports whether the grid follows the anchor's local clock.
// Intervals that divide a day keep their HH:MM slots across DST changes;
// anything else is stepped in absolute time.
func (b Broadcast) wallClock() bool {
	iv := b.Interval()
	return iv > 0 && (24*time.Hour)%iv == 0
}

// daySlot returns slot k of the grid day that starts on the calendar day of d.
func (b Broadcast) daySlot(d time.Time, k int) time.Time {
	anchor := b.Anchor()
	return time.Date(d.Year(), d.Month(), d.Day(), anchor.Hour(), anchor.Minute()+k*b.IntervalMinutes, 0, 0, anchor.Location())
}

// wallIndex locates t on the wall-clock grid: the local date whose slot 0 is
// the last day start <= t, and the index of the last slot <= t on that day.
func (b Broadcast) wallIndex(t time.Time) (time.Time, int) {
	anchor := b.Anchor()
	lt := t.In(anchor.Location())
	day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, anchor.Location())
	if b.daySlot(day, 0).After(t) {
		day = day.AddDate(0, 0, -1)
	}
	n := int(24 * time.Hour / b.Interval())
	k := int(t.Sub(b.daySlot(day, 0)) / b.Interval())
	if k >= n {
		k = n - 1
	}
	for k > 0 && b.daySlot(day, k).After(t) {
		k--
	}
	for k+1 < n && !b.daySlot(day, k+1).After(t) {
		k++
	}
	return day, k
}

// gridFloor returns the last grid point <= t. t must not precede the anchor.
func (b Broadcast) gridFloor(t time.Time) time.Time {
	anchor := b.Anchor()
	iv := b.Interval()
	if !b.wallClock() {
		return anchor.Add(t.Sub(anchor) / iv * iv)
	}
	day, k := b.wallIndex(t)
	if p := b.daySlot(day, k); p.After(anchor) {
		return p
	}
	return anchor
}

// gridStep returns the grid point following p.
func (b Broadcast) gridStep(p time.Time) time.Time {
	if !b.wallClock() {
		return p.Add(b.Interval())
	}
	day, k := b.wallIndex(p)
	n := int(24 * time.Hour / b.Interval())
	// A skipped local hour folds two slots onto one instant.
	for k++; k < n; k++ {
		if next := b.daySlot(day, k); next.After(p) {
			return next
		}
	}
	return b.daySlot(day.AddDate(0, 0, 1), 0)
}

// IsDue is the scheduling predicate. It is a pure function of b and now.
func (b Broadcast) IsDue(now time.Time) bool {
	if b.Once() {
		return b.LastBroadcast == nil && !now.Before(b.StartTime)
	}
	if !b.InWindow(now) || b.IntervalMinutes <= 0 {
		return false
	}
	if b.LastBroadcast == nil {
		return true
	}
	return !now.Before(b.NextFire(*b.LastBroadcast))
}

// ScheduleTimeOf formats the HH:MM anchor of t in loc.
func ScheduleTimeOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("15:04")
}

// AnchorOf pins hh:mm on the calendar day of t (in loc).
func AnchorOf(t time.Time, scheduleTime string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	hm, err := time.ParseInLocation("15:04", strings.TrimSpace(scheduleTime), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule time %q: %w", scheduleTime, err)
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), hm.Hour(), hm.Minute(), 0, 0, loc), nil
}
