package broadcast

import (
	"context"
	"fmt"
	"time"

	"groupkeeper/internal/model"
	logx "groupkeeper/pkg/logx"
)

// Catch-up outcomes.
const (
	CatchUpOnTime  = "on_time"
	CatchUpSent    = "sent"
	CatchUpFailed  = "failed"
	CatchUpExpired = "expired"
)

// CatchUpResult describes what recovery did with one broadcast.
type CatchUpResult struct {
	ID       string
	Missed   int // whole intervals missed beyond the expected fire
	Outcome  string
	NextFire time.Time // zero for one-shots and finished broadcasts
}

// CatchUp realigns every broadcast after a gap in execution. A broadcast whose
// expected fire time passed is sent exactly once, however many intervals were
// missed, and then continues on its grid. One-shots that were never sent are
// sent now.
func (s *Scheduler) CatchUp(ctx context.Context) ([]CatchUpResult, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	now := s.now()
	all, err := s.store.ListBroadcasts(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load broadcasts: %w", err)
	}
	var out []CatchUpResult
	for _, b := range all {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		r, act := s.plan(b, now)
		if !act {
			if r.Outcome != "" {
				out = append(out, r)
			}
			continue
		}
		if err := s.fire(ctx, b, "catch_up"); err != nil {
			r.Outcome = CatchUpFailed
		} else {
			r.Outcome = CatchUpSent
			if !b.Once() {
				r.NextFire = b.NextFire(s.now())
			}
		}
		s.log.Info("broadcast caught up",
			logx.String("id", b.ID),
			logx.Int("missed", r.Missed),
			logx.String("outcome", r.Outcome),
			logx.Time("next_fire", r.NextFire),
		)
		out = append(out, r)
	}
	return out, nil
}

// plan decides whether b needs a catch-up send at now.
func (s *Scheduler) plan(b model.Broadcast, now time.Time) (CatchUpResult, bool) {
	r := CatchUpResult{ID: b.ID}
	if b.Once() {
		if b.LastBroadcast == nil && !now.Before(b.StartTime) {
			return r, true
		}
		return r, false
	}
	if b.IntervalMinutes <= 0 || now.Before(b.StartTime) {
		return r, false
	}
	if !now.Before(b.EndTime) {
		r.Outcome = CatchUpExpired
		return r, false
	}
	expected := b.GridPointAtOrAfter(b.StartTime)
	if b.LastBroadcast != nil {
		expected = b.NextFire(*b.LastBroadcast)
	}
	if now.Before(expected) {
		r.Outcome = CatchUpOnTime
		r.NextFire = expected
		return r, false
	}
	r.Missed = int(now.Sub(expected) / b.Interval())
	return r, true
}

// Lags reports, per recurring broadcast in its window, how far now is past its
// next expected fire time. Broadcasts that are not late are omitted.
func (s *Scheduler) Lags(ctx context.Context) (map[string]time.Duration, error) {
	now := s.now()
	all, err := s.store.ListBroadcasts(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := map[string]time.Duration{}
	for _, b := range all {
		if b.Once() || b.LastBroadcast == nil || !b.InWindow(now) {
			continue
		}
		if lag := now.Sub(b.NextFire(*b.LastBroadcast)); lag > 0 {
			out[b.ID] = lag
		}
	}
	return out, nil
}
