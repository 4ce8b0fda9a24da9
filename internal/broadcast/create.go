package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"groupkeeper/internal/model"
	"groupkeeper/internal/transport"
	logx "groupkeeper/pkg/logx"
)

// ErrInvalid wraps every rejection of a broadcast draft.
var ErrInvalid = errors.New("invalid broadcast")

// DefaultMinInterval is the floor for custom intervals.
const DefaultMinInterval = 5 * time.Minute

// Draft is a broadcast before validation.
type Draft struct {
	GroupID         int64
	Content         transport.Content
	StartTime       time.Time
	EndTime         time.Time
	RepeatType      model.RepeatType
	IntervalMinutes int
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate turns d into a storable broadcast. The schedule time and anchor are
// taken from StartTime here and never recomputed.
func (s *Scheduler) Validate(d Draft) (model.Broadcast, error) {
	if d.GroupID == 0 {
		return model.Broadcast{}, invalid("group is required")
	}
	if d.Content.Empty() {
		return model.Broadcast{}, invalid("content needs text, media or buttons")
	}
	if d.Content.MediaRef != "" && d.Content.MediaKind == transport.MediaNone {
		return model.Broadcast{}, invalid("media reference without media kind")
	}
	for _, b := range d.Content.Buttons {
		if b.Text == "" || b.URL == "" {
			return model.Broadcast{}, invalid("button needs text and url")
		}
	}
	if d.StartTime.IsZero() {
		return model.Broadcast{}, invalid("start time is required")
	}

	rt := d.RepeatType
	if rt == "" {
		rt = model.RepeatOnce
	}
	if _, err := model.ParseRepeatType(string(rt)); err != nil {
		return model.Broadcast{}, invalid("%v", err)
	}

	interval := d.IntervalMinutes
	end := d.EndTime
	switch rt {
	case model.RepeatOnce:
		interval = 0
		end = d.StartTime
	case model.RepeatHourly:
		interval = 60
	case model.RepeatDaily:
		interval = 24 * 60
	case model.RepeatCustom:
		if interval <= 0 {
			return model.Broadcast{}, invalid("custom repeat needs a positive interval")
		}
	}
	if rt != model.RepeatOnce {
		if time.Duration(interval)*time.Minute < s.minInterval {
			return model.Broadcast{}, invalid("interval %dm is below the %s floor", interval, s.minInterval)
		}
		if !end.After(d.StartTime) {
			return model.Broadcast{}, invalid("end time must be after start time")
		}
	}

	st := model.ScheduleTimeOf(d.StartTime, s.loc)
	anchor, err := model.AnchorOf(d.StartTime, st, s.loc)
	if err != nil {
		return model.Broadcast{}, invalid("%v", err)
	}
	return model.Broadcast{
		ID:              uuid.NewString(),
		GroupID:         d.GroupID,
		Content:         d.Content,
		StartTime:       d.StartTime,
		EndTime:         end,
		RepeatType:      rt,
		IntervalMinutes: interval,
		ScheduleTime:    st,
		AnchorAt:        anchor,
		CreatedAt:       s.now(),
	}, nil
}

// Create validates and stores a new broadcast.
func (s *Scheduler) Create(ctx context.Context, d Draft) (model.Broadcast, error) {
	b, err := s.Validate(d)
	if err != nil {
		return model.Broadcast{}, err
	}
	if err := s.store.CreateBroadcast(ctx, b); err != nil {
		return model.Broadcast{}, fmt.Errorf("store broadcast: %w", err)
	}
	s.log.Info("broadcast created",
		logx.String("id", b.ID),
		logx.Int64("group_id", b.GroupID),
		logx.String("repeat", string(b.RepeatType)),
		logx.Int("interval_min", b.IntervalMinutes),
		logx.String("schedule_time", b.ScheduleTime),
	)
	return b, nil
}
