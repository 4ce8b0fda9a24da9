// Package stats back-fills per-user message counters for the time the bot was
// not running.
//
// The estimate is a heuristic: an average observed day split across users by
// their recent share of traffic. Rows it writes carry Recovered=true and can
// always be told apart from observed counts.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"groupkeeper/internal/eventbus"
	"groupkeeper/internal/model"
	"groupkeeper/internal/observability"
	"groupkeeper/internal/transport"
	logx "groupkeeper/pkg/logx"
)

const (
	DefaultSkipBelow   = 5 * time.Minute
	DefaultMaxWindow   = 48 * time.Hour
	DefaultAverageDays = 10
	DefaultShareDays   = 30
)

type Config struct {
	// SkipBelow: shorter downtimes only move the run marker.
	SkipBelow time.Duration
	// MaxWindow caps how much downtime is estimated.
	MaxWindow   time.Duration
	AverageDays int
	ShareDays   int
	// Location decides calendar days.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.SkipBelow <= 0 {
		c.SkipBelow = DefaultSkipBelow
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = DefaultMaxWindow
	}
	if c.AverageDays <= 0 {
		c.AverageDays = DefaultAverageDays
	}
	if c.ShareDays <= 0 {
		c.ShareDays = DefaultShareDays
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Store is the part of storage.Store recovery reads and writes.
type Store interface {
	ListGroups(ctx context.Context) ([]model.GroupSettings, error)
	GetSystemFlag(ctx context.Context, name string) (string, bool, error)
	SetSystemFlag(ctx context.Context, name, value string) error
	GetDailyMessageTotals(ctx context.Context, groupID int64, r model.DayRange) ([]model.DailyTotal, error)
	GetUserMessageShares(ctx context.Context, groupID int64, r model.DayRange) (map[int64]float64, error)
	InsertMessageStat(ctx context.Context, row model.MessageStat) (bool, error)
}

// Report summarizes one recovery run.
type Report struct {
	FirstRun bool
	// Skipped is set when the downtime was below the skip threshold.
	Skipped  bool
	LastRun  time.Time
	Downtime time.Duration
	// Window is the estimated span, at most MaxWindow long and ending at the run time.
	Window          model.DateRange
	GroupsProcessed int
	GroupsSkipped   int
	RowsInserted    int
}

type Option func(*Recoverer)

func WithBus(b eventbus.Bus) Option { return func(r *Recoverer) { r.bus = b } }

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Recoverer) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recoverer) {
		if now != nil {
			r.now = now
		}
	}
}

// WithBotID supplies the bot account id used for the admin-standing check.
// Without it every group is assumed recoverable.
func WithBotID(id func() int64) Option { return func(r *Recoverer) { r.botID = id } }

type Recoverer struct {
	cfg      Config
	store    Store
	platform transport.Platform
	bus      eventbus.Bus
	metrics  *observability.Metrics
	log      logx.Logger
	now      func() time.Time
	botID    func() int64
}

func New(cfg Config, store Store, platform transport.Platform, log logx.Logger, opts ...Option) *Recoverer {
	r := &Recoverer{
		cfg:      cfg.withDefaults(),
		store:    store,
		platform: platform,
		log:      log.With(logx.String("comp", "stats.recovery")),
		now:      func() time.Time { return time.Now().Round(0) },
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.metrics == nil {
		r.metrics = observability.NewMetrics(nil)
	}
	return r
}

// Recover runs once at startup, before the bot handles traffic.
//
// The run marker is overwritten with the current time on every path that got
// as far as reading the group list, so a crash loop never estimates the same
// downtime twice. Per-group failures are logged and skipped.
func (r *Recoverer) Recover(ctx context.Context) (Report, error) {
	now := r.now()
	var rep Report

	raw, ok, err := r.store.GetSystemFlag(ctx, model.SystemRunMarker)
	if err != nil {
		return rep, fmt.Errorf("read run marker: %w", err)
	}
	if ok {
		rep.LastRun, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			r.log.Warn("unreadable run marker, treating as first run", logx.String("value", raw), logx.Err(err))
			ok = false
		}
	}
	if !ok {
		rep.FirstRun = true
		r.log.Info("no previous run recorded")
		return rep, r.mark(ctx, now)
	}

	rep.Downtime = now.Sub(rep.LastRun)
	r.metrics.StatsDowntime.Set(rep.Downtime.Seconds())
	if rep.Downtime < r.cfg.SkipBelow {
		rep.Skipped = true
		r.log.Debug("downtime below threshold", logx.Duration("downtime", rep.Downtime))
		return rep, r.mark(ctx, now)
	}

	span := rep.Downtime
	if span > r.cfg.MaxWindow {
		r.log.Warn("downtime capped", logx.Duration("downtime", rep.Downtime), logx.Duration("cap", r.cfg.MaxWindow))
		span = r.cfg.MaxWindow
	}
	rep.Window = model.DateRange{From: now.Add(-span), To: now}

	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return rep, fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		if !g.StatsEnabled {
			continue
		}
		n, err := r.recoverGroup(ctx, g.GroupID, rep.LastRun, rep.Window, span)
		switch {
		case errors.Is(err, errNoBasis):
			rep.GroupsSkipped++
		case err != nil:
			rep.GroupsSkipped++
			r.log.Warn("group recovery failed", logx.Int64("group", g.GroupID), logx.Err(err))
		default:
			rep.GroupsProcessed++
			rep.RowsInserted += n
		}
	}
	r.metrics.StatsRecoveredRows.Add(float64(rep.RowsInserted))

	if err := r.mark(ctx, now); err != nil {
		return rep, err
	}
	r.log.Info("downtime statistics recovered",
		logx.Duration("downtime", rep.Downtime),
		logx.Duration("window", span),
		logx.Int("groups", rep.GroupsProcessed),
		logx.Int("skipped", rep.GroupsSkipped),
		logx.Int("rows", rep.RowsInserted),
	)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.StatsRecovered, Time: now, Data: rep})
	}
	return rep, nil
}

var errNoBasis = errors.New("no basis for estimate")

func (r *Recoverer) recoverGroup(ctx context.Context, groupID int64, lastRun time.Time, window model.DateRange, span time.Duration) (int, error) {
	log := r.log.With(logx.Int64("group", groupID))
	if !r.canModerate(ctx, groupID, log) {
		log.Debug("bot is not an admin, skipping")
		return 0, errNoBasis
	}

	avg, err := r.averageDaily(ctx, groupID, lastRun)
	if err != nil {
		return 0, err
	}
	if avg <= 0 {
		log.Debug("no observed traffic to average")
		return 0, errNoBasis
	}
	shares, err := r.store.GetUserMessageShares(ctx, groupID, r.lookback(lastRun, r.cfg.ShareDays))
	if err != nil {
		return 0, fmt.Errorf("user shares: %w", err)
	}

	days := span.Hours() / 24
	inserted := 0
	for _, date := range window.Days(r.cfg.Location) {
		for userID, share := range shares {
			if share <= 0 {
				continue
			}
			count := int(math.Round(avg * days * share / days))
			if count <= 0 {
				continue
			}
			ok, err := r.store.InsertMessageStat(ctx, model.MessageStat{
				GroupID:   groupID,
				UserID:    userID,
				Date:      date,
				Count:     count,
				Recovered: true,
			})
			if err != nil {
				return inserted, fmt.Errorf("insert %s/%d: %w", date, userID, err)
			}
			if ok {
				inserted++
			}
		}
	}
	return inserted, nil
}

// canModerate checks the bot's standing. A failed lookup counts as yes: a
// transient error must not silently drop a group's data.
func (r *Recoverer) canModerate(ctx context.Context, groupID int64, log logx.Logger) bool {
	if r.botID == nil || r.platform == nil {
		return true
	}
	id := r.botID()
	if id == 0 {
		return true
	}
	m, err := r.platform.GetChatMember(ctx, groupID, id)
	if err != nil {
		log.Warn("admin check failed, assuming recoverable", logx.Err(err))
		return true
	}
	return m.IsAdmin()
}

// averageDaily is the observed total over the lookback divided by the number
// of days that had any traffic.
func (r *Recoverer) averageDaily(ctx context.Context, groupID int64, lastRun time.Time) (float64, error) {
	totals, err := r.store.GetDailyMessageTotals(ctx, groupID, r.lookback(lastRun, r.cfg.AverageDays))
	if err != nil {
		return 0, fmt.Errorf("daily totals: %w", err)
	}
	sum, days := 0, 0
	for _, t := range totals {
		if t.Total > 0 {
			sum += t.Total
			days++
		}
	}
	if days == 0 {
		return 0, nil
	}
	return float64(sum) / float64(days), nil
}

// lookback ends at the day after lastRun so the last running day counts but
// the downtime window does not.
func (r *Recoverer) lookback(lastRun time.Time, days int) model.DayRange {
	end := lastRun.In(r.cfg.Location)
	end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, r.cfg.Location).AddDate(0, 0, 1)
	return model.DateRange{From: end.AddDate(0, 0, -days), To: end}.DayRange(r.cfg.Location)
}

func (r *Recoverer) mark(ctx context.Context, now time.Time) error {
	if err := r.store.SetSystemFlag(ctx, model.SystemRunMarker, now.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("write run marker: %w", err)
	}
	return nil
}

// Heartbeat moves the run marker forward while the bot is up, so a crash is
// measured from the last heartbeat instead of from process start.
func (r *Recoverer) Heartbeat(ctx context.Context) error {
	return r.mark(ctx, r.now())
}
