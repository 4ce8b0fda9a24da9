// Package drift notices when the process ran later than it should have
// (host suspend, a stalled event loop) and pulls the schedulers back onto
// the wall clock.
package drift

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"groupkeeper/internal/broadcast"
	"groupkeeper/internal/eventbus"
	"groupkeeper/internal/observability"
	logx "groupkeeper/pkg/logx"
)

type State int32

const (
	Nominal State = iota
	DriftDetected
)

func (s State) String() string {
	if s == DriftDetected {
		return "drift_detected"
	}
	return "nominal"
}

// Loop names used in logs, events and metrics.
const (
	LoopBroadcast   = "broadcast"
	LoopCalibration = "calibration"
)

const (
	DefaultPollInterval        = 60 * time.Second
	DefaultCoarseThreshold     = 120 * time.Second
	DefaultCalibrationInterval = 60 * time.Second
	DefaultFineThreshold       = 30 * time.Second
	DefaultDrainBudget         = 5 * time.Minute
)

type Config struct {
	PollInterval        time.Duration
	CoarseThreshold     time.Duration
	CalibrationInterval time.Duration
	FineThreshold       time.Duration
	DrainBudget         time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CoarseThreshold <= 0 {
		c.CoarseThreshold = DefaultCoarseThreshold
	}
	if c.CalibrationInterval <= 0 {
		c.CalibrationInterval = DefaultCalibrationInterval
	}
	if c.FineThreshold <= 0 {
		c.FineThreshold = DefaultFineThreshold
	}
	if c.DrainBudget <= 0 {
		c.DrainBudget = DefaultDrainBudget
	}
	return c
}

// Broadcaster is the broadcast scheduler as seen by the coordinator.
type Broadcaster interface {
	PollOnce(ctx context.Context) (int, error)
	CatchUp(ctx context.Context) ([]broadcast.CatchUpResult, error)
	Lags(ctx context.Context) (map[string]time.Duration, error)
}

// Drainer runs past-due deletions within a time budget.
type Drainer interface {
	Drain(ctx context.Context, budget time.Duration) int
}

// Caches is anything holding TTL-bound state that must not survive a gap.
type Caches interface {
	InvalidateAll()
}

type Option func(*Coordinator)

func WithBus(b eventbus.Bus) Option { return func(c *Coordinator) { c.bus = b } }

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock replaces the wall clock. The default strips the monotonic
// reading so a suspended host shows up as a gap.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

type Coordinator struct {
	cfg         Config
	broadcaster Broadcaster
	drainer     Drainer
	caches      []Caches
	bus         eventbus.Bus
	metrics     *observability.Metrics
	log         logx.Logger
	now         func() time.Time

	state atomic.Int32

	mu   sync.Mutex
	last map[string]time.Time
}

func New(cfg Config, b Broadcaster, d Drainer, caches []Caches, log logx.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:         cfg.withDefaults(),
		broadcaster: b,
		drainer:     d,
		caches:      caches,
		log:         log.With(logx.String("comp", "drift")),
		now:         func() time.Time { return time.Now().Round(0) },
		last:        map[string]time.Time{},
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.metrics == nil {
		c.metrics = observability.NewMetrics(nil)
	}
	return c
}

func (c *Coordinator) Config() Config { return c.cfg }

func (c *Coordinator) State() State { return State(c.state.Load()) }

// mark records now as the loop's last active time and returns the gap since
// the previous mark. The first mark returns 0.
func (c *Coordinator) mark(loop string) (time.Time, time.Duration) {
	now := c.now()
	c.mu.Lock()
	prev, ok := c.last[loop]
	c.last[loop] = now
	c.mu.Unlock()
	if !ok {
		return now, 0
	}
	return now, now.Sub(prev)
}

// Prime stamps both loops with the current time, so the first tick after
// startup measures from here rather than skipping the check.
func (c *Coordinator) Prime() {
	c.mark(LoopBroadcast)
	c.mark(LoopCalibration)
}

// BroadcastTick is one iteration of the broadcast poll loop. A gap above
// the coarse threshold triggers recovery before the regular poll.
func (c *Coordinator) BroadcastTick(ctx context.Context) error {
	_, gap := c.mark(LoopBroadcast)
	if gap > c.cfg.CoarseThreshold {
		c.Recover(ctx, LoopBroadcast, gap)
	}
	_, err := c.broadcaster.PollOnce(ctx)
	return err
}

// CalibrationTick is one iteration of the calibration loop. It compares the
// observed gap with the loop interval and refreshes per-broadcast lag gauges.
func (c *Coordinator) CalibrationTick(ctx context.Context) error {
	_, gap := c.mark(LoopCalibration)
	if gap > 0 && gap-c.cfg.CalibrationInterval > c.cfg.FineThreshold {
		c.Recover(ctx, LoopCalibration, gap)
	}
	lags, err := c.broadcaster.Lags(ctx)
	if err != nil {
		return err
	}
	c.metrics.BroadcastLag.Reset()
	for id, lag := range lags {
		c.metrics.BroadcastLag.WithLabelValues(id).Set(lag.Seconds())
	}
	return nil
}

// Recover runs the recovery sequence: broadcast catch-up, emergency drain of
// past-due deletions, cache invalidation. Detections that arrive while a
// recovery is in flight collapse into it; Recover then returns false.
func (c *Coordinator) Recover(ctx context.Context, loop string, gap time.Duration) bool {
	if !c.state.CompareAndSwap(int32(Nominal), int32(DriftDetected)) {
		c.log.Debug("drift recovery already running", logx.String("loop", loop), logx.Duration("gap", gap))
		return false
	}
	defer c.state.Store(int32(Nominal))

	start := c.now()
	log := c.log.With(logx.String("loop", loop))
	log.Warn("clock drift detected", logx.Duration("gap", gap))
	c.metrics.DriftDetected.WithLabelValues(loop).Inc()
	c.metrics.DriftLastGap.Set(gap.Seconds())
	c.publish(eventbus.DriftDetected, eventbus.DriftData{Loop: loop, Gap: gap})

	results, err := c.broadcaster.CatchUp(ctx)
	if err != nil {
		log.Warn("broadcast catch-up failed", logx.Err(err))
	}
	sent := 0
	for _, r := range results {
		if r.Outcome == broadcast.CatchUpSent {
			sent++
		}
	}

	drained := c.drainer.Drain(ctx, c.cfg.DrainBudget)
	c.metrics.DrainProcessed.Add(float64(drained))

	for _, cc := range c.caches {
		if cc != nil {
			cc.InvalidateAll()
		}
	}

	took := c.now().Sub(start)
	c.metrics.RecoveryTime.Observe(took.Seconds())
	log.Info("drift recovery complete",
		logx.Int("broadcasts_checked", len(results)),
		logx.Int("broadcasts_sent", sent),
		logx.Int("deletions_drained", drained),
		logx.Duration("took", took),
	)
	c.publish(eventbus.DriftRecovered, eventbus.DriftData{Loop: loop, Gap: gap, Duration: took})
	return true
}

func (c *Coordinator) publish(typ string, data eventbus.DriftData) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
}
