// Package app wires the bot together: config, logging, storage, the core
// engines, the Telegram adapter and the supervised loops that drive them.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"groupkeeper/internal/bot"
	"groupkeeper/internal/broadcast"
	"groupkeeper/internal/config"
	"groupkeeper/internal/deletion"
	"groupkeeper/internal/drift"
	"groupkeeper/internal/eventbus"
	"groupkeeper/internal/observability"
	rtsup "groupkeeper/internal/runtime/supervisor"
	"groupkeeper/internal/settings"
	"groupkeeper/internal/stats"
	"groupkeeper/internal/storage"
	"groupkeeper/internal/task/scheduler"
	"groupkeeper/internal/transport"
	telegram "groupkeeper/internal/transport/telegram/adapter"
	logx "groupkeeper/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfgs Configs
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *prometheus.Registry
	metrics  *observability.Metrics

	adapter  *telegram.Adapter
	settings *settings.Service
	deleter  *deletion.Engine
	bcast    *broadcast.Scheduler
	drift    *drift.Coordinator
	recovery *stats.Recoverer
	sched    *scheduler.Service
	handler  *bot.Handler
	http     *observability.Server

	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	cs, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	bootLog := logx.NewConsole("INFO")
	ad, err := telegram.New(cs.Telegram, bootLog, telegram.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg, cs.LogChatID), ad)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(cs.Storage, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", cs.Storage.Driver))

	set := settings.New(store, ad, root.With(logx.String("comp", "settings")), settings.WithTTL(cs.CacheTTL))
	del := deletion.New(cs.Deletion, ad, set, root.With(logx.String("comp", "deletion")),
		deletion.WithBus(bus), deletion.WithMetrics(metrics))
	bc := broadcast.New(cs.Broadcast, store, ad, del, root.With(logx.String("comp", "broadcast")),
		broadcast.WithBus(bus), broadcast.WithMetrics(metrics))
	coord := drift.New(cs.Drift, bc, del, []drift.Caches{set}, root,
		drift.WithBus(bus), drift.WithMetrics(metrics))
	rec := stats.New(cs.Recovery, store, ad, root,
		stats.WithBus(bus), stats.WithMetrics(metrics), stats.WithBotID(ad.BotID))
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, root)
	handler := bot.New(del, bc, set, store, ad, cfg.Telegram.OwnerUserIDs, root)

	a := &App{
		cfgm:     cfgm,
		cfgs:     cs,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: reg,
		metrics:  metrics,
		adapter:  ad,
		settings: set,
		deleter:  del,
		bcast:    bc,
		drift:    coord,
		recovery: rec,
		sched:    sched,
		handler:  handler,
		updates:  make(chan transport.Update, 256),
	}
	a.http = observability.NewServer(cs.Metrics, reg, a.health, root)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

type healthReport struct {
	Drift          string                   `json:"drift"`
	DeletionQueue  int                      `json:"deletion_queue"`
	DeletionFailed int                      `json:"deletion_failed"`
	CachedGroups   int                      `json:"cached_groups"`
	Loops          rtsup.Snapshot           `json:"loops"`
	Adapter        *rtsup.Snapshot          `json:"adapter,omitempty"`
	Jobs           []scheduler.ScheduleInfo `json:"jobs"`
	EventsDropped  uint64                   `json:"events_dropped"`
	LogChatDropped uint64                   `json:"log_chat_dropped"`
}

func (a *App) health() (any, error) {
	rep := healthReport{
		Drift:          a.drift.State().String(),
		DeletionQueue:  a.deleter.QueueLen(),
		DeletionFailed: a.deleter.FailedLen(),
		CachedGroups:   a.settings.Len(),
		Jobs:           a.sched.Snapshot().Schedules,
		EventsDropped:  eventbus.Dropped(a.bus),
		LogChatDropped: a.logs.ChatDropped(),
	}
	if a.sup != nil {
		rep.Loops = a.sup.Snapshot()
	}
	if sup := a.adapter.Supervisor(); sup != nil {
		snap := sup.Snapshot()
		rep.Adapter = &snap
	}
	if a.sup == nil {
		return rep, errors.New("not started")
	}
	if err := a.sup.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	// Estimated rows must exist before live counting starts on the same days.
	if a.cfgs.RecoveryEnabled {
		rep, err := a.recovery.Recover(run)
		if err != nil {
			a.log.Warn("downtime recovery failed", logx.Err(err))
		} else if !rep.FirstRun && !rep.Skipped {
			a.log.Info("downtime recovered",
				logx.Duration("downtime", rep.Downtime),
				logx.Int("groups", rep.GroupsProcessed),
				logx.Int("rows", rep.RowsInserted),
			)
		}
	} else if err := a.recovery.Heartbeat(run); err != nil {
		a.log.Warn("run marker not written", logx.Err(err))
	}

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}

	a.sup.Go("deletion.worker", a.deleter.Run)

	dc := a.drift.Config()
	a.drift.Prime()
	a.sup.GoTicker("broadcast.poll", dc.PollInterval, a.drift.BroadcastTick, rtsup.WithImmediate())
	a.sup.GoTicker("drift.calibration", dc.CalibrationInterval, a.drift.CalibrationTick)

	a.sup.Go("bot.updates", func(c context.Context) error {
		return a.handler.Run(c, a.updates)
	})

	if err := a.addJobs(); err != nil {
		return err
	}
	a.sched.Start(run)
	a.http.Start(run)

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.log.Info("app started", logx.Int64("bot_id", a.adapter.BotID()))
	return nil
}

func (a *App) addJobs() error {
	jobs := []struct {
		name    string
		spec    string
		timeout time.Duration
		job     scheduler.Job
	}{
		{"deletion.sweep", a.cfgs.SweepSpec, 5 * time.Minute, func(ctx context.Context) error {
			rep := a.deleter.Sweep(ctx)
			if !rep.Skipped && (rep.Purged > 0 || rep.Retried > 0) {
				a.log.Info("failed deletions swept",
					logx.Int("purged", rep.Purged),
					logx.Int("retried", rep.Retried),
					logx.Int("succeeded", rep.Succeeded),
					logx.Int("remaining", rep.Remaining),
				)
			}
			return nil
		}},
		{"cache.evict", "@every " + a.cfgs.EvictEvery.String(), 0, func(context.Context) error {
			if n := a.settings.EvictExpired(); n > 0 {
				a.log.Debug("cache entries evicted", logx.Int("n", n))
			}
			return nil
		}},
		{"stats.heartbeat", heartbeatSpec, 10 * time.Second, a.recovery.Heartbeat},
	}
	for _, j := range jobs {
		if err := a.sched.AddSchedule(j.name, j.spec, j.timeout, j.job); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.PlatformForbidden, eventbus.DriftDetected:
				a.log.Info("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe()
	defer a.cfgm.Unsubscribe(sub)
	applied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.apply(c, applied, next)
			applied = next
		}
	}
}

// apply pushes the live-reloadable parts of newCfg into running components.
func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	cs, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	sections, attrs := config.Diff(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg, cs.LogChatID))
	a.handler.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.http.Reconfigure(c, cs.Metrics)

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed that apply after restart", logx.String("sections", strings.Join(pending, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	// The marker records when the bot stopped observing traffic.
	step("stats.marker", time.Second, a.recovery.Heartbeat)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
