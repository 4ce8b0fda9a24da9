// Package supervisor runs the bot's long-lived loops under one context.
//
// Three loop shapes cover everything the bot runs in the background:
//
//   - Go: a one-shot worker (deletion worker, update pump, config watcher).
//     An error or panic ends it and is kept as the supervisor error.
//   - GoTicker: a periodic loop (broadcast poll, drift calibration, drop
//     reports). A failing or panicking tick is counted and the loop goes on.
//   - GoRestart: a loop that must come back after failures (platform long
//     poll, metrics listener), with jittered exponential backoff.
//
// Every loop is tracked by name. Snapshot feeds the /healthz report.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "groupkeeper/pkg/logx"
)

// Supervisor owns a cancellable context and the loops started on it.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	firstErr    atomic.Pointer[error]

	started atomic.Uint64
	active  atomic.Int64
	wg      sync.WaitGroup
	drained chan struct{}
	waitMu  sync.Once

	mu    sync.Mutex
	loops map[string]*LoopStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels every loop once any of them fails for good.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// New derives the supervisor context from parent.
func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
		loops:   map[string]*LoopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops the loops without waiting for them.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure, if any.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) fail(err error, fatal bool) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, &err)
	if fatal && s.cancelOnErr {
		s.cancel()
	}
}

// Counters are running totals across all loops.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// LoopStats describes one named loop. Loops started twice under the same name
// share an entry.
type LoopStats struct {
	Name     string `json:"name"`
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Restarts uint64 `json:"restarts,omitempty"`
	Panics   uint64 `json:"panics,omitempty"`

	// Tick fields are only set for GoTicker loops. An overrun is a tick that
	// took longer than the loop interval, which delays the next one.
	Ticks       uint64        `json:"ticks,omitempty"`
	Overruns    uint64        `json:"overruns,omitempty"`
	LastTickAt  time.Time     `json:"last_tick_at,omitzero"`
	LastTickDur time.Duration `json:"last_tick_dur,omitempty"`

	LastStartAt time.Time     `json:"last_start_at,omitzero"`
	LastStopAt  time.Time     `json:"last_stop_at,omitzero"`
	Runtime     time.Duration `json:"runtime"`
	LastErr     string        `json:"last_err,omitempty"`
	LastErrAt   time.Time     `json:"last_err_at,omitzero"`
}

type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot copies the loop table, running loops first and then by name.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	snap.Loops = make([]LoopStats, 0, len(s.loops))
	for _, st := range s.loops {
		snap.Loops = append(snap.Loops, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Loops, func(a, b LoopStats) int {
		if (a.Active > 0) != (b.Active > 0) {
			if a.Active > 0 {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return snap
}

// update runs fn on the stats entry for name under the table lock.
func (s *Supervisor) update(name string, fn func(st *LoopStats)) {
	s.mu.Lock()
	st, ok := s.loops[name]
	if !ok {
		st = &LoopStats{Name: name}
		s.loops[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

func (s *Supervisor) began(name string, restart bool) time.Time {
	now := time.Now()
	s.update(name, func(st *LoopStats) {
		st.Started++
		st.Active++
		st.LastStartAt = now
		if restart {
			st.Restarts++
		}
	})
	return now
}

func (s *Supervisor) ended(name string, since time.Time, err error) {
	now := time.Now()
	s.update(name, func(st *LoopStats) {
		if st.Active > 0 {
			st.Active--
		}
		st.LastStopAt = now
		st.Runtime += now.Sub(since)
		if err != nil {
			st.LastErr, st.LastErrAt = err.Error(), now
		}
	})
}

func (s *Supervisor) panicked(name string, p any) error {
	s.update(name, func(st *LoopStats) { st.Panics++ })
	s.log.Error("loop panicked", logx.String("loop", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
	return fmt.Errorf("panic in %s: %v", name, p)
}

// guard runs fn and turns a panic into an error.
func (s *Supervisor) guard(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = s.panicked(name, p)
		}
	}()
	return fn(ctx)
}

// spawn starts body on its own goroutine, counted in the totals.
func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// clean reports whether err is a normal shutdown.
func (s *Supervisor) clean(ctx context.Context, err error) bool {
	return err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// Go runs fn once. A non-cancellation error or a panic is recorded as the
// supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		since := s.began(name, false)
		s.log.Debug("loop started", logx.String("loop", name))
		err := s.guard(s.ctx, name, fn)
		if s.clean(s.ctx, err) {
			s.ended(name, since, nil)
			s.log.Debug("loop stopped", logx.String("loop", name))
			return
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.ended(name, since, err)
		s.fail(err, true)
	})
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type TickerOption func(*tickerCfg)

type tickerCfg struct {
	immediate bool
}

// WithImmediate runs the first tick at start instead of one interval later.
func WithImmediate() TickerOption { return func(c *tickerCfg) { c.immediate = true } }

// GoTicker runs fn every interval until the supervisor stops. Tick failures
// and panics are counted and logged; only cancellation ends the loop.
func (s *Supervisor) GoTicker(name string, interval time.Duration, fn func(ctx context.Context) error, opts ...TickerOption) {
	if fn == nil || interval <= 0 {
		return
	}
	var cfg tickerCfg
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	s.Go(name, func(ctx context.Context) error {
		if cfg.immediate {
			s.tick(ctx, name, interval, fn)
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				s.tick(ctx, name, interval, fn)
			}
		}
	})
}

func (s *Supervisor) tick(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	at := time.Now()
	err := s.guard(ctx, name, fn)
	took := time.Since(at)
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	s.update(name, func(st *LoopStats) {
		st.Ticks++
		st.LastTickAt, st.LastTickDur = at, took
		if took > interval {
			st.Overruns++
		}
		if err != nil {
			st.LastErr, st.LastErrAt = err.Error(), at
		}
	})
	switch {
	case err != nil:
		s.log.Warn("loop tick failed", logx.String("loop", name), logx.Err(err))
	case took > interval:
		s.log.Warn("loop tick overran its interval", logx.String("loop", name), logx.Duration("took", took), logx.Duration("interval", interval))
	}
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff   time.Duration
	maxBackoff   time.Duration
	maxRestarts  int
	stopOnClean  bool
	publishFirst bool
}

// WithRestartBackoff bounds the backoff between restarts. It starts at min
// and doubles up to max.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n back-to-back restarts; a run that lasts
// restartResetAfter clears the count. The final error becomes the
// supervisor error and, with WithCancelOnError, stops the other loops.
// n <= 0 restarts forever.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor error
// while the loop keeps restarting, so it shows up in /healthz.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirst = enabled }
}

// WithStopOnCleanExit decides whether a nil return ends the loop (the
// default) or counts as a failure and restarts it.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnClean = enabled }
}

// restartResetAfter is how long a run must last for the backoff and the
// restart streak to start over.
const restartResetAfter = 30 * time.Second

// GoRestart keeps fn running, restarting it after errors and panics.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second, stopOnClean: true}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	s.spawn(func() {
		ctx := s.ctx
		backoff := cfg.minBackoff
		streak := 0
		for run := 0; ; run++ {
			since := s.began(name, run > 0)
			err := s.guard(ctx, name, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || (err == nil && cfg.stopOnClean) {
				s.ended(name, since, nil)
				return
			}
			if err == nil {
				err = errors.New("exited")
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.ended(name, since, err)
			if cfg.publishFirst {
				s.fail(err, false)
			}

			if time.Since(since) >= restartResetAfter {
				backoff, streak = cfg.minBackoff, 0
			}
			if cfg.maxRestarts > 0 && streak >= cfg.maxRestarts {
				s.log.Error("loop gave up", logx.String("loop", name), logx.Int("restarts", streak), logx.Err(err))
				s.fail(err, true)
				return
			}
			streak++
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("loop restarting", logx.String("loop", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

// Stop cancels the loops and waits for them.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop has returned or ctx is done. It returns the
// supervisor error once the loops are gone.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitMu.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.drained)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.drained:
		return s.Err()
	}
}
