package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func loop(t *testing.T, s *Supervisor, name string) LoopStats {
	t.Helper()
	for _, l := range s.Snapshot().Loops {
		if l.Name == name {
			return l
		}
	}
	t.Fatalf("loop %q not tracked", name)
	return LoopStats{}
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("deletion.worker", func(ctx context.Context) error { return errors.New("store gone") })
	s.Go("bot.updates", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deletion.worker: store gone")
	assert.Equal(t, "", loop(t, s, "bot.updates").LastErr, "cancellation is a clean stop")
	assert.Equal(t, Counters{Active: 0, Started: 2}, s.Counters())
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("config.watch", func(ctx context.Context) error { panic("kaboom") })

	require.Error(t, s.Wait(waitCtx(t)))
	l := loop(t, s, "config.watch")
	assert.Equal(t, uint64(1), l.Panics)
	assert.Contains(t, l.LastErr, "kaboom")
}

func TestGoTickerSurvivesPanicsAndErrors(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var n atomic.Int32
	s.GoTicker("broadcast.poll", 5*time.Millisecond, func(ctx context.Context) error {
		switch n.Add(1) {
		case 1:
			panic("first tick")
		case 2:
			return errors.New("second tick")
		}
		return nil
	}, WithImmediate())

	require.Eventually(t, func() bool { return n.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(waitCtx(t)))

	l := loop(t, s, "broadcast.poll")
	assert.Equal(t, uint64(1), l.Panics)
	assert.Equal(t, "second tick", l.LastErr)
	assert.GreaterOrEqual(t, l.Ticks, uint64(4))
	assert.Equal(t, int64(0), l.Active)
	assert.NoError(t, s.Err(), "tick failures never become the supervisor error")
}

func TestGoTickerCountsOverruns(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var n atomic.Int32
	s.GoTicker("drift.calibration", time.Millisecond, func(ctx context.Context) error {
		if n.Add(1) == 1 {
			time.Sleep(20 * time.Millisecond)
		}
		return nil
	}, WithImmediate())

	require.Eventually(t, func() bool { return n.Load() >= 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop(waitCtx(t)))

	l := loop(t, s, "drift.calibration")
	assert.GreaterOrEqual(t, l.Overruns, uint64(1))
	assert.False(t, l.LastTickAt.IsZero())
}

func TestGoRestartBacksOff(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var n atomic.Int32
	s.GoRestart("telebot.poll", func(ctx context.Context) error {
		if n.Add(1) < 3 {
			return errors.New("flaky")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.Error(t, s.Err(), "first failure is published while the loop restarts")
	assert.NoError(t, s.Context().Err())
	_ = s.Stop(waitCtx(t))

	assert.GreaterOrEqual(t, loop(t, s, "telebot.poll").Restarts, uint64(2))
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	var n atomic.Int32
	s.GoRestart("http.serve", func(ctx context.Context) error {
		n.Add(1)
		return errors.New("address already in use")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
	assert.Equal(t, int32(3), n.Load(), "one run plus two restarts")
	assert.Error(t, s.Context().Err(), "giving up cancels the other loops")
	assert.Equal(t, uint64(2), loop(t, s, "http.serve").Restarts)
}

func TestGoRestartCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var n atomic.Int32
	s.GoRestart("once", func(ctx context.Context) error {
		n.Add(1)
		return nil
	})
	require.NoError(t, s.Wait(waitCtx(t)))
	assert.Equal(t, int32(1), n.Load())

	s = New(context.Background())
	var runs atomic.Int32
	s.GoRestart("telebot.poll", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, WithStopOnCleanExit(false), WithRestartBackoff(time.Millisecond, time.Millisecond))
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.Contains(t, loop(t, s, "telebot.poll").LastErr, "exited")
}
