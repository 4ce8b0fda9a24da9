package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "groupkeeper/pkg/logx"
)

func TestCronSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "@hourly", want: "@hourly"},
		{in: "0 * * * *", want: "0 * * * *"},
		{in: "10m", want: "@every 10m0s"},
		{in: "1d", want: "@every 24h0m0s"},
		{in: " 01:30 ", want: "@every 1h30m0s"},
		{in: "00:00", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "1:5", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := CronSpec(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddScheduleValidates(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }
	assert.Error(t, s.AddSchedule("", "10m", 0, noop))
	assert.Error(t, s.AddSchedule("x", "10m", 0, nil))
	assert.Error(t, s.AddSchedule("x", "61 * * * *", 0, noop))
	require.NoError(t, s.AddSchedule("x", "10m", 0, noop))
	require.NoError(t, s.AddSchedule("x", "@hourly", 0, noop), "same name replaces")

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "@hourly", snap.Schedules[0].Spec)
	assert.False(t, snap.Running)

	assert.True(t, s.Remove("x"))
	assert.False(t, s.Remove("x"))
}

func TestRunNowRecordsOutcome(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	var calls atomic.Int32
	require.NoError(t, s.AddSchedule("sweep", "@hourly", time.Second, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "timeout applies")
		if calls.Add(1) == 1 {
			return errors.New("first run fails")
		}
		return nil
	}))

	assert.Error(t, s.RunNow("sweep"))
	require.NoError(t, s.RunNow("sweep"))
	assert.Error(t, s.RunNow("missing"))

	info := s.Snapshot().Schedules[0]
	assert.Equal(t, uint64(2), info.Runs)
	assert.Equal(t, uint64(1), info.Failures)
	assert.Empty(t, info.LastErr)
}

func TestStartRunsIntervalJobs(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	var calls atomic.Int32
	require.NoError(t, s.AddSchedule("tick", "@every 1s", 0, func(context.Context) error {
		calls.Add(1)
		return nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	assert.False(t, snap.Schedules[0].Next.IsZero())

	require.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	assert.False(t, s.Snapshot().Running)
}

func TestJobPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	var calls atomic.Int32
	require.NoError(t, s.AddSchedule("boom", "@every 1s", 0, func(context.Context) error {
		calls.Add(1)
		panic("boom")
	}))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}
