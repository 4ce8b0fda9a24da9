package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupkeeper/internal/transport"
)

func TestDecide(t *testing.T) {
	t.Parallel()
	p := Default()
	base := errors.New("x")
	tests := []struct {
		name   string
		err    error
		action Action
		delay  time.Duration
	}{
		{name: "ok", err: nil, action: Done},
		{name: "gone", err: transport.NotFound(base), action: Done},
		{name: "forbidden", err: transport.Forbidden(base), action: Record},
		{name: "flood hint", err: transport.RateLimited(base, 12*time.Second), action: Retry, delay: 12 * time.Second},
		{name: "flood no hint", err: transport.RateLimited(base, 0), action: Retry, delay: 5 * time.Second},
		{name: "timeout", err: transport.Timeout(base), action: Retry, delay: 30 * time.Second},
		{name: "other", err: base, action: Record},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := p.Decide(tt.err)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.delay, d.Delay)
		})
	}
}

func TestDoRetriesTransient(t *testing.T) {
	t.Parallel()
	p := Policy{TimeoutDelay: time.Millisecond, MaxAttempts: 3}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return transport.Timeout(errors.New("slow"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Default().Do(context.Background(), func(context.Context) error {
		calls++
		return transport.Forbidden(errors.New("no rights"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, transport.KindForbidden, transport.KindOf(err))
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Policy{TimeoutDelay: time.Hour}.Do(ctx, func(context.Context) error {
		return transport.Timeout(errors.New("slow"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}
