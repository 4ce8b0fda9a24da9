package bot

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "groupkeeper/pkg/logx"
)

func TestChainRunsInOrder(t *testing.T) {
	t.Parallel()
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	h := Chain(func(context.Context, *Request) error {
		order = append(order, "handler")
		return nil
	}, tag("a"), tag("b"))
	require.NoError(t, h(context.Background(), &Request{}))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestGuardedBoundsAndRecovers(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	req := &Request{Command: "stats", Log: logx.NewWriter(&buf, "debug")}

	h := Chain(func(ctx context.Context, _ *Request) error {
		dl, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Minute), dl, 5*time.Second)
		return nil
	}, guarded(time.Minute, time.Hour))
	require.NoError(t, h(context.Background(), req))
	assert.Contains(t, buf.String(), `"message":"command done"`)

	buf.Reset()
	h = Chain(func(context.Context, *Request) error { panic("nil map") }, guarded(0, time.Hour))
	err := h(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command stats panicked: nil map")
	assert.Contains(t, buf.String(), `"message":"command panicked"`)
	assert.Contains(t, buf.String(), `"message":"command failed"`)

	buf.Reset()
	h = Chain(func(context.Context, *Request) error { return errors.New("store down") }, guarded(0, 0))
	require.Error(t, h(context.Background(), req))
	assert.Contains(t, buf.String(), "store down")
}
