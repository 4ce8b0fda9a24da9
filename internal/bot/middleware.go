package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "groupkeeper/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := range m {
		h = m[len(m)-1-i](h)
	}
	return h
}

const (
	commandTimeout = 30 * time.Second
	// Commands slower than this are logged at INFO even on success.
	slowCommand = 750 * time.Millisecond
)

// guarded is the standard wrapper for every registered command: it bounds
// the run time, converts panics into errors and logs the outcome once.
func guarded(timeout, slow time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			start := time.Now()
			err := runRecovered(ctx, req, next)
			logOutcome(req.Log, time.Since(start), slow, err)
			return err
		}
	}
}

func runRecovered(ctx context.Context, req *Request, fn HandlerFunc) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		req.Log.Error("command panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		err = fmt.Errorf("command %s panicked: %v", req.Command, r)
	}()
	return fn(ctx, req)
}

func logOutcome(log logx.Logger, took, slow time.Duration, err error) {
	switch {
	case err != nil:
		log.Warn("command failed", logx.Duration("took", took), logx.Err(err))
	case took >= slow:
		log.Info("command slow", logx.Duration("took", took))
	default:
		log.Debug("command done", logx.Duration("took", took))
	}
}
