// Package retry holds the backoff policy shared by the deletion engine and
// broadcast force-sends.
//
// The policy is deliberately tiny: a fixed set of delays keyed by error kind
// (immediate, timeout delay, platform-suggested delay), not an exponential curve.
package retry

import (
	"context"
	"time"

	"groupkeeper/internal/transport"
)

// Action is what a caller should do after an attempt.
type Action int

const (
	// Done: the attempt succeeded (or the target is already gone).
	Done Action = iota
	// Retry: try again after Decision.Delay.
	Retry
	// Record: permanent for the hot path; park it for a later sweep.
	Record
)

func (a Action) String() string {
	switch a {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Record:
		return "record"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action Action
	Delay  time.Duration
	Kind   transport.ErrorKind
}

type Policy struct {
	// TimeoutDelay is used after a platform timeout.
	TimeoutDelay time.Duration
	// RateLimitDelay is used when the platform rate-limits without a retry-after hint.
	RateLimitDelay time.Duration
	// MaxAttempts bounds Do; 0 means 3.
	MaxAttempts int
}

// Default is the bot's standard policy.
func Default() Policy {
	return Policy{TimeoutDelay: 30 * time.Second, RateLimitDelay: 5 * time.Second, MaxAttempts: 3}
}

func (p Policy) withDefaults() Policy {
	if p.TimeoutDelay <= 0 {
		p.TimeoutDelay = 30 * time.Second
	}
	if p.RateLimitDelay <= 0 {
		p.RateLimitDelay = 5 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	return p
}

// Decide classifies err. A nil error and a not-found error are both Done:
// a message that is already gone needs no further work.
func (p Policy) Decide(err error) Decision {
	p = p.withDefaults()
	if err == nil {
		return Decision{Action: Done}
	}
	ce := transport.Classify(err)
	switch ce.Kind {
	case transport.KindNotFound:
		return Decision{Action: Done, Kind: ce.Kind}
	case transport.KindRateLimited:
		d := ce.RetryAfter
		if d <= 0 {
			d = p.RateLimitDelay
		}
		return Decision{Action: Retry, Delay: d, Kind: ce.Kind}
	case transport.KindTimeout:
		return Decision{Action: Retry, Delay: p.TimeoutDelay, Kind: ce.Kind}
	default:
		return Decision{Action: Record, Kind: ce.Kind}
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or MaxAttempts is reached.
// Sleeps between attempts honor ctx. A not-found outcome is returned as-is so the caller
// can tell "sent" from "target gone".
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		d := p.Decide(err)
		if d.Action != Retry || attempt == p.MaxAttempts {
			return err
		}
		t := time.NewTimer(d.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
