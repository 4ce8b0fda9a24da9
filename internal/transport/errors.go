package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind is the platform error taxonomy shared by every retry decision.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindNotFound
	KindForbidden
	KindRateLimited
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// ClassifiedError wraps a platform error with its kind.
// RetryAfter is only meaningful for KindRateLimited.
type ClassifiedError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	if e.Kind == KindRateLimited && e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func NotFound(err error) error  { return &ClassifiedError{Kind: KindNotFound, Err: err} }
func Forbidden(err error) error { return &ClassifiedError{Kind: KindForbidden, Err: err} }
func Timeout(err error) error   { return &ClassifiedError{Kind: KindTimeout, Err: err} }
func RateLimited(err error, after time.Duration) error {
	return &ClassifiedError{Kind: KindRateLimited, RetryAfter: after, Err: err}
}

// Classify returns err as a *ClassifiedError. Errors that were not classified by the
// adapter fall back to KindTimeout for deadline/net timeouts and KindOther otherwise.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &ClassifiedError{Kind: KindTimeout, Err: err}
	}
	return &ClassifiedError{Kind: KindOther, Err: err}
}

// KindOf is a shorthand for Classify(err).Kind. It returns KindOther for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	return Classify(err).Kind
}
