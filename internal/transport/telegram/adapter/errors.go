package adapter

import (
	"errors"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	tele "gopkg.in/telebot.v4"

	kit "groupkeeper/internal/transport"
)

// classify maps telebot and breaker errors onto the transport taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *kit.ClassifiedError
	if errors.As(err, &ce) {
		return err
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return kit.Timeout(err)
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return kit.RateLimited(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return kit.RateLimited(err, time.Duration(floodPtr.RetryAfter)*time.Second)
	}

	switch {
	case errors.Is(err, tele.ErrNotFoundToDelete),
		errors.Is(err, tele.ErrChatNotFound):
		return kit.NotFound(err)
	case errors.Is(err, tele.ErrNoRightsToDelete),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrBlockedByUser):
		return kit.Forbidden(err)
	}

	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 403:
			return kit.Forbidden(err)
		case te.Code == 429:
			return kit.RateLimited(err, 0)
		case te.Code == 400 && strings.Contains(strings.ToLower(te.Description), "not found"):
			return kit.NotFound(err)
		}
		return err
	}

	// Leave the rest to kit.Classify (deadline and net timeouts).
	return kit.Classify(err)
}

// isBreakerFailure reports whether err says something about the transport
// rather than about the request. API answers (forbidden, gone, flood) keep
// the breaker closed.
func isBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	switch kit.KindOf(classify(err)) {
	case kit.KindTimeout:
		return true
	case kit.KindOther:
		var te *tele.Error
		return !errors.As(err, &te)
	default:
		return false
	}
}
