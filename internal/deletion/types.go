package deletion

import (
	"strings"
	"time"

	"groupkeeper/internal/model"
	"groupkeeper/internal/transport"
)

const (
	DefaultFallbackTimeout = 300 * time.Second
	DefaultMinTimeout      = 5 * time.Second
	// Telegram refuses to delete messages older than 48h.
	DefaultMaxTimeout = 47 * time.Hour

	defaultSweepGuard   = 10 * time.Minute
	defaultIdleBefore   = 10 * time.Minute
	defaultFailedMaxAge = 24 * time.Hour
	defaultMaxRetries   = 3
	defaultMaxRequeues  = 10
)

// Config holds the process-level knobs of the engine. Zero fields take defaults.
type Config struct {
	FallbackTimeout time.Duration
	MinTimeout      time.Duration
	MaxTimeout      time.Duration
	// TypeTimeouts overrides model.MessageType.DefaultTimeout per type.
	TypeTimeouts map[model.MessageType]time.Duration

	ExemptRoles    []transport.MemberRole
	ExemptPrefixes []string

	// SweepGuard is the minimum spacing between two sweeps.
	SweepGuard time.Duration
	// IdleBefore is how long a failed entry rests before the sweep retries it.
	IdleBefore time.Duration
	// FailedMaxAge purges failed entries older than this.
	FailedMaxAge time.Duration
	// MaxRetries caps delete attempts per failed entry, counting the
	// original attempt that put it in the registry.
	MaxRetries int
	// MaxRequeues caps transient-error requeues on the hot path.
	MaxRequeues int
}

func (c Config) withDefaults() Config {
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = DefaultFallbackTimeout
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = DefaultMinTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	if c.MaxTimeout < c.MinTimeout {
		c.MaxTimeout = c.MinTimeout
	}
	if c.ExemptRoles == nil {
		c.ExemptRoles = []transport.MemberRole{transport.RoleCreator, transport.RoleAdministrator}
	}
	if c.SweepGuard <= 0 {
		c.SweepGuard = defaultSweepGuard
	}
	if c.IdleBefore <= 0 {
		c.IdleBefore = defaultIdleBefore
	}
	if c.FailedMaxAge <= 0 {
		c.FailedMaxAge = defaultFailedMaxAge
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	return c
}

func (c Config) typeTimeout(t model.MessageType) time.Duration {
	if d, ok := c.TypeTimeouts[t]; ok && d > 0 {
		return d
	}
	return t.DefaultTimeout()
}

func (c Config) clamp(d time.Duration) time.Duration {
	if d < c.MinTimeout {
		return c.MinTimeout
	}
	if d > c.MaxTimeout {
		return c.MaxTimeout
	}
	return d
}

func (c Config) exemptText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, p := range c.ExemptPrefixes {
		if p != "" && strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

func (c Config) exemptRole(r transport.MemberRole) bool {
	for _, er := range c.ExemptRoles {
		if er == r {
			return true
		}
	}
	return false
}

type key struct {
	chatID    int64
	messageID int
}

// task is one pending deletion. index is maintained by the heap.
type task struct {
	key
	msgType  model.MessageType
	fireAt   time.Time
	retry    bool
	priority bool
	requeues int
	seq      uint64
	index    int
}

// FailedDeletion is an entry of the failed registry.
type FailedDeletion struct {
	ChatID      int64
	MessageID   int
	Type        model.MessageType
	Err         string
	FirstFailed time.Time
	LastAttempt time.Time
	// RetryCount is the number of delete attempts made so far, the first
	// failed one included.
	RetryCount int
}

// ScheduleOption adjusts a single Schedule call.
type ScheduleOption func(*request)

type request struct {
	chatID   int64
	timeout  time.Duration
	noRetry  bool
	priority bool
}

// WithChat overrides the chat the message belongs to.
func WithChat(chatID int64) ScheduleOption { return func(r *request) { r.chatID = chatID } }

// WithTimeout sets an explicit delay, still clamped to the configured bounds.
func WithTimeout(d time.Duration) ScheduleOption { return func(r *request) { r.timeout = d } }

// WithoutRetry keeps failures of this task out of the failed registry.
func WithoutRetry() ScheduleOption { return func(r *request) { r.noRetry = true } }

// WithPriority puts the task ahead of same-second peers.
func WithPriority() ScheduleOption { return func(r *request) { r.priority = true } }
