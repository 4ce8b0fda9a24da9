package adapter

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// CallTimeout bounds one outbound API call (send/delete/getChatMember).
	CallTimeout time.Duration
	// RatePerSec caps outbound calls. 0 means 25.
	RatePerSec int
	// BreakerFailures consecutive transport failures open the breaker.
	// 0 means 5; negative disables the breaker.
	BreakerFailures int
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}
