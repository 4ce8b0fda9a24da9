package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// IsEnabled reports whether downtime recovery runs at startup (default on).
func (r RecoveryConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Location resolves scheduler.timezone. Empty means the host's local zone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// Validate checks fields that cannot be defaulted. It is also installed as the
// hot-reload validator, so a bad edit never replaces a working config.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := cfg.Scheduler.Location(); err != nil {
		errs = append(errs, err)
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"telegram.call_timeout", cfg.Telegram.CallTimeout},
		{"telegram.breaker_cooldown", cfg.Telegram.BreakerCooldown},
		{"deletion.fallback_timeout", cfg.Deletion.FallbackTimeout},
		{"deletion.min_timeout", cfg.Deletion.MinTimeout},
		{"deletion.max_timeout", cfg.Deletion.MaxTimeout},
		{"deletion.sweep_interval", cfg.Deletion.SweepInterval},
		{"broadcast.poll_interval", cfg.Broadcast.PollInterval},
		{"broadcast.min_interval", cfg.Broadcast.MinInterval},
		{"drift.coarse_threshold", cfg.Drift.CoarseThreshold},
		{"drift.calibration_interval", cfg.Drift.CalibrationInterval},
		{"drift.fine_threshold", cfg.Drift.FineThreshold},
		{"drift.drain_budget", cfg.Drift.DrainBudget},
		{"cache.ttl", cfg.Cache.TTL},
		{"cache.evict_interval", cfg.Cache.EvictInterval},
		{"recovery.skip_below", cfg.Recovery.SkipBelow},
		{"recovery.max_window", cfg.Recovery.MaxWindow},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	for k, v := range cfg.Deletion.TypeTimeouts {
		if _, err := ParseDurationField("deletion.type_timeouts."+k, v); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Recovery.AverageDays < 0 || cfg.Recovery.ShareDays < 0 {
		errs = append(errs, errors.New("recovery.average_days and recovery.share_days must be >= 0"))
	}
	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics.enabled=true"))
	}
	return errors.Join(errs...)
}
