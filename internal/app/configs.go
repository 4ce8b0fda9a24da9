package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"groupkeeper/internal/broadcast"
	"groupkeeper/internal/config"
	"groupkeeper/internal/deletion"
	"groupkeeper/internal/drift"
	"groupkeeper/internal/model"
	"groupkeeper/internal/observability"
	"groupkeeper/internal/settings"
	"groupkeeper/internal/stats"
	"groupkeeper/internal/storage"
	"groupkeeper/internal/transport"
	telegram "groupkeeper/internal/transport/telegram/adapter"
	logx "groupkeeper/pkg/logx"
)

const (
	defaultSweepSpec  = "@hourly"
	defaultEvictEvery = 10 * time.Minute
	heartbeatSpec     = "@every 1m"
)

// Configs is the typed view of config.Config every component is built from.
type Configs struct {
	Location  *time.Location
	Storage   storage.Config
	Telegram  telegram.Config
	Deletion  deletion.Config
	Broadcast broadcast.Config
	Drift     drift.Config
	Recovery  stats.Config
	Metrics   observability.ServerConfig

	RecoveryEnabled bool
	SweepSpec       string
	CacheTTL        time.Duration
	EvictEvery      time.Duration
	LogChatID       int64
}

// mapConfig parses every duration and enum once; an error here rejects the
// config at startup and on hot reload alike.
func mapConfig(cfg *config.Config) (Configs, error) {
	if err := config.Validate(context.Background(), cfg); err != nil {
		return Configs{}, err
	}
	var out Configs
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return Configs{}, err
	}
	out.Location = loc

	var derr error
	d := func(path, raw string) time.Duration {
		v, perr := config.ParseDurationField(path, raw)
		if perr != nil && derr == nil {
			derr = perr
		}
		return v
	}

	if out.Storage, err = mapStorageConfig(cfg); err != nil {
		return Configs{}, err
	}
	out.Storage.Location = loc

	out.Telegram = telegram.Config{
		Token:           cfg.Telegram.Token,
		PollTimeout:     d("telegram.poll_timeout", cfg.Telegram.PollTimeout),
		CallTimeout:     d("telegram.call_timeout", cfg.Telegram.CallTimeout),
		RatePerSec:      cfg.Telegram.RatePerSec,
		BreakerFailures: cfg.Telegram.BreakerFailures,
		BreakerCooldown: d("telegram.breaker_cooldown", cfg.Telegram.BreakerCooldown),
	}
	if s := strings.TrimSpace(cfg.Telegram.LogChat); s != "" {
		id, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil {
			return Configs{}, fmt.Errorf("telegram.log_chat: invalid chat id %q", s)
		}
		out.LogChatID = id
	}

	if out.Deletion, err = mapDeletionConfig(cfg.Deletion); err != nil {
		return Configs{}, err
	}
	out.SweepSpec = defaultSweepSpec
	if s := strings.TrimSpace(cfg.Deletion.SweepInterval); s != "" {
		out.SweepSpec = "@every " + s
	}

	out.Broadcast = broadcast.Config{
		MinInterval: d("broadcast.min_interval", cfg.Broadcast.MinInterval),
		Location:    loc,
	}
	out.Drift = drift.Config{
		PollInterval:        d("broadcast.poll_interval", cfg.Broadcast.PollInterval),
		CoarseThreshold:     d("drift.coarse_threshold", cfg.Drift.CoarseThreshold),
		CalibrationInterval: d("drift.calibration_interval", cfg.Drift.CalibrationInterval),
		FineThreshold:       d("drift.fine_threshold", cfg.Drift.FineThreshold),
		DrainBudget:         d("drift.drain_budget", cfg.Drift.DrainBudget),
	}
	out.Recovery = stats.Config{
		SkipBelow:   d("recovery.skip_below", cfg.Recovery.SkipBelow),
		MaxWindow:   d("recovery.max_window", cfg.Recovery.MaxWindow),
		AverageDays: cfg.Recovery.AverageDays,
		ShareDays:   cfg.Recovery.ShareDays,
		Location:    loc,
	}
	out.RecoveryEnabled = cfg.Recovery.IsEnabled()

	out.CacheTTL = d("cache.ttl", cfg.Cache.TTL)
	if out.CacheTTL <= 0 {
		out.CacheTTL = settings.DefaultTTL
	}
	out.EvictEvery = d("cache.evict_interval", cfg.Cache.EvictInterval)
	if out.EvictEvery <= 0 {
		out.EvictEvery = defaultEvictEvery
	}

	out.Metrics = mapMetricsConfig(cfg.Metrics)
	if derr != nil {
		return Configs{}, derr
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "none":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDeletionConfig(dc config.DeletionConfig) (deletion.Config, error) {
	var out deletion.Config
	var err error
	if out.FallbackTimeout, err = config.ParseDurationField("deletion.fallback_timeout", dc.FallbackTimeout); err != nil {
		return deletion.Config{}, err
	}
	if out.MinTimeout, err = config.ParseDurationField("deletion.min_timeout", dc.MinTimeout); err != nil {
		return deletion.Config{}, err
	}
	if out.MaxTimeout, err = config.ParseDurationField("deletion.max_timeout", dc.MaxTimeout); err != nil {
		return deletion.Config{}, err
	}
	if len(dc.TypeTimeouts) > 0 {
		out.TypeTimeouts = make(map[model.MessageType]time.Duration, len(dc.TypeTimeouts))
		for k, v := range dc.TypeTimeouts {
			t, perr := model.ParseMessageType(k)
			if perr != nil {
				return deletion.Config{}, fmt.Errorf("deletion.type_timeouts: %w", perr)
			}
			dur, perr := config.ParseDurationField("deletion.type_timeouts."+k, v)
			if perr != nil {
				return deletion.Config{}, perr
			}
			out.TypeTimeouts[t] = dur
		}
	}
	if dc.ExemptRoles != nil {
		out.ExemptRoles = make([]transport.MemberRole, 0, len(dc.ExemptRoles))
		for _, r := range dc.ExemptRoles {
			role := transport.MemberRole(strings.ToLower(strings.TrimSpace(r)))
			switch role {
			case transport.RoleCreator, transport.RoleAdministrator, transport.RoleMember, transport.RoleRestricted:
				out.ExemptRoles = append(out.ExemptRoles, role)
			default:
				return deletion.Config{}, fmt.Errorf("deletion.exempt_roles: unknown role %q", r)
			}
		}
	}
	out.ExemptPrefixes = dc.ExemptPrefixes
	return out, nil
}

func mapMetricsConfig(mc config.MetricsConfig) observability.ServerConfig {
	return observability.ServerConfig{
		Enabled: mc.Enabled,
		Addr:    mc.Addr,
		Token:   mc.Token,
		Pprof:   mc.Pprof,
	}
}

func mapLogConfig(cfg *config.Config, logChatID int64) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     logChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}
