package config

import (
	"reflect"
	"strings"

	logx "groupkeeper/pkg/logx"
)

// section describes one top-level config block for reload handling.
type section struct {
	name string
	// live sections are pushed into running components on reload; the rest
	// only take effect after a restart.
	live bool
	same func(a, b *Config) bool
	// summary returns loggable fields for the new value. Secrets are only
	// reported as set or unset.
	summary func(c *Config) []logx.Field
}

func trimmedEq(a, b string) bool { return strings.TrimSpace(a) == strings.TrimSpace(b) }

func isSet(s string) bool { return strings.TrimSpace(s) != "" }

// sections is sorted by name so Diff output is stable.
var sections = []section{
	{
		name: "broadcast",
		same: func(a, b *Config) bool { return a.Broadcast == b.Broadcast },
		summary: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.String("broadcast.poll_interval", c.Broadcast.PollInterval),
				logx.String("broadcast.min_interval", c.Broadcast.MinInterval),
			}
		},
	},
	{
		name:    "cache",
		same:    func(a, b *Config) bool { return a.Cache == b.Cache },
		summary: func(c *Config) []logx.Field { return []logx.Field{logx.String("cache.ttl", c.Cache.TTL)} },
	},
	{
		name: "deletion",
		same: func(a, b *Config) bool { return reflect.DeepEqual(a.Deletion, b.Deletion) },
		summary: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.String("deletion.fallback_timeout", c.Deletion.FallbackTimeout),
				logx.Int("deletion.type_timeouts", len(c.Deletion.TypeTimeouts)),
				logx.Int("deletion.exempt_prefixes", len(c.Deletion.ExemptPrefixes)),
			}
		},
	},
	{
		name: "drift",
		same: func(a, b *Config) bool { return a.Drift == b.Drift },
		summary: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.String("drift.coarse_threshold", c.Drift.CoarseThreshold),
				logx.String("drift.fine_threshold", c.Drift.FineThreshold),
			}
		},
	},
	{
		name: "logging",
		live: true,
		same: func(a, b *Config) bool { return reflect.DeepEqual(a.Logging, b.Logging) },
		summary: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.String("logging.level", c.Logging.Level),
				logx.Bool("logging.file", c.Logging.File.Enabled),
				logx.Bool("logging.chat", c.Logging.Telegram.Enabled),
			}
		},
	},
	{
		name: "metrics",
		live: true,
		same: func(a, b *Config) bool {
			return a.Metrics.Enabled == b.Metrics.Enabled && a.Metrics.Pprof == b.Metrics.Pprof &&
				trimmedEq(a.Metrics.Addr, b.Metrics.Addr) && trimmedEq(a.Metrics.Token, b.Metrics.Token)
		},
		summary: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("metrics.enabled", c.Metrics.Enabled),
				logx.String("metrics.addr", strings.TrimSpace(c.Metrics.Addr)),
				logx.Bool("metrics.token_set", isSet(c.Metrics.Token)),
			}
		},
	},
	{
		name: "owners",
		live: true,
		same: func(a, b *Config) bool {
			return reflect.DeepEqual(a.Telegram.OwnerUserIDs, b.Telegram.OwnerUserIDs)
		},
		summary: func(c *Config) []logx.Field {
			return []logx.Field{logx.Int("telegram.owner_count", len(c.Telegram.OwnerUserIDs))}
		},
	},
	{
		name:    "recovery",
		same:    func(a, b *Config) bool { return reflect.DeepEqual(a.Recovery, b.Recovery) },
		summary: func(c *Config) []logx.Field { return []logx.Field{logx.Bool("recovery.enabled", c.Recovery.IsEnabled())} },
	},
	{
		name: "scheduler",
		same: func(a, b *Config) bool { return trimmedEq(a.Scheduler.Timezone, b.Scheduler.Timezone) },
		summary: func(c *Config) []logx.Field {
			return []logx.Field{logx.String("scheduler.timezone", strings.TrimSpace(c.Scheduler.Timezone))}
		},
	},
	{
		name: "storage",
		same: func(a, b *Config) bool {
			var x, y StorageConfig
			if a.Storage != nil {
				x = *a.Storage
			}
			if b.Storage != nil {
				y = *b.Storage
			}
			return trimmedEq(x.Driver, y.Driver) && trimmedEq(x.Path, y.Path) && trimmedEq(x.BusyTimeout, y.BusyTimeout)
		},
		summary: func(c *Config) []logx.Field {
			if c.Storage == nil {
				return []logx.Field{logx.String("storage.driver", "memory")}
			}
			return []logx.Field{logx.String("storage.driver", c.Storage.Driver), logx.Bool("storage.path_set", isSet(c.Storage.Path))}
		},
	},
	{
		name: "telegram",
		same: func(a, b *Config) bool {
			x, y := a.Telegram, b.Telegram
			x.OwnerUserIDs, y.OwnerUserIDs = nil, nil
			return reflect.DeepEqual(x, y)
		},
		summary: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("telegram.token_set", isSet(c.Telegram.Token)),
				logx.Bool("telegram.log_chat_set", isSet(c.Telegram.LogChat)),
				logx.Int("telegram.rate_per_sec", c.Telegram.RatePerSec),
			}
		},
	},
}

// Diff names the sections that differ between two configs, in sorted order,
// with log fields describing the new values. A nil config counts as empty.
func Diff(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var fields []logx.Field
	for _, s := range sections {
		if s.same(oldCfg, newCfg) {
			continue
		}
		changed = append(changed, s.name)
		fields = append(fields, s.summary(newCfg)...)
	}
	return changed, fields
}

// RestartRequired filters changed down to the sections that are not applied
// live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, name := range changed {
		for _, s := range sections {
			if s.name == name && !s.live {
				out = append(out, name)
			}
		}
	}
	return out
}
