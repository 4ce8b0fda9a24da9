package config

// Config is the process configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "5m"); an empty string means "use the default".
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Deletion  DeletionConfig  `json:"deletion"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Drift     DriftConfig     `json:"drift"`
	Cache     CacheConfig     `json:"cache"`
	Recovery  RecoveryConfig  `json:"recovery"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChat receives WARN+ log lines when logging.telegram.enabled is set.
	LogChat string `json:"log_chat"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// RatePerSec caps outbound API calls (send/delete/getChatMember).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// CallTimeout bounds a single API call.
	CallTimeout string `json:"call_timeout,omitempty"`
	// BreakerFailures trips the platform circuit breaker after this many
	// consecutive transport failures. 0 means 5; negative disables the breaker.
	BreakerFailures int    `json:"breaker_failures,omitempty"`
	BreakerCooldown string `json:"breaker_cooldown,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the settings store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/groupkeeper.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type SchedulerConfig struct {
	// Timezone anchors broadcast HH:MM schedule times and stat dates (IANA name).
	Timezone string `json:"timezone,omitempty"`
}

// DeletionConfig controls the deferred deletion engine.
//
// Defaults (when fields are omitted/zero):
//   - fallback_timeout: "300s"
//   - min_timeout: "5s"
//   - max_timeout: "47h" (Telegram refuses deletes after 48h)
//   - exempt_roles: ["creator", "administrator"]
type DeletionConfig struct {
	FallbackTimeout string            `json:"fallback_timeout,omitempty"`
	MinTimeout      string            `json:"min_timeout,omitempty"`
	MaxTimeout      string            `json:"max_timeout,omitempty"`
	TypeTimeouts    map[string]string `json:"type_timeouts,omitempty"`
	ExemptRoles     []string          `json:"exempt_roles,omitempty"`
	ExemptPrefixes  []string          `json:"exempt_prefixes,omitempty"`
	SweepInterval   string            `json:"sweep_interval,omitempty"`
}

type BroadcastConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // default "60s"
	MinInterval  string `json:"min_interval,omitempty"`  // default "5m"
}

type DriftConfig struct {
	CoarseThreshold     string `json:"coarse_threshold,omitempty"`     // default "120s"
	CalibrationInterval string `json:"calibration_interval,omitempty"` // default "60s"
	FineThreshold       string `json:"fine_threshold,omitempty"`       // default "30s"
	DrainBudget         string `json:"drain_budget,omitempty"`         // default "5m"
}

type CacheConfig struct {
	TTL           string `json:"ttl,omitempty"`            // default "5m"
	EvictInterval string `json:"evict_interval,omitempty"` // default "10m"
}

// RecoveryConfig controls downtime statistics recovery.
// Enabled is a pointer so "omitted" (default on) differs from an explicit false.
type RecoveryConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	SkipBelow   string `json:"skip_below,omitempty"` // default "5m"
	MaxWindow   string `json:"max_window,omitempty"` // default "48h"
	AverageDays int    `json:"average_days,omitempty"`
	ShareDays   int    `json:"share_days,omitempty"`
}

// MetricsConfig controls the optional metrics/health HTTP server.
//
// Security note: prefer binding to localhost (e.g. "127.0.0.1:9090").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
