package eventbus

import "time"

// Event types published by the core.
const (
	// PlatformForbidden: the bot lost rights in a chat. Data is PlatformForbiddenData.
	PlatformForbidden = "platform.forbidden"
	// DriftDetected: a loop woke up later than expected. Data is DriftData.
	DriftDetected = "drift.detected"
	// DriftRecovered: recovery actions completed. Data is DriftData.
	DriftRecovered = "drift.recovered"
	// StatsRecovered: startup statistics recovery finished. Data is the recovery report.
	StatsRecovered = "stats.recovered"
	// ConfigReloaded: a new config was committed. Data is []string of changed sections.
	ConfigReloaded = "config.reloaded"
)

type PlatformForbiddenData struct {
	ChatID    int64
	MessageID int
	Op        string
	Err       string
}

type DriftData struct {
	Loop     string
	Gap      time.Duration
	Duration time.Duration
}
