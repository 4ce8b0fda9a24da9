package model

import "time"

// GroupSettings is the per-group configuration the core reads.
// Timeouts and DefaultTimeout are in seconds; 0 means "not set".
type GroupSettings struct {
	GroupID        int64
	AutoDelete     bool
	StatsEnabled   bool
	Timeouts       map[MessageType]int
	DefaultTimeout int
	UpdatedAt      time.Time
}

// TimeoutFor returns the group's configured timeout for t, if any.
func (s GroupSettings) TimeoutFor(t MessageType) (time.Duration, bool) {
	if v, ok := s.Timeouts[t]; ok && v > 0 {
		return time.Duration(v) * time.Second, true
	}
	if s.DefaultTimeout > 0 {
		return time.Duration(s.DefaultTimeout) * time.Second, true
	}
	return 0, false
}

// SystemRunMarker is the system flag holding the last process start time.
const SystemRunMarker = "last_run_time"

// DefaultGroupSettings is used for groups that never saved settings.
func DefaultGroupSettings(groupID int64) GroupSettings {
	return GroupSettings{GroupID: groupID, AutoDelete: true, StatsEnabled: true}
}
