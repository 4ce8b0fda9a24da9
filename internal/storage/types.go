package storage

import (
	"context"
	"errors"
	"time"

	"groupkeeper/internal/model"
)

var ErrNotFound = errors.New("not found")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on exit
//   - "sqlite": SQLite database file
//
// If Driver is empty, "memory" is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Location is the zone loaded broadcast times are expressed in. Broadcast
	// grids follow the anchor's local clock, so this must match the scheduler.
	Location *time.Location
}

// Store is the persistence API used by the core.
type Store interface {
	// GetGroupSettings returns ErrNotFound for groups that never saved settings.
	GetGroupSettings(ctx context.Context, groupID int64) (model.GroupSettings, error)
	SaveGroupSettings(ctx context.Context, s model.GroupSettings) error
	ListGroups(ctx context.Context) ([]model.GroupSettings, error)

	CreateBroadcast(ctx context.Context, b model.Broadcast) error
	GetBroadcast(ctx context.Context, id string) (model.Broadcast, error)
	// ListBroadcasts returns every broadcast of groupID, or of all groups when groupID is 0.
	ListBroadcasts(ctx context.Context, groupID int64) ([]model.Broadcast, error)
	// GetActiveBroadcasts returns broadcasts whose due predicate holds at now.
	GetActiveBroadcasts(ctx context.Context, now time.Time) ([]model.Broadcast, error)
	// UpdateBroadcastLastSent records a completed send and clears ForceSent.
	UpdateBroadcastLastSent(ctx context.Context, id string, at time.Time) error
	ResetBroadcastLastSent(ctx context.Context, id string) error
	SetBroadcastForceSent(ctx context.Context, id string, v bool) error

	GetSystemFlag(ctx context.Context, name string) (string, bool, error)
	SetSystemFlag(ctx context.Context, name, value string) error

	// GetDailyMessageTotals sums observed counters per date in r.
	GetDailyMessageTotals(ctx context.Context, groupID int64, r model.DayRange) ([]model.DailyTotal, error)
	// GetUserMessageShares returns each user's fraction of observed messages in r.
	GetUserMessageShares(ctx context.Context, groupID int64, r model.DayRange) (map[int64]float64, error)
	// InsertMessageStat inserts row unless any row for (group, user, date) exists.
	// It reports whether a row was written.
	InsertMessageStat(ctx context.Context, row model.MessageStat) (bool, error)
	// IncrementMessageStat adds n to the observed counter for (group, user, date).
	IncrementMessageStat(ctx context.Context, groupID, userID int64, date string, n int) error
	CountMessageStats(ctx context.Context, groupID int64, f model.StatFilter) (int, error)

	Close() error
}

func matchesFilter(recovered bool, f model.StatFilter) bool {
	switch f {
	case model.StatsObserved:
		return !recovered
	case model.StatsRecovered:
		return recovered
	default:
		return true
	}
}
