package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"groupkeeper/internal/model"
)

type statKey struct {
	group, user int64
	date        string
}

// memoryStore keeps everything in process memory.
type memoryStore struct {
	mu         sync.RWMutex
	groups     map[int64]model.GroupSettings
	broadcasts map[string]model.Broadcast
	flags      map[string]string
	stats      map[statKey][]model.MessageStat
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		groups:     map[int64]model.GroupSettings{},
		broadcasts: map[string]model.Broadcast{},
		flags:      map[string]string{},
		stats:      map[statKey][]model.MessageStat{},
	}
}

func (m *memoryStore) Close() error { return nil }

func cloneSettings(s model.GroupSettings) model.GroupSettings {
	s.Timeouts = maps.Clone(s.Timeouts)
	return s
}

func cloneBroadcast(b model.Broadcast) model.Broadcast {
	if b.LastBroadcast != nil {
		t := *b.LastBroadcast
		b.LastBroadcast = &t
	}
	b.Content.Buttons = slices.Clone(b.Content.Buttons)
	return b
}

func (m *memoryStore) GetGroupSettings(_ context.Context, groupID int64) (model.GroupSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.groups[groupID]
	if !ok {
		return model.GroupSettings{}, ErrNotFound
	}
	return cloneSettings(s), nil
}

func (m *memoryStore) SaveGroupSettings(_ context.Context, s model.GroupSettings) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.groups[s.GroupID] = cloneSettings(s)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) ListGroups(_ context.Context) ([]model.GroupSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.GroupSettings, 0, len(m.groups))
	for _, s := range m.groups {
		out = append(out, cloneSettings(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (m *memoryStore) CreateBroadcast(_ context.Context, b model.Broadcast) error {
	m.mu.Lock()
	m.broadcasts[b.ID] = cloneBroadcast(b)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetBroadcast(_ context.Context, id string) (model.Broadcast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return model.Broadcast{}, ErrNotFound
	}
	return cloneBroadcast(b), nil
}

func (m *memoryStore) ListBroadcasts(_ context.Context, groupID int64) ([]model.Broadcast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Broadcast, 0, len(m.broadcasts))
	for _, b := range m.broadcasts {
		if groupID != 0 && b.GroupID != groupID {
			continue
		}
		out = append(out, cloneBroadcast(b))
	}
	sortBroadcasts(out)
	return out, nil
}

func (m *memoryStore) GetActiveBroadcasts(_ context.Context, now time.Time) ([]model.Broadcast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Broadcast
	for _, b := range m.broadcasts {
		if b.IsDue(now) {
			out = append(out, cloneBroadcast(b))
		}
	}
	sortBroadcasts(out)
	return out, nil
}

func (m *memoryStore) updateBroadcast(id string, fn func(*model.Broadcast)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return ErrNotFound
	}
	fn(&b)
	m.broadcasts[id] = b
	return nil
}

func (m *memoryStore) UpdateBroadcastLastSent(_ context.Context, id string, at time.Time) error {
	return m.updateBroadcast(id, func(b *model.Broadcast) {
		b.LastBroadcast = &at
		b.ForceSent = false
	})
}

func (m *memoryStore) ResetBroadcastLastSent(_ context.Context, id string) error {
	return m.updateBroadcast(id, func(b *model.Broadcast) { b.LastBroadcast = nil })
}

func (m *memoryStore) SetBroadcastForceSent(_ context.Context, id string, v bool) error {
	return m.updateBroadcast(id, func(b *model.Broadcast) { b.ForceSent = v })
}

func (m *memoryStore) GetSystemFlag(_ context.Context, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.flags[name]
	return v, ok, nil
}

func (m *memoryStore) SetSystemFlag(_ context.Context, name, value string) error {
	m.mu.Lock()
	m.flags[name] = value
	m.mu.Unlock()
	return nil
}

func inDayRange(date string, r model.DayRange) bool {
	return date >= r.From && date < r.To
}

func (m *memoryStore) GetDailyMessageTotals(_ context.Context, groupID int64, r model.DayRange) ([]model.DailyTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	totals := map[string]int{}
	for k, rows := range m.stats {
		if k.group != groupID || !inDayRange(k.date, r) {
			continue
		}
		for _, row := range rows {
			if !row.Recovered {
				totals[k.date] += row.Count
			}
		}
	}
	out := make([]model.DailyTotal, 0, len(totals))
	for d, n := range totals {
		out = append(out, model.DailyTotal{Date: d, Total: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *memoryStore) GetUserMessageShares(_ context.Context, groupID int64, r model.DayRange) (map[int64]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	per := map[int64]int{}
	total := 0
	for k, rows := range m.stats {
		if k.group != groupID || !inDayRange(k.date, r) {
			continue
		}
		for _, row := range rows {
			if !row.Recovered {
				per[k.user] += row.Count
				total += row.Count
			}
		}
	}
	return shares(per, total), nil
}

func (m *memoryStore) InsertMessageStat(_ context.Context, row model.MessageStat) (bool, error) {
	k := statKey{group: row.GroupID, user: row.UserID, date: row.Date}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stats[k]) > 0 {
		return false, nil
	}
	m.stats[k] = []model.MessageStat{row}
	return true, nil
}

func (m *memoryStore) IncrementMessageStat(_ context.Context, groupID, userID int64, date string, n int) error {
	k := statKey{group: groupID, user: userID, date: date}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.stats[k]
	for i := range rows {
		if !rows[i].Recovered {
			rows[i].Count += n
			return nil
		}
	}
	m.stats[k] = append(rows, model.MessageStat{GroupID: groupID, UserID: userID, Date: date, Count: n})
	return nil
}

func (m *memoryStore) CountMessageStats(_ context.Context, groupID int64, f model.StatFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k, rows := range m.stats {
		if k.group != groupID {
			continue
		}
		for _, row := range rows {
			if matchesFilter(row.Recovered, f) {
				n++
			}
		}
	}
	return n, nil
}

func shares(per map[int64]int, total int) map[int64]float64 {
	out := make(map[int64]float64, len(per))
	if total <= 0 {
		return out
	}
	for u, n := range per {
		if n > 0 {
			out[u] = float64(n) / float64(total)
		}
	}
	return out
}

func sortBroadcasts(bs []model.Broadcast) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].StartTime.Equal(bs[j].StartTime) {
			return bs[i].StartTime.Before(bs[j].StartTime)
		}
		return bs[i].ID < bs[j].ID
	})
}
