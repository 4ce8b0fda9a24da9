package model

import "time"

// DateLayout is the storage format for per-day counters.
const DateLayout = "2006-01-02"

// MessageStat is one per-user, per-day message counter row.
// Recovered rows are estimates written after downtime, never observed counts.
type MessageStat struct {
	GroupID   int64
	UserID    int64
	Date      string
	Count     int
	Recovered bool
}

type DailyTotal struct {
	Date  string
	Total int
}

// DateRange is a half-open [From, To) interval of calendar days.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Days returns the calendar dates covered by r in loc.
func (r DateRange) Days(loc *time.Location) []string {
	if loc == nil {
		loc = time.UTC
	}
	if !r.From.Before(r.To) {
		return nil
	}
	from := r.From.In(loc)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	var out []string
	for day.Before(r.To) {
		out = append(out, day.Format(DateLayout))
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// DayRange is a half-open [From, To) range of DateLayout dates.
// Dates compare correctly as strings.
type DayRange struct {
	From string
	To   string
}

// DayRange converts r to calendar dates in loc.
func (r DateRange) DayRange(loc *time.Location) DayRange {
	if loc == nil {
		loc = time.UTC
	}
	return DayRange{From: r.From.In(loc).Format(DateLayout), To: r.To.In(loc).Format(DateLayout)}
}

// StatFilter selects rows for CountMessageStats.
type StatFilter int

const (
	StatsAll StatFilter = iota
	StatsObserved
	StatsRecovered
)
