package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"groupkeeper/internal/model"
	logx "groupkeeper/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

type gooseLogger struct {
	log logx.Logger
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, loc: cfg.Location}
	if st.loc == nil {
		st.loc = time.Local
	}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{log: s.log})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (s *sqliteStore) GetGroupSettings(ctx context.Context, groupID int64) (model.GroupSettings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT group_id, auto_delete, stats_enabled, timeouts, default_timeout, updated_at
		 FROM group_settings WHERE group_id = ?`, groupID)
	gs, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GroupSettings{}, ErrNotFound
	}
	return gs, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSettings(r scanner) (model.GroupSettings, error) {
	var (
		gs               model.GroupSettings
		autoDel, statsOn int
		timeouts         string
		updated          int64
	)
	if err := r.Scan(&gs.GroupID, &autoDel, &statsOn, &timeouts, &gs.DefaultTimeout, &updated); err != nil {
		return model.GroupSettings{}, err
	}
	gs.AutoDelete = autoDel != 0
	gs.StatsEnabled = statsOn != 0
	gs.UpdatedAt = time.UnixMilli(updated)
	if timeouts != "" && timeouts != "{}" {
		if err := json.Unmarshal([]byte(timeouts), &gs.Timeouts); err != nil {
			return model.GroupSettings{}, fmt.Errorf("group %d timeouts: %w", gs.GroupID, err)
		}
	}
	return gs, nil
}

func (s *sqliteStore) SaveGroupSettings(ctx context.Context, gs model.GroupSettings) error {
	if gs.UpdatedAt.IsZero() {
		gs.UpdatedAt = time.Now()
	}
	timeouts := []byte("{}")
	if len(gs.Timeouts) > 0 {
		b, err := json.Marshal(gs.Timeouts)
		if err != nil {
			return err
		}
		timeouts = b
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_settings(group_id, auto_delete, stats_enabled, timeouts, default_timeout, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(group_id) DO UPDATE SET
		   auto_delete=excluded.auto_delete, stats_enabled=excluded.stats_enabled,
		   timeouts=excluded.timeouts, default_timeout=excluded.default_timeout, updated_at=excluded.updated_at`,
		gs.GroupID, boolInt(gs.AutoDelete), boolInt(gs.StatsEnabled), string(timeouts), gs.DefaultTimeout, gs.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListGroups(ctx context.Context) ([]model.GroupSettings, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, auto_delete, stats_enabled, timeouts, default_timeout, updated_at
		 FROM group_settings ORDER BY group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.GroupSettings
	for rows.Next() {
		gs, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}

const broadcastCols = `id, group_id, content, start_time, end_time, repeat_type, interval_minutes,
	schedule_time, anchor_at, last_broadcast, force_sent, created_at`

func scanBroadcast(r scanner, loc *time.Location) (model.Broadcast, error) {
	var (
		b                          model.Broadcast
		content, repeat            string
		start, end, anchor, create int64
		last                       sql.NullInt64
		force                      int
	)
	if err := r.Scan(&b.ID, &b.GroupID, &content, &start, &end, &repeat, &b.IntervalMinutes,
		&b.ScheduleTime, &anchor, &last, &force, &create); err != nil {
		return model.Broadcast{}, err
	}
	if err := json.Unmarshal([]byte(content), &b.Content); err != nil {
		return model.Broadcast{}, fmt.Errorf("broadcast %s content: %w", b.ID, err)
	}
	b.StartTime = time.UnixMilli(start).In(loc)
	b.EndTime = time.UnixMilli(end).In(loc)
	b.RepeatType = model.RepeatType(repeat)
	b.AnchorAt = time.UnixMilli(anchor).In(loc)
	b.ForceSent = force != 0
	b.CreatedAt = time.UnixMilli(create).In(loc)
	if last.Valid {
		t := time.UnixMilli(last.Int64).In(loc)
		b.LastBroadcast = &t
	}
	return b, nil
}

func (s *sqliteStore) queryBroadcasts(ctx context.Context, where string, args ...any) ([]model.Broadcast, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+broadcastCols+` FROM broadcasts `+where+` ORDER BY start_time, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows, s.loc)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateBroadcast(ctx context.Context, b model.Broadcast) error {
	content, err := json.Marshal(b.Content)
	if err != nil {
		return err
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	var last any
	if b.LastBroadcast != nil {
		last = b.LastBroadcast.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(`+broadcastCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.GroupID, string(content), b.StartTime.UnixMilli(), b.EndTime.UnixMilli(), string(b.RepeatType),
		b.IntervalMinutes, b.ScheduleTime, b.Anchor().UnixMilli(), last, boolInt(b.ForceSent), b.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetBroadcast(ctx context.Context, id string) (model.Broadcast, error) {
	b, err := scanBroadcast(s.db.QueryRowContext(ctx, `SELECT `+broadcastCols+` FROM broadcasts WHERE id = ?`, id), s.loc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Broadcast{}, ErrNotFound
	}
	return b, err
}

func (s *sqliteStore) ListBroadcasts(ctx context.Context, groupID int64) ([]model.Broadcast, error) {
	if groupID == 0 {
		return s.queryBroadcasts(ctx, "")
	}
	return s.queryBroadcasts(ctx, "WHERE group_id = ?", groupID)
}

// GetActiveBroadcasts narrows by start time in SQL; the anchored due check runs in Go.
func (s *sqliteStore) GetActiveBroadcasts(ctx context.Context, now time.Time) ([]model.Broadcast, error) {
	all, err := s.queryBroadcasts(ctx, "WHERE start_time <= ?", now.UnixMilli())
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if b.IsDue(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *sqliteStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdateBroadcastLastSent(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE broadcasts SET last_broadcast = ?, force_sent = 0 WHERE id = ?`, at.UnixMilli(), id)
}

func (s *sqliteStore) ResetBroadcastLastSent(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE broadcasts SET last_broadcast = NULL WHERE id = ?`, id)
}

func (s *sqliteStore) SetBroadcastForceSent(ctx context.Context, id string, v bool) error {
	return s.execOne(ctx, `UPDATE broadcasts SET force_sent = ? WHERE id = ?`, boolInt(v), id)
}

func (s *sqliteStore) GetSystemFlag(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_flags WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) SetSystemFlag(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_flags(name, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		name, value, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetDailyMessageTotals(ctx context.Context, groupID int64, r model.DayRange) ([]model.DailyTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, SUM(count) FROM message_stats
		 WHERE group_id = ? AND recovered = 0 AND date >= ? AND date < ?
		 GROUP BY date ORDER BY date`, groupID, r.From, r.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DailyTotal
	for rows.Next() {
		var d model.DailyTotal
		if err := rows.Scan(&d.Date, &d.Total); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetUserMessageShares(ctx context.Context, groupID int64, r model.DayRange) (map[int64]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, SUM(count) FROM message_stats
		 WHERE group_id = ? AND recovered = 0 AND date >= ? AND date < ?
		 GROUP BY user_id`, groupID, r.From, r.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	per := map[int64]int{}
	total := 0
	for rows.Next() {
		var (
			user int64
			n    int
		)
		if err := rows.Scan(&user, &n); err != nil {
			return nil, err
		}
		per[user] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shares(per, total), nil
}

func (s *sqliteStore) InsertMessageStat(ctx context.Context, row model.MessageStat) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM message_stats WHERE group_id = ? AND user_id = ? AND date = ?`,
		row.GroupID, row.UserID, row.Date).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists > 0 {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message_stats(group_id, user_id, date, count, recovered, created_at) VALUES(?,?,?,?,?,?)`,
		row.GroupID, row.UserID, row.Date, row.Count, boolInt(row.Recovered), time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) IncrementMessageStat(ctx context.Context, groupID, userID int64, date string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_stats(group_id, user_id, date, count, recovered, created_at) VALUES(?,?,?,?,0,?)
		 ON CONFLICT(group_id, user_id, date, recovered) DO UPDATE SET count = count + excluded.count`,
		groupID, userID, date, n, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) CountMessageStats(ctx context.Context, groupID int64, f model.StatFilter) (int, error) {
	q := `SELECT COUNT(1) FROM message_stats WHERE group_id = ?`
	switch f {
	case model.StatsObserved:
		q += ` AND recovered = 0`
	case model.StatsRecovered:
		q += ` AND recovered = 1`
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, groupID).Scan(&n)
	return n, err
}
