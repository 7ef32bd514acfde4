package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "checkinbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const auditKeep = 10000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
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

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutUser(ctx context.Context, u User) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	u, err := normalizeUser(u, time.Now())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (
			user_key, chat_id, username, interval_weekday, interval_weekend,
			quiet_start, quiet_end, reminder_enabled, reminder_delay, timezone,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_key) DO UPDATE SET
			chat_id          = excluded.chat_id,
			username         = excluded.username,
			interval_weekday = excluded.interval_weekday,
			interval_weekend = excluded.interval_weekend,
			quiet_start      = excluded.quiet_start,
			quiet_end        = excluded.quiet_end,
			reminder_enabled = excluded.reminder_enabled,
			reminder_delay   = excluded.reminder_delay,
			timezone         = excluded.timezone,
			updated_at       = excluded.updated_at`,
		u.Key, u.ChatID, nullStr(u.Username), int64(u.IntervalWeekday), int64(u.IntervalWeekend),
		nullStr(u.QuietStart), nullStr(u.QuietEnd), boolToInt(u.ReminderEnabled), int64(u.ReminderDelay), nullStr(u.Timezone),
		u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli(),
	)
	return err
}

const userColumns = `user_key, chat_id, username, interval_weekday, interval_weekend,
	quiet_start, quiet_end, reminder_enabled, reminder_delay, timezone, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (User, error) {
	var u User
	var username, qs, qe, tz sql.NullString
	var weekday, weekend, remindDelay, created, updated int64
	var reminder int
	if err := r.Scan(&u.Key, &u.ChatID, &username, &weekday, &weekend, &qs, &qe, &reminder, &remindDelay, &tz, &created, &updated); err != nil {
		return User{}, err
	}
	u.Username, u.QuietStart, u.QuietEnd, u.Timezone = username.String, qs.String, qe.String, tz.String
	u.IntervalWeekday, u.IntervalWeekend = time.Duration(weekday), time.Duration(weekend)
	u.ReminderEnabled, u.ReminderDelay = reminder != 0, time.Duration(remindDelay)
	u.CreatedAt, u.UpdatedAt = time.UnixMilli(created).UTC(), time.UnixMilli(updated).UTC()
	return u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, key string) (User, error) {
	if s == nil || s.db == nil {
		return User{}, ErrDisabled
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_key = ?`, strings.TrimSpace(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *sqliteStore) DeleteUser(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE user_key = ?`, strings.TrimSpace(key))
	return err
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]User, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY user_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordLastPollTime(ctx context.Context, key string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_poll_at = ? WHERE user_key = ?`, at.UnixMilli(), strings.TrimSpace(key))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) LastPollTime(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT last_poll_at FROM users WHERE user_key = ?`, strings.TrimSpace(key)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !ms.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, user_key, action, detail) VALUES(?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.UserKey), e.Action, nullStr(e.Detail),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneAudit(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, userKey string, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT at, user_key, action, detail FROM audit`
	args := []any{}
	if k := strings.TrimSpace(userKey); k != "" {
		q += ` WHERE user_key = ?`
		args = append(args, k)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			at           string
			user, detail sql.NullString
			e            AuditEntry
		)
		if err := rows.Scan(&at, &user, &e.Action, &detail); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.UserKey, e.Detail = user.String, detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneAudit(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE id <= (SELECT MAX(id) FROM audit) - ?`, auditKeep)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
