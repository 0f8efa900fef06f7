package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"legendalf/internal/schedule"
	logx "legendalf/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// One connection: every write is serialized, which also serializes
	// writes per schedule id.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, classify("open "+path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	var res string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&res); err != nil {
		return err
	}
	if res != "ok" {
		return fmt.Errorf("%w: quick_check: %s", ErrStoreCorrupt, res)
	}
	return nil
}

// classify maps sqlite corruption codes onto ErrStoreCorrupt.
func classify(what string, err error) error {
	if err == nil || errors.Is(err, ErrStoreCorrupt) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return corrupt(what, err)
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "file is not a database") || strings.Contains(msg, "malformed") {
		return corrupt(what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) ([]schedule.Schedule, error) {
	return s.query(ctx, `SELECT data FROM schedules`)
}

func (s *sqliteStore) ListByChat(ctx context.Context, chatID int64) ([]schedule.Schedule, error) {
	return s.query(ctx, `SELECT data FROM schedules WHERE chat_id = ?`, chatID)
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("load schedules", err)
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, classify("scan schedule", err)
		}
		var sc schedule.Schedule
		if err := json.Unmarshal([]byte(data), &sc); err != nil {
			return nil, corrupt("decode schedule", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load schedules", err)
	}
	sortSchedules(out)
	return out, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (schedule.Schedule, error) {
	return getSchedule(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getSchedule(ctx context.Context, q queryer, id string) (schedule.Schedule, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM schedules WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return schedule.Schedule{}, classify("get schedule", err)
	}
	var sc schedule.Schedule
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return schedule.Schedule{}, corrupt("decode schedule "+id, err)
	}
	return sc, nil
}

func putSchedule(ctx context.Context, q queryer, sc schedule.Schedule) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	var next any
	if !sc.NextFireAt.IsZero() {
		next = sc.NextFireAt.UnixMilli()
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO schedules(id, chat_id, kind, enabled, next_fire_at, created_at, data)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   chat_id=excluded.chat_id, kind=excluded.kind, enabled=excluded.enabled,
		   next_fire_at=excluded.next_fire_at, data=excluded.data`,
		sc.ID, sc.ChatID, string(sc.Kind), boolInt(sc.Enabled), next, sc.CreatedAt.UnixMilli(), string(data),
	)
	return classify("save schedule", err)
}

func (s *sqliteStore) Save(ctx context.Context, sc schedule.Schedule) error {
	if strings.TrimSpace(sc.ID) == "" {
		return fmt.Errorf("%w: empty id", schedule.ErrInvalid)
	}
	return putSchedule(ctx, s.db, sc)
}

func (s *sqliteStore) Update(ctx context.Context, id string, fn func(*schedule.Schedule) error) (schedule.Schedule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schedule.Schedule{}, classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	sc, err := getSchedule(ctx, tx, id)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if err := fn(&sc); err != nil {
		return schedule.Schedule{}, err
	}
	sc.ID = id
	if err := putSchedule(ctx, tx, sc); err != nil {
		return schedule.Schedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return schedule.Schedule{}, classify("commit", err)
	}
	return sc, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return classify("delete schedule", err)
}

func (s *sqliteStore) PutGrant(ctx context.Context, g Grant) error {
	if !g.Role.Valid() {
		return fmt.Errorf("invalid role %q", g.Role)
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO grants(user_id, role, data) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET role=excluded.role, data=excluded.data`,
		g.UserID, string(g.Role), string(data),
	)
	return classify("save grant", err)
}

func (s *sqliteStore) GetGrant(ctx context.Context, userID int64) (Grant, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM grants WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, fmt.Errorf("grant %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return Grant{}, classify("get grant", err)
	}
	var g Grant
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return Grant{}, corrupt("decode grant", err)
	}
	return g, nil
}

func (s *sqliteStore) ListGrants(ctx context.Context, role Role) ([]Grant, error) {
	q, args := `SELECT data FROM grants`, []any{}
	if role != "" {
		q, args = q+` WHERE role = ?`, append(args, string(role))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list grants", err)
	}
	defer rows.Close()
	var out []Grant
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, classify("scan grant", err)
		}
		var g Grant
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return nil, corrupt("decode grant", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list grants", err)
	}
	sortGrants(out)
	return out, nil
}

func (s *sqliteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("get meta", err)
	}
	return v, true, nil
}

func (s *sqliteStore) PutMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return classify("put meta", err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
