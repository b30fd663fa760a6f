// Package durable stores completed sessions in SQLite, one row per
// (user, start time).
package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultTimeout bounds every durable-store query.
const DefaultTimeout = 4 * time.Second

// ErrUnavailable wraps every failure to reach the durable store, whether
// the database is closed, unreachable, slow, or missing its schema.
var ErrUnavailable = errors.New("durable store unavailable")

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one completed session. Duration is whole seconds; ElapsedTime
// and PausedTime are fractional seconds.
type Record struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"userId"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	Duration    int64     `json:"duration"`
	ElapsedTime float64   `json:"elapsedTime"`
	PausedTime  float64   `json:"pausedTime"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Repository struct {
	db      *sql.DB
	timeout time.Duration
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the schema exists.
func Open(path string, timeout time.Duration) (*Repository, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	r := &Repository{db: db, timeout: timeout}
	if err := r.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) ensureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  start_time TEXT NOT NULL,
  end_time TEXT NOT NULL,
  duration INTEGER NOT NULL,
  elapsed_time REAL NOT NULL,
  paused_time REAL NOT NULL,
  created_at TEXT NOT NULL,
  UNIQUE(user_id, start_time)
);
CREATE INDEX IF NOT EXISTS sessions_user_start ON sessions(user_id, start_time DESC);
`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

const selectColumns = `id, user_id, start_time, end_time, duration, elapsed_time, paused_time, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec                       Record
		start, end, createdAtText string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &start, &end, &rec.Duration, &rec.ElapsedTime, &rec.PausedTime, &createdAtText); err != nil {
		return Record{}, err
	}
	var err error
	if rec.StartTime, err = time.Parse(timeLayout, start); err != nil {
		return Record{}, fmt.Errorf("parse start_time: %w", err)
	}
	if rec.EndTime, err = time.Parse(timeLayout, end); err != nil {
		return Record{}, fmt.Errorf("parse end_time: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAtText); err != nil {
		return Record{}, fmt.Errorf("parse created_at: %w", err)
	}
	return rec, nil
}

// Find looks up the record for (userID, start).
func (r *Repository) Find(ctx context.Context, userID string, start time.Time) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM sessions WHERE user_id = ? AND start_time = ?`,
		userID, formatTime(start))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, unavailable("find session", err)
	}
	return rec, true, nil
}

// CreateIfAbsent inserts rec unless a record for (rec.UserID,
// rec.StartTime) already exists, in which case the existing record is
// returned unchanged with created=false.
func (r *Repository) CreateIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if existing, ok, err := r.Find(ctx, rec.UserID, rec.StartTime); err != nil {
		return Record{}, false, err
	} else if ok {
		return existing, false, nil
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	insertCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.db.ExecContext(insertCtx, `
INSERT INTO sessions (user_id, start_time, end_time, duration, elapsed_time, paused_time, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, start_time) DO NOTHING`,
		rec.UserID,
		formatTime(rec.StartTime),
		formatTime(rec.EndTime),
		rec.Duration,
		rec.ElapsedTime,
		rec.PausedTime,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return Record{}, false, unavailable("insert session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, false, unavailable("insert session", err)
	}
	if n == 0 {
		// Lost a race with a concurrent insert for the same key.
		existing, ok, err := r.Find(ctx, rec.UserID, rec.StartTime)
		if err != nil {
			return Record{}, false, err
		}
		if !ok {
			return Record{}, false, unavailable("insert session", errors.New("conflicting row vanished"))
		}
		return existing, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, false, unavailable("insert session", err)
	}
	rec.ID = id
	rec.StartTime = rec.StartTime.UTC()
	rec.EndTime = rec.EndTime.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, true, nil
}

// ListByUser returns every record for userID, newest start time first.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM sessions WHERE user_id = ? ORDER BY start_time DESC`,
		userID)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("list sessions", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list sessions", err)
	}
	return records, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
