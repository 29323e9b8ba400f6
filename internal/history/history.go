// Package history stores one row per finished script run in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coderunr/coderunner/internal/types"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultLimit is the number of records returned when none is requested
const DefaultLimit = 50

// MaxLimit caps the number of records returned by Recent
const MaxLimit = 500

// fixed width so that started_at sorts lexicographically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the execution history database
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path with WAL mode and a busy
// timeout, creating the runs table if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", p, err)
		}
	}

	ddl := `CREATE TABLE IF NOT EXISTS runs (
		script_id   TEXT PRIMARY KEY,
		status      TEXT NOT NULL,
		exit_code   INTEGER NOT NULL,
		killed      INTEGER NOT NULL DEFAULT 0,
		size        INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		started_at  TEXT NOT NULL
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Record inserts one finished run
func (s *Store) Record(ctx context.Context, rec types.HistoryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (script_id, status, exit_code, killed, size, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ScriptID, rec.Status, rec.ExitCode, rec.Killed, rec.Size, rec.DurationMS,
		rec.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("history: record %s: %w", rec.ScriptID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]types.HistoryRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT script_id, status, exit_code, killed, size, duration_ms, started_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	records := []types.HistoryRecord{}
	for rows.Next() {
		var rec types.HistoryRecord
		var startedAt string
		if err := rows.Scan(&rec.ScriptID, &rec.Status, &rec.ExitCode, &rec.Killed,
			&rec.Size, &rec.DurationMS, &startedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		rec.StartedAt, err = time.Parse(timeLayout, startedAt)
		if err != nil {
			return nil, fmt.Errorf("history: parse started_at %q: %w", startedAt, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return records, nil
}
