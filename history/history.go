// Package history keeps a local record of connection attempts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yllada/vpn-sso/common"
)

// Outcome is how a connection attempt ended.
type Outcome string

const (
	// OutcomeDisconnected is a tunnel that came up and was later closed.
	OutcomeDisconnected Outcome = "disconnected"
	// OutcomeFailed is an attempt that never reached Connected, or a tunnel
	// that dropped unexpectedly.
	OutcomeFailed Outcome = "failed"
	// OutcomeSuperseded is an attempt replaced by a newer one.
	OutcomeSuperseded Outcome = "superseded"
)

// Entry is one connection attempt.
type Entry struct {
	ID          string
	ServiceID   string
	ServiceName string
	Started     time.Time
	Connected   time.Time
	Ended       time.Time
	Outcome     Outcome
	ExitCode    int
	Error       string
}

// Duration is how long the tunnel was up, zero if it never came up.
func (e Entry) Duration() time.Duration {
	if e.Connected.IsZero() || e.Ended.Before(e.Connected) {
		return 0
	}
	return e.Ended.Sub(e.Connected)
}

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
	id           TEXT PRIMARY KEY,
	service_id   TEXT NOT NULL,
	service_name TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	connected_at INTEGER NOT NULL DEFAULT 0,
	ended_at     INTEGER NOT NULL,
	outcome      TEXT NOT NULL,
	exit_code    INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS attempts_started ON attempts (started_at);
`

// Store is a SQLite-backed attempt log.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the history database path in the user's data directory.
func DefaultPath() (string, error) {
	dir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.HistoryFileName), nil
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}

	return &Store{db: db}, nil
}

// Add stores an entry.
func (s *Store) Add(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("history entry without id")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO attempts
			(id, service_id, service_name, started_at, connected_at, ended_at, outcome, exit_code, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ServiceID, e.ServiceName,
		unixMilli(e.Started), unixMilli(e.Connected), unixMilli(e.Ended),
		string(e.Outcome), e.ExitCode, e.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service_id, service_name, started_at, connected_at, ended_at, outcome, exit_code, error
		FROM attempts ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                         Entry
			started, connected, ended int64
			outcome                   string
		)
		if err := rows.Scan(&e.ID, &e.ServiceID, &e.ServiceName, &started, &connected, &ended, &outcome, &e.ExitCode, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		e.Started = fromUnixMilli(started)
		e.Connected = fromUnixMilli(connected)
		e.Ended = fromUnixMilli(ended)
		e.Outcome = Outcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune removes entries that started before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE started_at < ?`, unixMilli(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
