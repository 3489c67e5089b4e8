// Package pending keeps measured heart-rate values that could not be
// delivered to the assignment API. A held measurement stays on disk
// until a later submission succeeds, so a completed scan is never lost
// to an API outage.
package pending

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Measurement is one completed scan awaiting delivery.
type Measurement struct {
	ID         int64
	SessionID  string
	UserID     string
	RGB        string // raw JSON from the user record, replayed verbatim
	Value      int
	MeasuredAt time.Time
	HeldAt     time.Time
	Attempts   int
	LastError  string
}

// Store is a SQLite-backed queue of held measurements. All methods are
// safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS held_measurements (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL UNIQUE,
		user_id     TEXT NOT NULL,
		rgb         TEXT NOT NULL DEFAULT '',
		value       INTEGER NOT NULL,
		measured_at TEXT NOT NULL,
		held_at     TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 1,
		last_error  TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS kiosk_state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`)
	return err
}

// Hold records m. Holding the same session twice updates the error and
// bumps the attempt count instead of duplicating the value.
func (s *Store) Hold(ctx context.Context, m Measurement) (int64, error) {
	now := time.Now().UTC()
	if m.HeldAt.IsZero() {
		m.HeldAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO held_measurements
		 (session_id, user_id, rgb, value, measured_at, held_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE
		 SET attempts = attempts + 1, last_error = excluded.last_error`,
		m.SessionID, m.UserID, m.RGB, m.Value,
		m.MeasuredAt.UTC().Format(time.RFC3339Nano),
		m.HeldAt.UTC().Format(time.RFC3339Nano),
		m.LastError,
	)
	if err != nil {
		return 0, fmt.Errorf("hold session %s: %w", m.SessionID, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM held_measurements WHERE session_id = ?`, m.SessionID,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("hold session %s: %w", m.SessionID, err)
	}
	return id, nil
}

// Pending returns every held measurement, oldest first.
func (s *Store) Pending(ctx context.Context) ([]Measurement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, rgb, value, measured_at, held_at, attempts, last_error
		 FROM held_measurements ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var (
			m                  Measurement
			measured, heldText string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.RGB, &m.Value,
			&measured, &heldText, &m.Attempts, &m.LastError); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		m.MeasuredAt, _ = time.Parse(time.RFC3339Nano, measured)
		m.HeldAt, _ = time.Parse(time.RFC3339Nano, heldText)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of held measurements.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM held_measurements`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Release removes a delivered measurement. Releasing an unknown id is
// not an error.
func (s *Store) Release(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM held_measurements WHERE id = ?`, id); err != nil {
		return fmt.Errorf("release %d: %w", id, err)
	}
	return nil
}

// MarkFailed records another failed delivery attempt for id.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE held_measurements SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		msg, id,
	); err != nil {
		return fmt.Errorf("mark %d failed: %w", id, err)
	}
	return nil
}

// Get returns a kiosk state value, or "" when key is unset.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kiosk_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a kiosk state value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kiosk_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
