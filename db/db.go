package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNoRows = errors.New("no rows found")

// DB is the presence journal: one row per accepted connection. It records
// history only; the live registry is never restored from it.
type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init journal %s: %w", path, err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT UNIQUE NOT NULL,
			remote_addr TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			connected_at TEXT NOT NULL,
			logged_in_at TEXT NOT NULL DEFAULT '',
			ended_at TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_name ON sessions(name)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// Opened records a freshly accepted connection.
func (db *DB) Opened(sessionID, remoteAddr string, t time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO sessions (session_id, remote_addr, connected_at) VALUES (?, ?, ?)",
		sessionID, remoteAddr, formatTime(t),
	)
	return err
}

// LoggedIn attaches the display name chosen by the session.
func (db *DB) LoggedIn(sessionID, name string, t time.Time) error {
	return db.update(
		"UPDATE sessions SET name = ?, logged_in_at = ? WHERE session_id = ?",
		name, formatTime(t), sessionID,
	)
}

// Closed marks the end of the session and why it ended.
func (db *DB) Closed(sessionID, reason string, t time.Time) error {
	return db.update(
		"UPDATE sessions SET ended_at = ?, reason = ? WHERE session_id = ?",
		formatTime(t), reason, sessionID,
	)
}

func (db *DB) update(query string, args ...any) error {
	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

// Recent returns the latest sessions, newest first.
func (db *DB) Recent(limit int) ([]models.SessionRecord, error) {
	rows, err := db.conn.Query(`
		SELECT session_id, remote_addr, name, connected_at, logged_in_at, ended_at, reason
		FROM sessions
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SessionRecord
	for rows.Next() {
		var r models.SessionRecord
		var connected, loggedIn, ended string
		if err := rows.Scan(&r.ID, &r.RemoteAddr, &r.Name, &connected, &loggedIn, &ended, &r.Reason); err != nil {
			return nil, err
		}
		if r.ConnectedAt, err = parseTime(connected); err != nil {
			return nil, err
		}
		if r.LoggedInAt, err = parseTime(loggedIn); err != nil {
			return nil, err
		}
		if r.EndedAt, err = parseTime(ended); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (db *DB) Totals() (models.Totals, error) {
	var t models.Totals
	err := db.conn.QueryRow(`
		SELECT COUNT(*),
		       COUNT(NULLIF(name, '')),
		       COUNT(DISTINCT NULLIF(name, ''))
		FROM sessions`).Scan(&t.Sessions, &t.Authenticated, &t.DistinctNames)
	return t, err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
