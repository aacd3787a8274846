// Package history persists call records to a local SQLite database.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one call attempt from dial to completion.
type Record struct {
	ID         string    `json:"id"`
	Room       string    `json:"room"`
	SelfID     string    `json:"self_id"`
	PeerID     string    `json:"peer_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Outcome    string    `json:"outcome"`
	ErrorClass string    `json:"error_class"`
}

// Store wraps the SQLite call-history database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          TEXT PRIMARY KEY,
			room        TEXT NOT NULL,
			self_id     TEXT NOT NULL,
			peer_id     TEXT DEFAULT '',
			started_at  DATETIME NOT NULL,
			ended_at    DATETIME,
			outcome     TEXT DEFAULT '',
			error_class TEXT DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db}, nil
}

// RecordStart inserts a new open record for a dial attempt and returns it.
func (s *Store) RecordStart(room, selfID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &Record{
		ID:        uuid.NewString(),
		Room:      room,
		SelfID:    selfID,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO calls (id, room, self_id, started_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Room, rec.SelfID, rec.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record start: %w", err)
	}
	return rec, nil
}

// RecordEnd closes an open record with its outcome.
func (s *Store) RecordEnd(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE calls SET peer_id = ?, ended_at = ?, outcome = ?, error_class = ? WHERE id = ?`,
		rec.PeerID, rec.EndedAt, rec.Outcome, rec.ErrorClass, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("record end: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, room, self_id, peer_id, started_at,
		        COALESCE(ended_at, started_at), outcome, error_class
		 FROM calls ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Room, &r.SelfID, &r.PeerID,
			&r.StartedAt, &r.EndedAt, &r.Outcome, &r.ErrorClass); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
