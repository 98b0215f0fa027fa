package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists event records to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a SQLite-backed event store.
// The path should be a file path (e.g. "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			loop_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (loop_id, sequence)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_loop_type
		ON events(loop_id, event_type)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var exists int
	if err := s.db.QueryRow(`
		SELECT COUNT(1) FROM events WHERE loop_id = ? AND sequence = ?
	`, rec.LoopID, rec.Sequence).Scan(&exists); err != nil {
		return fmt.Errorf("check sequence: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: loop %s sequence %d", ErrDuplicateSequence, rec.LoopID, rec.Sequence)
	}

	_, err := s.db.Exec(`
		INSERT INTO events (loop_id, sequence, event_type, timestamp, data)
		VALUES (?, ?, ?, ?, ?)
	`, rec.LoopID, rec.Sequence, rec.Type,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Data)

	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(loopID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT sequence, event_type, timestamp, data
		FROM events
		WHERE loop_id = ?
		ORDER BY sequence
	`, loopID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec := Record{LoopID: loopID}
		var timestamp string
		if err := rows.Scan(&rec.Sequence, &rec.Type, &timestamp, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return records, nil
}

// Loops implements Store.
func (s *SQLiteStore) Loops() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT DISTINCT loop_id FROM events ORDER BY loop_id`)
	if err != nil {
		return nil, fmt.Errorf("list loops: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan loop id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate loops: %w", err)
	}

	return ids, nil
}

// DeleteLoop implements Store.
func (s *SQLiteStore) DeleteLoop(loopID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM events WHERE loop_id = ?`, loopID); err != nil {
		return fmt.Errorf("delete loop events: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
