// Package history stores the server's relayed broadcasts in SQLite so late
// joiners can ask for recent traffic. Registry membership is never persisted;
// only the message log is.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Entry is one recorded broadcast.
type Entry struct {
	Sender    string
	Message   string
	Timestamp float64 // unix seconds, as carried on the wire
}

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at the given path and
// initializes the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Single writer is enough for an append-only log
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates tables if they don't exist.
func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS Broadcast (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	message TEXT NOT NULL,
	sent_at REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_broadcast_sent_at ON Broadcast(sent_at);
`
	_, err := s.db.Exec(schema)
	return err
}

// Append records one broadcast.
func (s *Store) Append(sender, message string, timestamp float64) error {
	_, err := s.db.Exec(
		"INSERT INTO Broadcast (sender, message, sent_at) VALUES (?, ?, ?)",
		sender, message, timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append broadcast: %w", err)
	}
	return nil
}

// Recent returns up to limit broadcasts, oldest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT sender, message, sent_at FROM (
			SELECT id, sender, message, sent_at
			FROM Broadcast ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Sender, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of recorded broadcasts.
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM Broadcast").Scan(&count)
	return count, err
}
