// Package history records interaction history in a local SQLite database:
// messages the assistant relayed out through a channel (the self-sent side
// channel) and watch commands, so a restarted gateway can show what it did
// without touching the shared postgres pool.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store is the SQLite-backed interaction log.
type Store struct {
	db   *sql.DB
	path string
}

// Entry is one recorded interaction.
type Entry struct {
	ID          int64
	Kind        string // "self-message", "watch-command"
	ChannelType string
	ChannelID   string
	Content     string
	CreatedAt   time.Time
}

// Open creates or opens the history database at the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	dbPath := filepath.Join(dir, "history.db")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS interactions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			kind         TEXT NOT NULL,
			channel_type TEXT NOT NULL DEFAULT '',
			channel_id   TEXT NOT NULL DEFAULT '',
			content      TEXT NOT NULL,
			created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create interactions table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// RecordSelfMessage logs a message the account itself sent on a channel.
func (s *Store) RecordSelfMessage(channelType, channelID, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO interactions (kind, channel_type, channel_id, content) VALUES ('self-message', ?, ?, ?)`,
		channelType, channelID, content,
	)
	if err != nil {
		return fmt.Errorf("record self message: %w", err)
	}
	return nil
}

// RecordWatchCommand logs a watch command the user invoked.
func (s *Store) RecordWatchCommand(command string) error {
	_, err := s.db.Exec(
		`INSERT INTO interactions (kind, content) VALUES ('watch-command', ?)`,
		command,
	)
	if err != nil {
		return fmt.Errorf("record watch command: %w", err)
	}
	return nil
}

// Recent returns the latest entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, kind, channel_type, channel_id, content, created_at
		FROM interactions
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Kind, &e.ChannelType, &e.ChannelID, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
