// Package ledger keeps a SQLite history of prompts delivered to the assistant.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"ambient/internal/logging"
)

// Entry is one delivery attempt.
type Entry struct {
	ID          string
	EventID     string
	Kind        string
	Source      string
	Priority    int
	Channel     string
	OK          bool
	SessionID   string
	PromptChars int
	StartedAt   time.Time
	Duration    time.Duration
	Error       string
}

// Store manages the exchanges database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open creates or opens the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, dbPath: path}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.LedgerDebug("ledger opened at %s", path)
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		priority INTEGER NOT NULL,
		channel TEXT NOT NULL,
		ok INTEGER NOT NULL,
		session_id TEXT,
		prompt_chars INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_exchanges_started ON exchanges(started_at);
	`)
	return err
}

// Record stores e, filling in ID and StartedAt when empty.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (id, event_id, kind, source, priority, channel, ok,
			session_id, prompt_chars, started_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EventID, e.Kind, e.Source, e.Priority, e.Channel, e.OK,
		e.SessionID, e.PromptChars, e.StartedAt.UTC(), e.Duration.Milliseconds(), e.Error)
	if err != nil {
		return fmt.Errorf("failed to record exchange: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, kind, source, priority, channel, ok, session_id,
			prompt_chars, started_at, duration_ms, error
		FROM exchanges
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var sessionID, errText sql.NullString
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.EventID, &e.Kind, &e.Source, &e.Priority, &e.Channel, &e.OK,
			&sessionID, &e.PromptChars, &e.StartedAt, &durationMS, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		e.SessionID = sessionID.String
		e.Error = errText.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByChannel returns how many exchanges went through each channel.
func (s *Store) CountByChannel(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT channel, COUNT(*) FROM exchanges GROUP BY channel`)
	if err != nil {
		return nil, fmt.Errorf("failed to count exchanges: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var channel string
		var n int
		if err := rows.Scan(&channel, &n); err != nil {
			return nil, err
		}
		counts[channel] = n
	}
	return counts, rows.Err()
}
