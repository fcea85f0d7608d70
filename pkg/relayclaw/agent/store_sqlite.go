// Package agent – store_sqlite.go implements Store on a SQLite database.
// It is a drop-in replacement for JSONStore: same interface, suited to
// deployments where sessions.json grows past comfortable rewrite size.
package agent

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists sessions in a "sessions" table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// sessions table exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_key                   TEXT PRIMARY KEY,
			session_id                    TEXT NOT NULL,
			session_file                  TEXT NOT NULL DEFAULT '',
			updated_at                    TEXT NOT NULL,
			total_tokens                  INTEGER NOT NULL DEFAULT 0,
			compaction_count              INTEGER NOT NULL DEFAULT 0,
			memory_flush_compaction_count INTEGER NOT NULL DEFAULT 0,
			memory_flush_at               TEXT,
			aborted_last_run              INTEGER NOT NULL DEFAULT 0,
			send_policy                   TEXT NOT NULL DEFAULT '',
			elevated_level                TEXT NOT NULL DEFAULT '',
			group_activation              TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sessions table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load reads all persisted entries.
func (s *SQLiteStore) Load() (map[string]*SessionEntry, error) {
	rows, err := s.db.Query(`
		SELECT session_key, session_id, session_file, updated_at, total_tokens,
		       compaction_count, memory_flush_compaction_count, memory_flush_at,
		       aborted_last_run, send_policy, elevated_level, group_activation
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]*SessionEntry)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries[entry.SessionKey] = entry
	}
	return entries, rows.Err()
}

// Get reads one entry.
func (s *SQLiteStore) Get(key string) (*SessionEntry, error) {
	row := s.db.QueryRow(`
		SELECT session_key, session_id, session_file, updated_at, total_tokens,
		       compaction_count, memory_flush_compaction_count, memory_flush_at,
		       aborted_last_run, send_policy, elevated_level, group_activation
		FROM sessions WHERE session_key = ?`, key)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return entry, err
}

// Put inserts or updates an entry.
func (s *SQLiteStore) Put(entry *SessionEntry) error {
	var flushAt sql.NullString
	if entry.MemoryFlushAt != nil {
		flushAt = sql.NullString{String: entry.MemoryFlushAt.UTC().Format(time.RFC3339), Valid: true}
	}
	aborted := 0
	if entry.AbortedLastRun {
		aborted = 1
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions
			(session_key, session_id, session_file, updated_at, total_tokens,
			 compaction_count, memory_flush_compaction_count, memory_flush_at,
			 aborted_last_run, send_policy, elevated_level, group_activation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionKey,
		entry.SessionID,
		entry.SessionFile,
		entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
		entry.TotalTokens,
		entry.CompactionCount,
		entry.MemoryFlushCompactionCount,
		flushAt,
		aborted,
		string(entry.SendPolicy),
		entry.ElevatedLevel,
		string(entry.GroupActivation),
	)
	if err != nil {
		return fmt.Errorf("save session %q: %w", entry.SessionKey, err)
	}
	return nil
}

// Delete removes an entry.
func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM sessions WHERE session_key = ?", key); err != nil {
		return fmt.Errorf("delete session %q: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*SessionEntry, error) {
	var (
		entry     SessionEntry
		updatedAt string
		flushAt   sql.NullString
		aborted   int
		policy    string
		activat   string
	)
	err := row.Scan(
		&entry.SessionKey, &entry.SessionID, &entry.SessionFile, &updatedAt,
		&entry.TotalTokens, &entry.CompactionCount, &entry.MemoryFlushCompactionCount,
		&flushAt, &aborted, &policy, &entry.ElevatedLevel, &activat,
	)
	if err != nil {
		return nil, err
	}

	if t, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		entry.UpdatedAt = t
	}
	if flushAt.Valid {
		if t, perr := time.Parse(time.RFC3339, flushAt.String); perr == nil {
			entry.MemoryFlushAt = &t
		}
	}
	entry.AbortedLastRun = aborted != 0
	entry.SendPolicy = SendPolicy(policy)
	entry.GroupActivation = GroupActivation(activat)
	return &entry, nil
}
