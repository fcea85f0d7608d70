// Package agent – store_json.go persists sessions as a single sessions.json
// document. Writes go through a temp file plus rename so a crash mid-write
// leaves the previous document intact; a partially valid document on load is
// kept rather than discarded.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var _ Store = (*JSONStore)(nil)

// JSONStore is a file-backed Store holding the whole session map in one
// JSON document.
type JSONStore struct {
	path string
	mu   sync.Mutex
}

// NewJSONStore creates a JSON session store at path, creating the parent
// directory if needed.
func NewJSONStore(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &JSONStore{path: path}, nil
}

// Load reads all persisted entries. A missing file is an empty store.
func (s *JSONStore) Load() (map[string]*SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAll()
}

// Get reads one entry.
func (s *JSONStore) Get(key string) (*SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}
	entry, ok := entries[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}

// Put inserts or updates an entry.
func (s *JSONStore) Put(entry *SessionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll()
	if err != nil {
		entries = make(map[string]*SessionEntry)
	}
	entries[entry.SessionKey] = entry
	return s.writeAll(entries)
}

// Delete removes an entry.
func (s *JSONStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll()
	if err != nil {
		return nil
	}
	delete(entries, key)
	return s.writeAll(entries)
}

// Close is a no-op; every write already hits disk.
func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) readAll() (map[string]*SessionEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*SessionEntry), nil
		}
		return nil, fmt.Errorf("reading sessions: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing sessions: %w", err)
	}

	// Decode entry by entry: one malformed entry must not take down the rest.
	entries := make(map[string]*SessionEntry, len(raw))
	for key, msg := range raw {
		var entry SessionEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			continue
		}
		if entry.SessionKey == "" {
			entry.SessionKey = key
		}
		entries[key] = &entry
	}
	return entries, nil
}

func (s *JSONStore) writeAll(entries map[string]*SessionEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sessions: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing sessions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing sessions file: %w", err)
	}
	return nil
}
