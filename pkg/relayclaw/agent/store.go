// Package agent – store.go defines the session persistence interface. Two
// implementations exist: a JSON file store (store_json.go) and a SQLite
// store (store_sqlite.go); the scheduler only sees this interface.
package agent

import "errors"

// ErrSessionNotFound is returned by Get for unknown keys.
var ErrSessionNotFound = errors.New("session not found")

// Store persists session entries keyed by SessionKey string.
type Store interface {
	// Load reads all persisted entries.
	Load() (map[string]*SessionEntry, error)

	// Get reads one entry. Returns ErrSessionNotFound for unknown keys.
	Get(key string) (*SessionEntry, error)

	// Put inserts or updates an entry.
	Put(entry *SessionEntry) error

	// Delete removes an entry. Deleting an unknown key is not an error.
	Delete(key string) error

	Close() error
}
