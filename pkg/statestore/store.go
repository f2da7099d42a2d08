package statestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store persists state snapshots across full process restarts, not just hot
// reloads. Snapshots are opaque JSON-serializable maps.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) a snapshot store at the given path
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With().Str("component", "statestore").Logger(),
	}, nil
}

// Get returns the stored snapshot for a key, or an empty map if none exists
func (s *Store) Get(key string) (map[string]any, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM snapshots WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %q: %w", key, err)
	}

	var snapshot map[string]any
	if err := json.Unmarshal([]byte(value), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %q: %w", key, err)
	}
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	return snapshot, nil
}

// Set stores a snapshot under a key, replacing any previous value
func (s *Store) Set(key string, snapshot map[string]any) error {
	value, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %q: %w", key, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO snapshots (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, string(value),
	)
	if err != nil {
		return fmt.Errorf("failed to write snapshot %q: %w", key, err)
	}

	s.logger.Debug().Str("key", key).Int("bytes", len(value)).Msg("Snapshot persisted")
	return nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}
