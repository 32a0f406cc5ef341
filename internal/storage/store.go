package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// Store is a wrapper around the SQL database connection holding the
// identity-scoped key-value state.
type Store struct {
	conn *sql.DB
}

// Open creates a new database connection and ensures the schema is up
// to date.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{conn: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Get returns the raw JSON value stored for (identity, key), or
// (nil, nil) if the row does not exist.
func (s *Store) Get(identity string, key Key) ([]byte, error) {
	var value string
	row := s.conn.QueryRow(`
		SELECT value FROM kv WHERE identity = ? AND key = ?
	`, identity, string(key))

	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load %s for %s: %w", key, identity, err)
	}
	return []byte(value), nil
}

// Put stores a raw JSON value for (identity, key), replacing any
// existing row.
func (s *Store) Put(identity string, key Key, value []byte) error {
	_, err := s.conn.Exec(`
		INSERT INTO kv (identity, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (identity, key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at
	`, identity, string(key), string(value), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save %s for %s: %w", key, identity, err)
	}
	return nil
}

// PutMany stores several values for one identity in a single
// transaction, so a bulk hydration is all-or-nothing.
func (s *Store) PutMany(identity string, values map[Key][]byte) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin bulk write for %s: %w", identity, err)
	}
	defer tx.Rollback()

	now := time.Now()
	for key, value := range values {
		if _, err := tx.Exec(`
			INSERT INTO kv (identity, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (identity, key) DO UPDATE
			SET value = excluded.value, updated_at = excluded.updated_at
		`, identity, string(key), string(value), now); err != nil {
			return fmt.Errorf("failed to save %s for %s: %w", key, identity, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk write for %s: %w", identity, err)
	}
	return nil
}

// SaveCurrentUser records which identity the client is logged in as.
// The marker lives under the default identity so it can be read
// before any identity is known.
func (s *Store) SaveCurrentUser(userID string) error {
	raw, err := json.Marshal(userID)
	if err != nil {
		return fmt.Errorf("failed to encode current user: %w", err)
	}
	return s.Put(DefaultIdentity, KeyCurrentUser, raw)
}

// CurrentUser returns the last logged-in identity, or empty when the
// client has never logged in.
func (s *Store) CurrentUser() (string, error) {
	raw, err := s.Get(DefaultIdentity, KeyCurrentUser)
	if err != nil || raw == nil {
		return "", err
	}
	var userID string
	if err := json.Unmarshal(raw, &userID); err != nil {
		return "", fmt.Errorf("failed to decode current user: %w", err)
	}
	return userID, nil
}

// ClearCurrentUser drops the marker, returning the client to the
// default identity scope.
func (s *Store) ClearCurrentUser() error {
	return s.Delete(DefaultIdentity, KeyCurrentUser)
}

// Delete removes the row for (identity, key). Deleting a missing row
// is not an error.
func (s *Store) Delete(identity string, key Key) error {
	_, err := s.conn.Exec(`
		DELETE FROM kv WHERE identity = ? AND key = ?
	`, identity, string(key))
	if err != nil {
		return fmt.Errorf("failed to remove %s for %s: %w", key, identity, err)
	}
	return nil
}

// DeleteKeys removes several rows for one identity in a single
// transaction.
func (s *Store) DeleteKeys(identity string, keys []Key) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete for %s: %w", identity, err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.Exec(`
			DELETE FROM kv WHERE identity = ? AND key = ?
		`, identity, string(key)); err != nil {
			return fmt.Errorf("failed to remove %s for %s: %w", key, identity, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete for %s: %w", identity, err)
	}
	return nil
}
