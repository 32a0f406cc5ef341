package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// ErrUserExists is returned when registering an already-taken user id.
var ErrUserExists = errors.New("user already exists")

// ErrNotFound is returned when a user or token row does not exist.
var ErrNotFound = errors.New("not found")

// ConflictError reports an optimistic-lock failure on save. It
// carries the version currently stored so the client can decide how
// to resolve.
type ConflictError struct {
	CurrentVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict, remote is at %d", e.CurrentVersion)
}

// Store wraps the backend's SQL database connection.
type Store struct {
	conn *sql.DB
}

// OpenStore creates a new database connection and ensures the schema
// is up to date.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
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

// CreateUser inserts a new user row. Returns ErrUserExists when the
// id is taken.
func (s *Store) CreateUser(userID, passwordHash string) error {
	var exists int
	row := s.conn.QueryRow(`SELECT COUNT(*) FROM users WHERE user_id = ?`, userID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("failed to check user %s: %w", userID, err)
	}
	if exists > 0 {
		return ErrUserExists
	}

	_, err := s.conn.Exec(`
		INSERT INTO users (user_id, password_hash, created_at)
		VALUES (?, ?, ?)
	`, userID, passwordHash, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert user %s: %w", userID, err)
	}
	return nil
}

// PasswordHash returns the stored hash for a user, or ErrNotFound.
func (s *Store) PasswordHash(userID string) (string, error) {
	var hash string
	row := s.conn.QueryRow(`SELECT password_hash FROM users WHERE user_id = ?`, userID)
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	return hash, nil
}

// InsertRefreshToken stores a hashed refresh token for a user.
func (s *Store) InsertRefreshToken(userID, tokenHash string, expiresAt time.Time) error {
	_, err := s.conn.Exec(`
		INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, tokenHash, userID, expiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert refresh token for %s: %w", userID, err)
	}
	return nil
}

// FindRefreshToken resolves a hashed refresh token that has not
// expired, returning the owning user id. Expired or unknown tokens
// yield ErrNotFound.
func (s *Store) FindRefreshToken(tokenHash string, now time.Time) (string, error) {
	var userID string
	row := s.conn.QueryRow(`
		SELECT user_id FROM refresh_tokens
		WHERE token_hash = ? AND expires_at > ?
	`, tokenHash, now)
	if err := row.Scan(&userID); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to find refresh token: %w", err)
	}
	return userID, nil
}

// PruneRefreshTokens deletes a user's expired refresh tokens. Valid
// tokens from other devices are left alone.
func (s *Store) PruneRefreshTokens(userID string, now time.Time) error {
	_, err := s.conn.Exec(`
		DELETE FROM refresh_tokens WHERE user_id = ? AND expires_at <= ?
	`, userID, now)
	if err != nil {
		return fmt.Errorf("failed to prune refresh tokens for %s: %w", userID, err)
	}
	return nil
}

// SaveEnvelope stores a user's envelope under the optimistic lock:
// the write is accepted only when clientVersion matches the stored
// version (zero for a fresh user), and the stored version then
// advances by one. On mismatch it returns a ConflictError and writes
// nothing.
func (s *Store) SaveEnvelope(userID string, data json.RawMessage, clientVersion int) (int, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin save for %s: %w", userID, err)
	}
	defer tx.Rollback()

	var stored int
	row := tx.QueryRow(`SELECT version FROM envelopes WHERE user_id = ?`, userID)
	if err := row.Scan(&stored); err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to read version for %s: %w", userID, err)
	}

	if clientVersion != stored {
		return 0, &ConflictError{CurrentVersion: stored}
	}

	newVersion := stored + 1
	_, err = tx.Exec(`
		INSERT INTO envelopes (user_id, data, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE
		SET data = excluded.data, version = excluded.version, updated_at = excluded.updated_at
	`, userID, string(data), newVersion, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to save envelope for %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit save for %s: %w", userID, err)
	}
	return newVersion, nil
}

// LoadEnvelope returns a user's envelope and version. A user that has
// never saved gets an empty object at version zero.
func (s *Store) LoadEnvelope(userID string) (json.RawMessage, int, error) {
	var data string
	var version int
	row := s.conn.QueryRow(`SELECT data, version FROM envelopes WHERE user_id = ?`, userID)
	if err := row.Scan(&data, &version); err != nil {
		if err == sql.ErrNoRows {
			return json.RawMessage(`{}`), 0, nil
		}
		return nil, 0, fmt.Errorf("failed to load envelope for %s: %w", userID, err)
	}
	return json.RawMessage(data), version, nil
}

// ClearEnvelope deletes a user's envelope row. The account itself and
// its refresh tokens are untouched.
func (s *Store) ClearEnvelope(userID string) error {
	_, err := s.conn.Exec(`DELETE FROM envelopes WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear envelope for %s: %w", userID, err)
	}
	return nil
}
