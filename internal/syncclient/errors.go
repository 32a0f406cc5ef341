package syncclient

import (
	"errors"
	"fmt"
)

// ErrNotConfigured means no remote endpoint is set. Sync stays
// disabled and the client runs local-only until one is configured.
var ErrNotConfigured = errors.New("no remote endpoint configured")

// AuthError means the access token was missing, expired or invalid.
// The coordinator reacts with exactly one refresh-and-retry.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Msg
}

// ConflictError means the optimistic version check failed on save. It
// carries the version the remote currently stores; resolution is the
// user's choice, never automatic.
type ConflictError struct {
	RemoteVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict, remote is at %d", e.RemoteVersion)
}

// NetworkError wraps transport failures, unexpected statuses and
// malformed response bodies. These are transient: local state stays
// authoritative and the next sync cycle tries again.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RemoteError is any other error message the backend reported, such
// as a login rejection.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return e.Msg
}
