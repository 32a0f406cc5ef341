// Package syncclient is the typed client for the sync backend's
// single POST endpoint. It translates the backend's error messages
// into the error taxonomy the coordinator acts on.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mfujita/repcheck/internal/domain"
)

// Messages the backend reports for auth failures.
const (
	msgUnauthorized   = "Unauthorized or Access Token Expired"
	msgInvalidRefresh = "Invalid or expired refresh token"
	msgConflict       = "ConflictError"
)

// Client talks to one sync backend endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a client for the given endpoint. An empty endpoint
// returns ErrNotConfigured: the caller must treat sync as disabled.
func New(endpoint string) (*Client, error) {
	if endpoint == "" {
		return nil, ErrNotConfigured
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// rpcResponse is the union of all action outputs.
type rpcResponse struct {
	Error          string          `json:"error"`
	Success        bool            `json:"success"`
	Message        string          `json:"message"`
	Valid          *bool           `json:"valid"`
	AccessToken    string          `json:"accessToken"`
	RefreshToken   string          `json:"refreshToken"`
	UserID         string          `json:"userId"`
	Version        *int            `json:"version"`
	CurrentVersion *int            `json:"currentVersion"`
	Data           json.RawMessage `json:"data"`
}

func (c *Client) call(ctx context.Context, body map[string]any) (*rpcResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("malformed response: %w", err)}
	}

	if out.Error != "" {
		switch out.Error {
		case msgUnauthorized, msgInvalidRefresh:
			return nil, &AuthError{Msg: out.Error}
		case msgConflict:
			remote := 0
			if out.CurrentVersion != nil {
				remote = *out.CurrentVersion
			}
			return nil, &ConflictError{RemoteVersion: remote}
		default:
			return nil, &RemoteError{Msg: out.Error}
		}
	}
	return &out, nil
}

// Register creates a new account.
func (c *Client) Register(ctx context.Context, userID, password string) error {
	_, err := c.call(ctx, map[string]any{"action": "register", "userId": userID, "password": password})
	return err
}

// Login authenticates and returns a full session.
func (c *Client) Login(ctx context.Context, userID, password string) (domain.Session, error) {
	out, err := c.call(ctx, map[string]any{"action": "login", "userId": userID, "password": password})
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		UserID:       out.UserID,
	}, nil
}

// Validate checks whether an access token is still good. The backend
// answers the question rather than erroring, so an invalid token is
// (false, "", nil).
func (c *Client) Validate(ctx context.Context, accessToken string) (bool, string, error) {
	out, err := c.call(ctx, map[string]any{"action": "validate", "accessToken": accessToken})
	if err != nil {
		return false, "", err
	}
	if out.Valid == nil || !*out.Valid {
		return false, "", nil
	}
	return true, out.UserID, nil
}

// Refresh exchanges a refresh token for a new access token. An
// invalid or expired refresh token comes back as an AuthError.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	out, err := c.call(ctx, map[string]any{"action": "refresh", "refreshToken": refreshToken})
	if err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

// Save pushes the envelope guarded by the optimistic version and
// returns the new version the remote assigned.
func (c *Client) Save(ctx context.Context, accessToken string, env domain.Envelope, version int) (int, error) {
	out, err := c.call(ctx, map[string]any{
		"action":      "save",
		"accessToken": accessToken,
		"data":        env,
		"version":     version,
	})
	if err != nil {
		return 0, err
	}
	if out.Version == nil {
		return 0, &NetworkError{Err: fmt.Errorf("save response missing version")}
	}
	return *out.Version, nil
}

// Load fetches the remote envelope and its version unconditionally.
func (c *Client) Load(ctx context.Context, accessToken string) (domain.Envelope, int, error) {
	out, err := c.call(ctx, map[string]any{"action": "load", "accessToken": accessToken})
	if err != nil {
		return domain.Envelope{}, 0, err
	}

	var env domain.Envelope
	if len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data, &env); err != nil {
			return domain.Envelope{}, 0, &NetworkError{Err: fmt.Errorf("malformed envelope: %w", err)}
		}
	}
	version := 0
	if out.Version != nil {
		version = *out.Version
	}
	return env, version, nil
}

// Clear deletes the identity's remote envelope.
func (c *Client) Clear(ctx context.Context, accessToken string) error {
	_, err := c.call(ctx, map[string]any{"action": "clear", "accessToken": accessToken})
	return err
}
