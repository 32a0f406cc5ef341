// Package syncer reconciles local study state with the remote copy.
// Local mutations always land synchronously in storage first; only
// the remote push and pull suspend, and the remote's optimistic
// version check is the sole concurrency-control primitive between
// devices.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mfujita/repcheck/internal/domain"
	"github.com/mfujita/repcheck/internal/state"
	"github.com/mfujita/repcheck/internal/storage"
	"github.com/mfujita/repcheck/internal/syncclient"
)

// Status is the coordinator's session state.
type Status int

const (
	Unauthenticated Status = iota
	Authenticating
	Authenticated
)

func (s Status) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Resolution is the user's answer to a push conflict.
type Resolution int

const (
	// KeepLocal skips this sync cycle; local edits stay queued and a
	// later push will face the same conflict until resolved.
	KeepLocal Resolution = iota
	// ReloadRemote discards local changes and hydrates from the
	// remote envelope.
	ReloadRemote
)

// ConflictFunc is asked to resolve a version conflict. The
// coordinator never merges or overwrites on its own.
type ConflictFunc func(localVersion, remoteVersion int) Resolution

// DefaultDebounce is the quiet window that coalesces bursts of edits
// into one push.
const DefaultDebounce = 3 * time.Second

// Coordinator drives sync for one identity's session.
type Coordinator struct {
	client  *syncclient.Client
	adapter *storage.Adapter
	store   *state.Store

	mu      sync.Mutex
	session domain.Session
	status  Status

	// pushGen tags each push attempt so the response of a push that
	// was superseded mid-flight is dropped instead of clobbering
	// newer version state.
	pushGen int

	debounce   time.Duration
	sched      scheduler
	onConflict ConflictFunc

	// muted suppresses change-triggered pushes while a pull is
	// hydrating local storage.
	muted bool

	now func() time.Time
}

// Options tune a Coordinator.
type Options struct {
	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration
	// OnConflict resolves push conflicts. Nil keeps local state and
	// skips the cycle.
	OnConflict ConflictFunc
}

// New creates a coordinator and subscribes it to the adapter's change
// notifications so every local mutation arms the debounced push.
func New(client *syncclient.Client, adapter *storage.Adapter, store *state.Store, opts Options) (*Coordinator, error) {
	session, err := adapter.LoadSession()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	c := &Coordinator{
		client:     client,
		adapter:    adapter,
		store:      store,
		session:    session,
		status:     Unauthenticated,
		debounce:   DefaultDebounce,
		sched:      newTimerScheduler(),
		onConflict: opts.OnConflict,
		now:        time.Now,
	}
	if opts.Debounce > 0 {
		c.debounce = opts.Debounce
	}

	adapter.Subscribe(func(keys []storage.Key) { c.NoteChange() })
	return c, nil
}

// Status returns the current session state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Session returns a copy of the current credentials.
func (c *Coordinator) Session() domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Start resolves the stored session into an authenticated state:
// validate the access token, fall back to one refresh, give up to
// unauthenticated. The caller stays usable in read-only mode while
// this runs.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.session.Authenticated() {
		c.status = Unauthenticated
		c.mu.Unlock()
		return nil
	}
	c.status = Authenticating
	token := c.session.AccessToken
	c.mu.Unlock()

	valid, _, err := c.client.Validate(ctx, token)
	if err != nil {
		c.setStatus(Unauthenticated)
		return fmt.Errorf("failed to validate session: %w", err)
	}
	if valid {
		c.setStatus(Authenticated)
		slog.Info("Session validated", "userId", c.Session().UserID)
		return nil
	}

	ok, err := c.RefreshSession(ctx)
	if err != nil {
		c.setStatus(Unauthenticated)
		return err
	}
	if !ok {
		return nil // tokens cleared, re-login required
	}
	c.setStatus(Authenticated)
	return nil
}

func (c *Coordinator) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// ValidateSession asks the remote whether the access token is still
// good.
func (c *Coordinator) ValidateSession(ctx context.Context) (bool, error) {
	valid, _, err := c.client.Validate(ctx, c.Session().AccessToken)
	return valid, err
}

// RefreshSession exchanges the refresh token for a new access token.
// A rejected refresh token clears both tokens locally and reports
// false: the user must log in again. Local edits are untouched.
func (c *Coordinator) RefreshSession(ctx context.Context) (bool, error) {
	c.mu.Lock()
	refreshToken := c.session.RefreshToken
	c.mu.Unlock()

	if refreshToken == "" {
		c.clearSession()
		return false, nil
	}

	access, err := c.client.Refresh(ctx, refreshToken)
	if err != nil {
		var authErr *syncclient.AuthError
		if errors.As(err, &authErr) {
			slog.Warn("Refresh token rejected, session cleared")
			c.clearSession()
			return false, nil
		}
		return false, fmt.Errorf("failed to refresh session: %w", err)
	}

	c.mu.Lock()
	c.session.AccessToken = access
	session := c.session
	c.mu.Unlock()

	if err := c.adapter.SaveSession(session); err != nil {
		return false, err
	}
	slog.Info("Access token refreshed", "userId", session.UserID)
	return true, nil
}

func (c *Coordinator) clearSession() {
	c.mu.Lock()
	c.session = domain.Session{UserID: c.session.UserID}
	c.status = Unauthenticated
	c.mu.Unlock()

	if err := c.adapter.ClearSession(); err != nil {
		slog.Error("Failed to clear stored session", "error", err)
	}
}

// NoteChange arms (or re-arms) the debounced push. Each call within
// the quiet window cancels the pending one, so a burst of edits
// coalesces into a single remote call.
func (c *Coordinator) NoteChange() {
	c.mu.Lock()
	muted := c.muted
	authenticated := c.status == Authenticated
	c.mu.Unlock()
	if muted || !authenticated {
		return
	}

	c.sched.Arm(c.debounce, func() {
		if err := c.Push(context.Background()); err != nil {
			slog.Warn("Debounced push failed", "error", err)
		}
	})
}

// Push sends the local envelope under the optimistic version check.
// On conflict the resolver decides; on auth failure there is exactly
// one refresh-and-retry. A push superseded by a newer one has its
// result dropped.
func (c *Coordinator) Push(ctx context.Context) error {
	c.mu.Lock()
	if c.status != Authenticated {
		c.mu.Unlock()
		return fmt.Errorf("not authenticated")
	}
	c.pushGen++
	gen := c.pushGen
	c.mu.Unlock()

	localVersion, err := c.adapter.LoadSyncVersion()
	if err != nil {
		return err
	}
	env := c.store.Envelope()

	var newVersion int
	err = c.withAuthRetry(ctx, func(token string) error {
		v, err := c.client.Save(ctx, token, env, localVersion)
		if err != nil {
			return err
		}
		newVersion = v
		return nil
	})

	c.mu.Lock()
	stale := gen != c.pushGen
	c.mu.Unlock()
	if stale {
		slog.Debug("Dropping superseded push result", "attemptedVersion", localVersion)
		return nil
	}

	if err != nil {
		var conflict *syncclient.ConflictError
		if errors.As(err, &conflict) {
			return c.resolveConflict(ctx, localVersion, conflict.RemoteVersion)
		}
		return err
	}

	if err := c.adapter.SaveSyncVersion(newVersion); err != nil {
		return err
	}
	if err := c.adapter.SaveLastSync(c.now()); err != nil {
		return err
	}
	slog.Info("Pushed local state", "version", newVersion)
	return nil
}

func (c *Coordinator) resolveConflict(ctx context.Context, localVersion, remoteVersion int) error {
	slog.Warn("Sync conflict", "localVersion", localVersion, "remoteVersion", remoteVersion)
	if c.onConflict == nil {
		return nil // keep local, skip this cycle
	}
	switch c.onConflict(localVersion, remoteVersion) {
	case ReloadRemote:
		return c.Pull(ctx)
	default:
		return nil
	}
}

// Pull fetches the remote envelope unconditionally and hydrates local
// state with it. Change notifications are muted during hydration so
// the pull does not immediately schedule a redundant push.
func (c *Coordinator) Pull(ctx context.Context) error {
	var env domain.Envelope
	var version int
	err := c.withAuthRetry(ctx, func(token string) error {
		e, v, err := c.client.Load(ctx, token)
		if err != nil {
			return err
		}
		env, version = e, v
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.muted = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.muted = false
		c.mu.Unlock()
	}()

	if err := c.store.Hydrate(env, version); err != nil {
		return err
	}
	slog.Info("Hydrated local state from remote", "version", version)
	return nil
}

// ClearRemote deletes the identity's remote envelope and resets the
// local sync version.
func (c *Coordinator) ClearRemote(ctx context.Context) error {
	err := c.withAuthRetry(ctx, func(token string) error {
		return c.client.Clear(ctx, token)
	})
	if err != nil {
		return err
	}
	return c.adapter.SaveSyncVersion(0)
}

// withAuthRetry runs an authenticated call, reacting to an auth
// failure with exactly one transparent refresh and retry. A second
// failure propagates and downgrades the session; local edits stay
// queued for after the next login.
func (c *Coordinator) withAuthRetry(ctx context.Context, call func(token string) error) error {
	err := call(c.Session().AccessToken)
	var authErr *syncclient.AuthError
	if err == nil || !errors.As(err, &authErr) {
		return err
	}

	ok, refreshErr := c.RefreshSession(ctx)
	if refreshErr != nil {
		return refreshErr
	}
	if !ok {
		return err
	}

	err = call(c.Session().AccessToken)
	if err != nil && errors.As(err, &authErr) {
		slog.Warn("Retry after refresh still unauthorized, session downgraded")
		c.clearSession()
	}
	return err
}

// Stop cancels any pending debounced push.
func (c *Coordinator) Stop() {
	c.sched.Stop()
}
