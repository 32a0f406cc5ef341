package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mfujita/repcheck/internal/domain"
)

// DefaultIdentity scopes state persisted while no user is logged in.
const DefaultIdentity = "default"

// ChangeListener receives the logical keys written by a save. A bulk
// hydration delivers all its keys in one call.
type ChangeListener func(keys []Key)

// Adapter binds a Store to one identity and exposes typed accessors
// for the documents the client keeps. Every successful save notifies
// the registered listeners, except where a bulk write coalesces the
// notification.
type Adapter struct {
	store    *Store
	identity string

	listeners []ChangeListener

	// Now is the clock used for legacy-migration timestamps. Tests
	// substitute a fixed clock.
	Now func() time.Time
}

// NewAdapter returns an adapter scoped to the given identity, or to
// DefaultIdentity when identity is empty.
func NewAdapter(store *Store, identity string) *Adapter {
	if identity == "" {
		identity = DefaultIdentity
	}
	return &Adapter{store: store, identity: identity, Now: time.Now}
}

// Identity returns the identity scope this adapter writes under.
func (a *Adapter) Identity() string {
	return a.identity
}

// Subscribe registers a listener for change notifications.
func (a *Adapter) Subscribe(fn ChangeListener) {
	a.listeners = append(a.listeners, fn)
}

func (a *Adapter) notify(keys ...Key) {
	for _, fn := range a.listeners {
		fn(keys)
	}
}

// Load unmarshals the value for key into dest and reports whether a
// value was present. dest is left untouched when it was not.
func (a *Adapter) Load(key Key, dest any) (bool, error) {
	raw, err := a.store.Get(a.identity, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Save marshals value, stores it under key and notifies listeners.
func (a *Adapter) Save(key Key, value any) error {
	if err := a.save(key, value); err != nil {
		return err
	}
	a.notify(key)
	return nil
}

// save writes without notifying.
func (a *Adapter) save(key Key, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return a.store.Put(a.identity, key, raw)
}

// Remove deletes the value for key and notifies listeners.
func (a *Adapter) Remove(key Key) error {
	if err := a.store.Delete(a.identity, key); err != nil {
		return err
	}
	a.notify(key)
	return nil
}

// LoadChecks returns the check records, transparently migrating any
// legacy entries (bare boolean arrays, or epoch-millisecond
// timestamps) to the current record shape. A migrated form is
// persisted back immediately, exactly once; unparseable entries fall
// back to empty rather than failing the load.
func (a *Adapter) LoadChecks() (map[domain.QuestionID]domain.Checks, error) {
	raw, err := a.store.Get(a.identity, KeyChecks)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return map[domain.QuestionID]domain.Checks{}, nil
	}

	checks, migrated, err := normalizeChecks(raw, a.Now())
	if err != nil {
		slog.Warn("Discarding unparseable check data", "identity", a.identity, "error", err)
		return map[domain.QuestionID]domain.Checks{}, nil
	}

	if migrated {
		slog.Info("Migrated legacy check records", "identity", a.identity, "questions", len(checks))
		if err := a.SaveChecks(checks); err != nil {
			return nil, fmt.Errorf("failed to persist migrated checks: %w", err)
		}
	}
	return checks, nil
}

// SaveChecks persists the full check map.
func (a *Adapter) SaveChecks(checks map[domain.QuestionID]domain.Checks) error {
	return a.Save(KeyChecks, checks)
}

// LoadCounts returns one reaction counter map.
func (a *Adapter) LoadCounts(key Key) (map[domain.QuestionID]int, error) {
	counts := map[domain.QuestionID]int{}
	if _, err := a.Load(key, &counts); err != nil {
		return nil, err
	}
	if counts == nil { // a stored JSON null decodes to a nil map
		counts = map[domain.QuestionID]int{}
	}
	return counts, nil
}

// LoadIDList returns a persisted question-id list (favorites,
// archived ids).
func (a *Adapter) LoadIDList(key Key) ([]domain.QuestionID, error) {
	var ids []domain.QuestionID
	if _, err := a.Load(key, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// LoadString returns a persisted string value or the given default.
func (a *Adapter) LoadString(key Key, def string) (string, error) {
	var s string
	ok, err := a.Load(key, &s)
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return s, nil
}

// LoadSyncVersion returns the last version accepted by the remote, or
// zero when the identity has never synced.
func (a *Adapter) LoadSyncVersion() (int, error) {
	var v int
	if _, err := a.Load(KeySyncVersion, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// SaveSyncVersion records the version the remote acknowledged.
func (a *Adapter) SaveSyncVersion(v int) error {
	return a.save(KeySyncVersion, v)
}

// SaveEndpoint persists the sync backend URL so later runs can reach
// the remote without repeating the configuration.
func (a *Adapter) SaveEndpoint(url string) error {
	return a.save(KeyEndpoint, url)
}

// LoadEndpoint returns the persisted sync backend URL, if any.
func (a *Adapter) LoadEndpoint() (string, error) {
	return a.LoadString(KeyEndpoint, "")
}

// SaveLastSync records when the remote copy was last reconciled.
func (a *Adapter) SaveLastSync(t time.Time) error {
	return a.save(KeyLastSync, t.UTC().Format(time.RFC3339))
}

// LoadLastSync returns the last reconciliation time, or zero when the
// identity has never synced.
func (a *Adapter) LoadLastSync() (time.Time, error) {
	var raw string
	ok, err := a.Load(KeyLastSync, &raw)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync time: %w", err)
	}
	return t, nil
}

// LoadSession returns the stored credentials, or an empty session.
func (a *Adapter) LoadSession() (domain.Session, error) {
	var s domain.Session
	if _, err := a.Load(KeySession, &s); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// SaveSession stores credentials without a change notification:
// session changes are not syncable state.
func (a *Adapter) SaveSession(s domain.Session) error {
	return a.save(KeySession, s)
}

// ClearSession removes the stored credentials.
func (a *Adapter) ClearSession() error {
	return a.store.Delete(a.identity, KeySession)
}

// Hydrate replaces all syncable documents with the remote envelope's
// contents as a single unit: one transaction, one aggregate change
// notification at the end instead of one per sub-key.
func (a *Adapter) Hydrate(env domain.Envelope, version int) error {
	values := map[Key][]byte{}
	encode := func(key Key, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		values[key] = raw
		return nil
	}

	if env.Checks == nil {
		env.Checks = map[domain.QuestionID]domain.Checks{}
	}
	steps := []struct {
		key Key
		v   any
	}{
		{KeyChecks, env.Checks},
		{KeyOshiCounts, env.OshiCounts},
		{KeyLikeCounts, env.LikeCounts},
		{KeyFearCounts, env.FearCounts},
		{KeyFavorites, env.Favorites},
		{KeyArchived, env.ArchivedIDs},
		{KeyExamDate, env.ExamDate},
		{KeySyncVersion, version},
		{KeyLastSync, a.Now().UTC().Format(time.RFC3339)},
	}
	for _, st := range steps {
		if err := encode(st.key, st.v); err != nil {
			return err
		}
	}

	if err := a.store.PutMany(a.identity, values); err != nil {
		return err
	}

	a.notify(KeyChecks, KeyOshiCounts, KeyLikeCounts, KeyFearCounts,
		KeyFavorites, KeyArchived, KeyExamDate)
	return nil
}

// Reset clears all mutable state for this identity. Session
// credentials and the remote endpoint configuration are preserved.
func (a *Adapter) Reset() error {
	if err := a.store.DeleteKeys(a.identity, mutableKeys); err != nil {
		return err
	}
	a.notify(mutableKeys...)
	return nil
}

// normalizeChecks decodes a stored check document, converting legacy
// shapes. Legacy boolean slots get timestamp = now; numeric
// timestamps are epoch milliseconds from the old client and keep
// their instant.
func normalizeChecks(raw []byte, now time.Time) (map[domain.QuestionID]domain.Checks, bool, error) {
	var perQuestion map[domain.QuestionID][]json.RawMessage
	if err := json.Unmarshal(raw, &perQuestion); err != nil {
		return nil, false, fmt.Errorf("failed to decode check document: %w", err)
	}

	result := make(map[domain.QuestionID]domain.Checks, len(perQuestion))
	migrated := false

	for id, slots := range perQuestion {
		var checks domain.Checks
		if len(slots) > domain.NumSlots {
			slots = slots[:domain.NumSlots]
			migrated = true
		}
		for i, slot := range slots {
			rec, wasLegacy, err := normalizeSlot(slot, now)
			if err != nil {
				return nil, false, fmt.Errorf("question %s slot %d: %w", id, i, err)
			}
			checks[i] = rec
			migrated = migrated || wasLegacy
		}
		result[id] = checks
	}
	return result, migrated, nil
}

func normalizeSlot(raw json.RawMessage, now time.Time) (domain.CheckRecord, bool, error) {
	// Legacy clients stored bare booleans per slot.
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		rec := domain.CheckRecord{Checked: b}
		if b {
			ts := now
			rec.Timestamp = &ts
		}
		return rec, true, nil
	}

	// Current shape, but the timestamp may still be a legacy epoch
	// millisecond number instead of an RFC 3339 string.
	var obj struct {
		Checked   bool            `json:"checked"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return domain.CheckRecord{}, false, fmt.Errorf("failed to decode slot: %w", err)
	}

	rec := domain.CheckRecord{Checked: obj.Checked}
	if len(obj.Timestamp) == 0 || string(obj.Timestamp) == "null" {
		return rec, false, nil
	}

	var millis float64
	if err := json.Unmarshal(obj.Timestamp, &millis); err == nil {
		ts := time.UnixMilli(int64(millis)).UTC()
		rec.Timestamp = &ts
		return rec, true, nil
	}

	var ts time.Time
	if err := json.Unmarshal(obj.Timestamp, &ts); err != nil {
		return domain.CheckRecord{}, false, fmt.Errorf("failed to decode slot timestamp: %w", err)
	}
	rec.Timestamp = &ts
	return rec, false, nil
}
