package storage

import (
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/mfujita/repcheck/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "repcheck.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestChecksRoundTrip(t *testing.T) {
	adapter := NewAdapter(openTestStore(t), "alice")

	ts := time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)
	checks := map[domain.QuestionID]domain.Checks{
		"examA-12": {
			{Checked: true, Timestamp: &ts},
			{Checked: false},
			{Checked: false},
			{Checked: false},
		},
	}

	if err := adapter.SaveChecks(checks); err != nil {
		t.Fatalf("Failed to save checks: %v", err)
	}

	loaded, err := adapter.LoadChecks()
	if err != nil {
		t.Fatalf("Failed to load checks: %v", err)
	}
	got, ok := loaded["examA-12"]
	if !ok {
		t.Fatal("Expected examA-12 to survive the round trip")
	}
	if !got[0].Checked || got[0].Timestamp == nil || !got[0].Timestamp.Equal(ts) {
		t.Errorf("Slot 0 did not round-trip: %+v", got[0])
	}
	for i := 1; i < domain.NumSlots; i++ {
		if got[i].Checked || got[i].Timestamp != nil {
			t.Errorf("Slot %d should be unchecked with nil timestamp: %+v", i, got[i])
		}
	}
}

func TestLegacyBooleanMigration(t *testing.T) {
	store := openTestStore(t)
	adapter := NewAdapter(store, "alice")

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	adapter.Now = func() time.Time { return now }

	var saves int
	adapter.Subscribe(func(keys []Key) {
		if slices.Contains(keys, KeyChecks) {
			saves++
		}
	})

	if err := store.Put("alice", KeyChecks, []byte(`{"Q1": [true, false, false, false]}`)); err != nil {
		t.Fatalf("Failed to seed legacy data: %v", err)
	}

	checks, err := adapter.LoadChecks()
	if err != nil {
		t.Fatalf("Failed to load legacy checks: %v", err)
	}

	got := checks["Q1"]
	if !got[0].Checked {
		t.Error("Expected slot 0 to stay checked after migration")
	}
	if got[0].Timestamp == nil || !got[0].Timestamp.Equal(now) {
		t.Errorf("Expected migrated timestamp %v, got %v", now, got[0].Timestamp)
	}
	for i := 1; i < domain.NumSlots; i++ {
		if got[i].Checked || got[i].Timestamp != nil {
			t.Errorf("Slot %d should migrate to unchecked/nil: %+v", i, got[i])
		}
	}
	if saves != 1 {
		t.Errorf("Expected exactly one migration re-save, got %d", saves)
	}

	// A second load must find the current shape and not save again.
	if _, err := adapter.LoadChecks(); err != nil {
		t.Fatalf("Failed to reload checks: %v", err)
	}
	if saves != 1 {
		t.Errorf("Migration must be one-time, got %d saves", saves)
	}
}

func TestLegacyEpochMillisMigration(t *testing.T) {
	store := openTestStore(t)
	adapter := NewAdapter(store, "alice")

	// 2025-11-03T09:00:00Z in epoch milliseconds, as the old client wrote.
	if err := store.Put("alice", KeyChecks,
		[]byte(`{"Q1": [{"checked": true, "timestamp": 1762160400000}, {"checked": false, "timestamp": null}]}`)); err != nil {
		t.Fatalf("Failed to seed data: %v", err)
	}

	checks, err := adapter.LoadChecks()
	if err != nil {
		t.Fatalf("Failed to load checks: %v", err)
	}
	want := time.UnixMilli(1762160400000).UTC()
	got := checks["Q1"]
	if got[0].Timestamp == nil || !got[0].Timestamp.Equal(want) {
		t.Errorf("Expected preserved instant %v, got %v", want, got[0].Timestamp)
	}
}

func TestUnparseableChecksFallBackToEmpty(t *testing.T) {
	store := openTestStore(t)
	adapter := NewAdapter(store, "alice")

	if err := store.Put("alice", KeyChecks, []byte(`"not a check map"`)); err != nil {
		t.Fatalf("Failed to seed data: %v", err)
	}

	checks, err := adapter.LoadChecks()
	if err != nil {
		t.Fatalf("Expected fallback, got error: %v", err)
	}
	if len(checks) != 0 {
		t.Errorf("Expected empty checks, got %d entries", len(checks))
	}
}

func TestIdentityIsolation(t *testing.T) {
	store := openTestStore(t)
	alice := NewAdapter(store, "alice")
	bob := NewAdapter(store, "bob")

	if err := alice.Save(KeyOshiCounts, map[domain.QuestionID]int{"Q1": 3}); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	counts, err := bob.LoadCounts(KeyOshiCounts)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("Expected bob to see no state from alice, got %v", counts)
	}
}

func TestHydrateEmitsOneNotification(t *testing.T) {
	store := openTestStore(t)
	adapter := NewAdapter(store, "alice")

	var calls int
	var lastKeys []Key
	adapter.Subscribe(func(keys []Key) {
		calls++
		lastKeys = keys
	})

	env := domain.Envelope{
		OshiCounts:  map[domain.QuestionID]int{"Q1": 2},
		Favorites:   []domain.QuestionID{"Q1"},
		ArchivedIDs: []domain.QuestionID{"Q2"},
		ExamDate:    "2026-10-18",
	}
	if err := adapter.Hydrate(env, 7); err != nil {
		t.Fatalf("Failed to hydrate: %v", err)
	}

	if calls != 1 {
		t.Fatalf("Expected one aggregate notification, got %d", calls)
	}
	if !slices.Contains(lastKeys, KeyFavorites) || !slices.Contains(lastKeys, KeyChecks) {
		t.Errorf("Aggregate notification missing keys: %v", lastKeys)
	}

	version, err := adapter.LoadSyncVersion()
	if err != nil {
		t.Fatalf("Failed to load version: %v", err)
	}
	if version != 7 {
		t.Errorf("Expected hydrated version 7, got %d", version)
	}

	favorites, err := adapter.LoadIDList(KeyFavorites)
	if err != nil {
		t.Fatalf("Failed to load favorites: %v", err)
	}
	if len(favorites) != 1 || favorites[0] != "Q1" {
		t.Errorf("Expected hydrated favorites [Q1], got %v", favorites)
	}
}

func TestCurrentUserMarkerSwitchesScope(t *testing.T) {
	store := openTestStore(t)

	current, err := store.CurrentUser()
	if err != nil {
		t.Fatalf("Failed to read marker: %v", err)
	}
	if current != "" {
		t.Errorf("Expected no current user before any login, got %q", current)
	}

	// Alice logs in and leaves local edits in her scope.
	if err := store.SaveCurrentUser("alice"); err != nil {
		t.Fatalf("Failed to save marker: %v", err)
	}
	alice := NewAdapter(store, "alice")
	if err := alice.Save(KeyOshiCounts, map[domain.QuestionID]int{"Q1": 3}); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	// Bob logs in on the same machine; resolving the marker then
	// scoping by it must not surface alice's state.
	if err := store.SaveCurrentUser("bob"); err != nil {
		t.Fatalf("Failed to switch marker: %v", err)
	}
	current, err = store.CurrentUser()
	if err != nil {
		t.Fatalf("Failed to read marker: %v", err)
	}
	if current != "bob" {
		t.Fatalf("Expected marker bob, got %q", current)
	}
	counts, err := NewAdapter(store, current).LoadCounts(KeyOshiCounts)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("Expected bob's scope empty, got %v", counts)
	}

	// Logout drops the marker and the client is back on the default
	// scope.
	if err := store.ClearCurrentUser(); err != nil {
		t.Fatalf("Failed to clear marker: %v", err)
	}
	current, err = store.CurrentUser()
	if err != nil {
		t.Fatalf("Failed to read marker: %v", err)
	}
	if current != "" {
		t.Errorf("Expected no current user after logout, got %q", current)
	}
}

func TestEndpointAndLastSyncRoundTrip(t *testing.T) {
	adapter := NewAdapter(openTestStore(t), "alice")

	endpoint, err := adapter.LoadEndpoint()
	if err != nil {
		t.Fatalf("Failed to load endpoint: %v", err)
	}
	if endpoint != "" {
		t.Errorf("Expected no endpoint on a fresh identity, got %q", endpoint)
	}

	if err := adapter.SaveEndpoint("https://sync.example/api"); err != nil {
		t.Fatalf("Failed to save endpoint: %v", err)
	}
	endpoint, err = adapter.LoadEndpoint()
	if err != nil {
		t.Fatalf("Failed to load endpoint: %v", err)
	}
	if endpoint != "https://sync.example/api" {
		t.Errorf("Unexpected endpoint %q", endpoint)
	}

	last, err := adapter.LoadLastSync()
	if err != nil {
		t.Fatalf("Failed to load last sync: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("Expected zero last-sync on a fresh identity, got %v", last)
	}

	at := time.Date(2026, 8, 30, 15, 4, 5, 0, time.UTC)
	if err := adapter.SaveLastSync(at); err != nil {
		t.Fatalf("Failed to save last sync: %v", err)
	}
	last, err = adapter.LoadLastSync()
	if err != nil {
		t.Fatalf("Failed to load last sync: %v", err)
	}
	if !last.Equal(at) {
		t.Errorf("Expected last sync %v, got %v", at, last)
	}
}

func TestResetPreservesSessionAndEndpoint(t *testing.T) {
	store := openTestStore(t)
	adapter := NewAdapter(store, "alice")

	if err := adapter.SaveSession(domain.Session{AccessToken: "at", RefreshToken: "rt", UserID: "alice"}); err != nil {
		t.Fatalf("Failed to save session: %v", err)
	}
	if err := adapter.Save(KeyEndpoint, "https://sync.example/api"); err != nil {
		t.Fatalf("Failed to save endpoint: %v", err)
	}
	if err := adapter.Save(KeyOshiCounts, map[domain.QuestionID]int{"Q1": 5}); err != nil {
		t.Fatalf("Failed to save counts: %v", err)
	}
	if err := adapter.SaveSyncVersion(4); err != nil {
		t.Fatalf("Failed to save version: %v", err)
	}

	if err := adapter.Reset(); err != nil {
		t.Fatalf("Failed to reset: %v", err)
	}

	counts, err := adapter.LoadCounts(KeyOshiCounts)
	if err != nil {
		t.Fatalf("Failed to load counts: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("Expected counts cleared, got %v", counts)
	}
	version, err := adapter.LoadSyncVersion()
	if err != nil {
		t.Fatalf("Failed to load version: %v", err)
	}
	if version != 0 {
		t.Errorf("Expected version cleared, got %d", version)
	}

	session, err := adapter.LoadSession()
	if err != nil {
		t.Fatalf("Failed to load session: %v", err)
	}
	if session.AccessToken != "at" || session.UserID != "alice" {
		t.Errorf("Expected session to survive reset, got %+v", session)
	}
	endpoint, err := adapter.LoadString(KeyEndpoint, "")
	if err != nil {
		t.Fatalf("Failed to load endpoint: %v", err)
	}
	if endpoint != "https://sync.example/api" {
		t.Errorf("Expected endpoint to survive reset, got %q", endpoint)
	}
}
