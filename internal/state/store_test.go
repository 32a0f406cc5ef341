package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mfujita/repcheck/internal/domain"
	"github.com/mfujita/repcheck/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.Adapter) {
	t.Helper()
	backing, err := storage.Open(filepath.Join(t.TempDir(), "repcheck.db"))
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { backing.Close() })

	adapter := storage.NewAdapter(backing, "alice")
	store, err := Load(adapter)
	if err != nil {
		t.Fatalf("Failed to load state: %v", err)
	}
	return store, adapter
}

func TestToggleCheckStampsAndClears(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	rec, err := store.ToggleCheck("examA-12", 0)
	if err != nil {
		t.Fatalf("Failed to toggle check: %v", err)
	}
	if !rec.Checked || rec.Timestamp == nil || !rec.Timestamp.Equal(now) {
		t.Errorf("Expected checked with timestamp %v, got %+v", now, rec)
	}

	rec, err = store.ToggleCheck("examA-12", 0)
	if err != nil {
		t.Fatalf("Failed to toggle check off: %v", err)
	}
	if rec.Checked || rec.Timestamp != nil {
		t.Errorf("Expected unchecked with nil timestamp, got %+v", rec)
	}
}

func TestToggleCheckInvalidSlot(t *testing.T) {
	store, _ := newTestStore(t)
	for _, slot := range []int{-1, 4, 99} {
		if _, err := store.ToggleCheck("examA-12", slot); !errors.Is(err, domain.ErrInvalidSlot) {
			t.Errorf("Slot %d: expected ErrInvalidSlot, got %v", slot, err)
		}
	}
	// A failed toggle must not create state for the question.
	if _, ok := store.Checks("examA-12"); ok {
		t.Error("Expected no checks recorded after invalid toggles")
	}
}

func TestReviewScenario(t *testing.T) {
	store, _ := newTestStore(t)
	t0 := time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return t0 }

	id := domain.QuestionID("examA-12")
	if _, err := store.ToggleCheck(id, 0); err != nil {
		t.Fatalf("Failed to check slot 0: %v", err)
	}

	if store.IsDueForReview(id, t0.Add(30*time.Minute)) {
		t.Error("Expected not due 30 minutes after the first check")
	}
	if !store.IsDueForReview(id, t0.Add(61*time.Minute)) {
		t.Error("Expected due 61 minutes after the first check")
	}

	t1 := t0.Add(61 * time.Minute)
	store.Now = func() time.Time { return t1 }
	if _, err := store.ToggleCheck(id, 1); err != nil {
		t.Fatalf("Failed to check slot 1: %v", err)
	}

	if store.IsDueForReview(id, t1.Add(23*time.Hour)) {
		t.Error("Expected not due before the 1 day stage elapsed")
	}
	if !store.IsDueForReview(id, t1.Add(24*time.Hour+time.Minute)) {
		t.Error("Expected due once the 1 day stage elapsed")
	}
}

func TestAddReactionMonotonic(t *testing.T) {
	store, _ := newTestStore(t)

	for want := 1; want <= 3; want++ {
		got, err := store.AddReaction("examA-12", domain.ReactionOshi)
		if err != nil {
			t.Fatalf("Failed to add reaction: %v", err)
		}
		if got != want {
			t.Errorf("Expected count %d, got %d", want, got)
		}
	}

	if _, err := store.AddReaction("examA-12", domain.ReactionKind("angry")); err == nil {
		t.Error("Expected an error for an unknown reaction kind")
	}

	oshi, like, fear := store.ReactionTotals()
	if oshi != 3 || like != 0 || fear != 0 {
		t.Errorf("Expected totals (3,0,0), got (%d,%d,%d)", oshi, like, fear)
	}
}

func TestToggleFavoriteTwiceIsNoNetChange(t *testing.T) {
	store, adapter := newTestStore(t)

	var writes int
	adapter.Subscribe(func([]storage.Key) { writes++ })

	on, err := store.ToggleFavorite("examA-12")
	if err != nil || !on {
		t.Fatalf("Expected first toggle to favorite, got %v, %v", on, err)
	}
	off, err := store.ToggleFavorite("examA-12")
	if err != nil || off {
		t.Fatalf("Expected second toggle to unfavorite, got %v, %v", off, err)
	}

	if store.IsFavorite("examA-12") {
		t.Error("Expected original unfavorited state")
	}
	if writes != 2 {
		t.Errorf("Expected the two intermediate writes, got %d", writes)
	}
}

func TestComputeProgress(t *testing.T) {
	store, _ := newTestStore(t)
	ids := []domain.QuestionID{"a-1", "a-2", "a-3", "a-4"}

	t.Run("empty scope", func(t *testing.T) {
		p := store.ComputeProgress(nil)
		if p.Percent != 0 || p.Total != 0 {
			t.Errorf("Expected zero progress for empty scope, got %+v", p)
		}
	})

	t.Run("checks contribute quarters", func(t *testing.T) {
		if _, err := store.ToggleCheck("a-1", 0); err != nil {
			t.Fatal(err)
		}
		if _, err := store.ToggleCheck("a-1", 1); err != nil {
			t.Fatal(err)
		}
		p := store.ComputeProgress(ids)
		if p.EquivalentCount != 0.5 {
			t.Errorf("Expected 0.5 equivalent questions, got %v", p.EquivalentCount)
		}
		if want := 0.5 / 4 * 100; p.Percent != want {
			t.Errorf("Expected %.2f%%, got %.2f%%", want, p.Percent)
		}
	})

	t.Run("all archived is 100 percent", func(t *testing.T) {
		for _, id := range ids {
			if !store.IsArchived(id) {
				if _, err := store.ToggleArchive(id); err != nil {
					t.Fatal(err)
				}
			}
		}
		p := store.ComputeProgress(ids)
		if p.Percent != 100 {
			t.Errorf("Expected 100%% with all archived, got %.2f%%", p.Percent)
		}
	})
}

func TestCountDueAndUntouched(t *testing.T) {
	store, _ := newTestStore(t)
	t0 := time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return t0 }

	ids := []domain.QuestionID{"a-1", "a-2", "a-3"}
	if _, err := store.ToggleCheck("a-1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ToggleCheck("a-2", 3); err != nil {
		t.Fatal(err)
	}

	if store.IsUntouched("a-1") || !store.IsUntouched("a-3") {
		t.Error("Untouched flags wrong")
	}

	if got := store.CountDue(ids, t0.Add(2*time.Hour)); got != 1 {
		t.Errorf("Expected 1 due (a-1 past its hour, a-2 mastered), got %d", got)
	}
	if got := store.CountDue(ids, t0.Add(30*time.Minute)); got != 0 {
		t.Errorf("Expected 0 due before any interval elapsed, got %d", got)
	}

	if _, err := store.ToggleArchive("a-1"); err != nil {
		t.Fatal(err)
	}
	if store.IsDueForReview("a-1", t0.Add(2*time.Hour)) {
		t.Error("Expected archived question to leave the review rotation")
	}
	if got := store.CountDue(ids, t0.Add(2*time.Hour)); got != 0 {
		t.Errorf("Expected 0 due after archiving a-1, got %d", got)
	}
}

func TestHydrateReplacesState(t *testing.T) {
	store, adapter := newTestStore(t)

	if _, err := store.AddReaction("old-1", domain.ReactionLike); err != nil {
		t.Fatal(err)
	}

	ts := time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)
	env := domain.Envelope{
		Checks: map[domain.QuestionID]domain.Checks{
			"new-1": {{Checked: true, Timestamp: &ts}},
		},
		OshiCounts: map[domain.QuestionID]int{"new-1": 9},
		Favorites:  []domain.QuestionID{"new-1"},
		ExamDate:   "2026-10-18",
	}
	if err := store.Hydrate(env, 12); err != nil {
		t.Fatalf("Failed to hydrate: %v", err)
	}

	if _, ok := store.Checks("new-1"); !ok {
		t.Error("Expected hydrated checks for new-1")
	}
	oshi, like, _ := store.ReactionTotals()
	if oshi != 9 || like != 0 {
		t.Errorf("Expected remote counters to replace local, got oshi=%d like=%d", oshi, like)
	}
	if store.ExamDate() != "2026-10-18" {
		t.Errorf("Expected hydrated exam date, got %q", store.ExamDate())
	}
	version, err := adapter.LoadSyncVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != 12 {
		t.Errorf("Expected version 12 after hydrate, got %d", version)
	}
}

func TestSortOrderAndCollapsePersist(t *testing.T) {
	store, adapter := newTestStore(t)

	if store.SortOrder() != "default" {
		t.Errorf("Expected default sort order, got %q", store.SortOrder())
	}
	if !store.IsCategoryCollapsed("民法") {
		t.Error("Expected categories to start collapsed")
	}

	if err := store.SetSortOrder("favorites-first"); err != nil {
		t.Fatalf("Failed to set sort order: %v", err)
	}
	if err := store.SetCategoryCollapsed("民法", false); err != nil {
		t.Fatalf("Failed to expand category: %v", err)
	}

	// A fresh store over the same identity sees the preferences.
	reloaded, err := Load(adapter)
	if err != nil {
		t.Fatalf("Failed to reload state: %v", err)
	}
	if reloaded.SortOrder() != "favorites-first" {
		t.Errorf("Expected persisted sort order, got %q", reloaded.SortOrder())
	}
	if reloaded.IsCategoryCollapsed("民法") {
		t.Error("Expected expanded category to persist")
	}
	if !reloaded.IsCategoryCollapsed("憲法") {
		t.Error("Expected untouched categories to stay collapsed")
	}
}

func TestTierCounts(t *testing.T) {
	store, _ := newTestStore(t)
	ids := []domain.QuestionID{"a-1", "a-2", "a-3"}

	if _, err := store.ToggleCheck("a-1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ToggleCheck("a-1", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ToggleArchive("a-2"); err != nil {
		t.Fatal(err)
	}

	tiers := store.TierCounts(ids)
	if tiers[Tier{Checked: 2}] != 1 {
		t.Errorf("Expected one question at two checks, got %d", tiers[Tier{Checked: 2}])
	}
	if tiers[Tier{Archived: true}] != 1 {
		t.Errorf("Expected one archived question, got %d", tiers[Tier{Archived: true}])
	}
	if tiers[Tier{}] != 1 {
		t.Errorf("Expected one untouched question, got %d", tiers[Tier{}])
	}
}

func TestResetClearsStudyState(t *testing.T) {
	store, adapter := newTestStore(t)

	if _, err := store.ToggleCheck("a-1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddReaction("a-1", domain.ReactionFear); err != nil {
		t.Fatal(err)
	}
	if err := adapter.SaveSession(domain.Session{AccessToken: "at", UserID: "alice"}); err != nil {
		t.Fatal(err)
	}

	if err := store.Reset(); err != nil {
		t.Fatalf("Failed to reset: %v", err)
	}

	if !store.IsUntouched("a-1") {
		t.Error("Expected checks cleared by reset")
	}
	_, _, fear := store.ReactionTotals()
	if fear != 0 {
		t.Errorf("Expected reactions cleared by reset, got %d", fear)
	}
	session, err := adapter.LoadSession()
	if err != nil {
		t.Fatal(err)
	}
	if session.AccessToken != "at" {
		t.Error("Expected session to survive reset")
	}
}

func TestDaysUntilExam(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.SetExamDate("2026-10-18"); err != nil {
		t.Fatalf("Failed to set exam date: %v", err)
	}

	now := time.Date(2026, 10, 8, 15, 30, 0, 0, time.UTC)
	days, ok := store.DaysUntilExam(now)
	if !ok || days != 10 {
		t.Errorf("Expected 10 days until exam, got %d (ok=%v)", days, ok)
	}

	if err := store.SetExamDate("not-a-date"); err == nil {
		t.Error("Expected an error for a malformed exam date")
	}
}
