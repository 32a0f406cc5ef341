// Package state holds the in-memory per-question study state and is
// the single mutation API for it. Every mutating operation persists
// through the storage adapter before returning, so the caller always
// observes its own edit regardless of what the sync layer does later.
package state

import (
	"fmt"
	"slices"
	"time"

	"github.com/mfujita/repcheck/internal/domain"
	"github.com/mfujita/repcheck/internal/review"
	"github.com/mfujita/repcheck/internal/storage"
)

// Store is the question-state store. It is not safe for concurrent
// use; the client is single-flow and the remote store is the only
// shared resource between devices.
type Store struct {
	adapter *storage.Adapter

	checks     map[domain.QuestionID]domain.Checks
	oshiCounts map[domain.QuestionID]int
	likeCounts map[domain.QuestionID]int
	fearCounts map[domain.QuestionID]int
	favorites  []domain.QuestionID
	archived   []domain.QuestionID

	sortOrder string
	collapsed map[string]bool
	examDate  string

	// Now is the clock stamped onto newly checked slots. Tests
	// substitute a fixed clock.
	Now func() time.Time
}

// Load builds a store from everything persisted for the adapter's
// identity, running the legacy check migration if needed.
func Load(adapter *storage.Adapter) (*Store, error) {
	s := &Store{adapter: adapter, Now: time.Now}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	checks, err := s.adapter.LoadChecks()
	if err != nil {
		return fmt.Errorf("failed to load checks: %w", err)
	}
	s.checks = checks

	for _, c := range []struct {
		key  storage.Key
		dest *map[domain.QuestionID]int
	}{
		{storage.KeyOshiCounts, &s.oshiCounts},
		{storage.KeyLikeCounts, &s.likeCounts},
		{storage.KeyFearCounts, &s.fearCounts},
	} {
		counts, err := s.adapter.LoadCounts(c.key)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", c.key, err)
		}
		*c.dest = counts
	}

	if s.favorites, err = s.adapter.LoadIDList(storage.KeyFavorites); err != nil {
		return fmt.Errorf("failed to load favorites: %w", err)
	}
	if s.archived, err = s.adapter.LoadIDList(storage.KeyArchived); err != nil {
		return fmt.Errorf("failed to load archived ids: %w", err)
	}
	if s.sortOrder, err = s.adapter.LoadString(storage.KeySortOrder, "default"); err != nil {
		return fmt.Errorf("failed to load sort order: %w", err)
	}
	if s.examDate, err = s.adapter.LoadString(storage.KeyExamDate, ""); err != nil {
		return fmt.Errorf("failed to load exam date: %w", err)
	}

	s.collapsed = map[string]bool{}
	if _, err := s.adapter.Load(storage.KeyCollapsed, &s.collapsed); err != nil {
		return fmt.Errorf("failed to load collapsed categories: %w", err)
	}
	return nil
}

// ToggleCheck flips the given repetition slot. Becoming checked
// stamps the slot with the current time; becoming unchecked clears
// the timestamp. All four slots are lazily initialized on a
// question's first check.
func (s *Store) ToggleCheck(id domain.QuestionID, slot int) (domain.CheckRecord, error) {
	if slot < 0 || slot >= domain.NumSlots {
		return domain.CheckRecord{}, fmt.Errorf("toggle check %s: %w", id, domain.ErrInvalidSlot)
	}

	checks := s.checks[id] // zero value: four unchecked slots
	rec := checks[slot]
	rec.Checked = !rec.Checked
	if rec.Checked {
		ts := s.Now()
		rec.Timestamp = &ts
	} else {
		rec.Timestamp = nil
	}
	checks[slot] = rec
	s.checks[id] = checks

	if err := s.adapter.SaveChecks(s.checks); err != nil {
		return domain.CheckRecord{}, err
	}
	return rec, nil
}

// AddReaction increments one reaction counter and returns the new
// count. Counters only ever grow; there is no way to take a reaction
// back short of a full reset.
func (s *Store) AddReaction(id domain.QuestionID, kind domain.ReactionKind) (int, error) {
	if !domain.ValidReactionKind(kind) {
		return 0, fmt.Errorf("unknown reaction kind %q", kind)
	}

	var counts map[domain.QuestionID]int
	var key storage.Key
	switch kind {
	case domain.ReactionOshi:
		counts, key = s.oshiCounts, storage.KeyOshiCounts
	case domain.ReactionLike:
		counts, key = s.likeCounts, storage.KeyLikeCounts
	case domain.ReactionFear:
		counts, key = s.fearCounts, storage.KeyFearCounts
	}

	counts[id]++
	if err := s.adapter.Save(key, counts); err != nil {
		return 0, err
	}
	return counts[id], nil
}

// ToggleFavorite flips the favorite flag and returns the new state.
func (s *Store) ToggleFavorite(id domain.QuestionID) (bool, error) {
	now := toggleID(&s.favorites, id)
	if err := s.adapter.Save(storage.KeyFavorites, s.favorites); err != nil {
		return false, err
	}
	return now, nil
}

// ToggleArchive flips the archived flag and returns the new state.
// An archived question drops out of the review rotation and counts as
// fully complete in progress metrics.
func (s *Store) ToggleArchive(id domain.QuestionID) (bool, error) {
	now := toggleID(&s.archived, id)
	if err := s.adapter.Save(storage.KeyArchived, s.archived); err != nil {
		return false, err
	}
	return now, nil
}

func toggleID(list *[]domain.QuestionID, id domain.QuestionID) bool {
	if i := slices.Index(*list, id); i >= 0 {
		*list = slices.Delete(*list, i, i+1)
		return false
	}
	*list = append(*list, id)
	return true
}

// IsFavorite reports whether the question is starred.
func (s *Store) IsFavorite(id domain.QuestionID) bool {
	return slices.Contains(s.favorites, id)
}

// IsArchived reports whether the question is archived.
func (s *Store) IsArchived(id domain.QuestionID) bool {
	return slices.Contains(s.archived, id)
}

// Checks returns the question's slots and whether any were recorded.
func (s *Store) Checks(id domain.QuestionID) (domain.Checks, bool) {
	c, ok := s.checks[id]
	return c, ok
}

// IsDueForReview reports whether the question needs review now.
// Archived questions are out of the rotation regardless of checks.
func (s *Store) IsDueForReview(id domain.QuestionID, now time.Time) bool {
	if s.IsArchived(id) {
		return false
	}
	return review.IsDue(s.checks[id], now)
}

// IsUntouched reports whether no slot has ever been checked.
func (s *Store) IsUntouched(id domain.QuestionID) bool {
	return s.checks[id].CheckedCount() == 0
}

// Reactions returns the current counters for one question.
func (s *Store) Reactions(id domain.QuestionID) (oshi, like, fear int) {
	return s.oshiCounts[id], s.likeCounts[id], s.fearCounts[id]
}

// ReactionTotals sums all counters across questions.
func (s *Store) ReactionTotals() (oshi, like, fear int) {
	for _, n := range s.oshiCounts {
		oshi += n
	}
	for _, n := range s.likeCounts {
		like += n
	}
	for _, n := range s.fearCounts {
		fear += n
	}
	return oshi, like, fear
}

// Progress is the achievement summary over a set of questions.
type Progress struct {
	Percent         float64
	EquivalentCount float64
	Total           int
}

// ComputeProgress scores the given questions: an archived question is
// fully complete regardless of its checks, any other contributes a
// quarter point per checked slot. An empty scope yields zero percent,
// never NaN.
func (s *Store) ComputeProgress(ids []domain.QuestionID) Progress {
	p := Progress{Total: len(ids)}
	for _, id := range ids {
		if s.IsArchived(id) {
			p.EquivalentCount += 1.0
		} else {
			p.EquivalentCount += float64(s.checks[id].CheckedCount()) / domain.NumSlots
		}
	}
	if p.Total > 0 {
		p.Percent = p.EquivalentCount / float64(p.Total) * 100
	}
	return p
}

// CountDue counts the questions in scope that need review now.
// Aggregates are recomputed from scratch on each call rather than
// maintained incrementally, so they cannot drift from the slot state.
func (s *Store) CountDue(ids []domain.QuestionID, now time.Time) int {
	n := 0
	for _, id := range ids {
		if s.IsDueForReview(id, now) {
			n++
		}
	}
	return n
}

// Tier buckets a question by archive state and checked-slot count,
// as rendered in the stacked progress bar.
type Tier struct {
	Archived bool
	Checked  int
}

// TierCounts buckets the given questions into progress tiers.
func (s *Store) TierCounts(ids []domain.QuestionID) map[Tier]int {
	tiers := map[Tier]int{}
	for _, id := range ids {
		tiers[Tier{Archived: s.IsArchived(id), Checked: s.checks[id].CheckedCount()}]++
	}
	return tiers
}

// SortOrder returns the persisted list ordering preference.
func (s *Store) SortOrder() string {
	return s.sortOrder
}

// SetSortOrder stores the list ordering preference.
func (s *Store) SetSortOrder(order string) error {
	s.sortOrder = order
	return s.adapter.Save(storage.KeySortOrder, order)
}

// IsCategoryCollapsed reports whether a category section is folded.
// Categories start collapsed, matching the index page default.
func (s *Store) IsCategoryCollapsed(category string) bool {
	collapsed, ok := s.collapsed[category]
	if !ok {
		return true
	}
	return collapsed
}

// SetCategoryCollapsed stores a category's folded state.
func (s *Store) SetCategoryCollapsed(category string, collapsed bool) error {
	s.collapsed[category] = collapsed
	return s.adapter.Save(storage.KeyCollapsed, s.collapsed)
}

// ExamDate returns the configured exam date (YYYY-MM-DD) or empty.
func (s *Store) ExamDate() string {
	return s.examDate
}

// SetExamDate stores the exam date. An empty value clears it.
func (s *Store) SetExamDate(date string) error {
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("invalid exam date %q: %w", date, err)
		}
	}
	s.examDate = date
	return s.adapter.Save(storage.KeyExamDate, date)
}

// DaysUntilExam returns the whole days from now until the exam date,
// negative once it has passed. ok is false when no date is set.
func (s *Store) DaysUntilExam(now time.Time) (days int, ok bool) {
	if s.examDate == "" {
		return 0, false
	}
	exam, err := time.Parse("2006-01-02", s.examDate)
	if err != nil {
		return 0, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(exam.Sub(today).Hours() / 24), true
}

// Envelope bundles the full syncable state for a push.
func (s *Store) Envelope() domain.Envelope {
	return domain.Envelope{
		Checks:      s.checks,
		OshiCounts:  s.oshiCounts,
		LikeCounts:  s.likeCounts,
		FearCounts:  s.fearCounts,
		Favorites:   s.favorites,
		ArchivedIDs: s.archived,
		ExamDate:    s.examDate,
	}
}

// Hydrate replaces local state with a remote envelope: the adapter
// persists it as one unit, then the in-memory view reloads from disk.
func (s *Store) Hydrate(env domain.Envelope, version int) error {
	if err := s.adapter.Hydrate(env, version); err != nil {
		return err
	}
	return s.reload()
}

// Reset clears all study state for the current identity, in memory
// and on disk. Credentials and endpoint configuration survive.
func (s *Store) Reset() error {
	if err := s.adapter.Reset(); err != nil {
		return err
	}
	return s.reload()
}
