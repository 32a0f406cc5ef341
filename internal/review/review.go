package review

import (
	"time"

	"github.com/mfujita/repcheck/internal/domain"
)

// Intervals holds the required wait per repetition stage before a
// question becomes due again. A stage of -1 means the question is
// mastered and never comes due.
//
// Stage 0: 1 hour, stage 1: 1 day, stage 2: 6 days, stage 3: never.
var Intervals = [domain.NumSlots]time.Duration{
	1 * time.Hour,
	24 * time.Hour,
	6 * 24 * time.Hour,
	-1,
}

// HighestChecked returns the index of the most advanced checked slot,
// scanning from the last slot down, or -1 if no slot is checked.
func HighestChecked(checks domain.Checks) int {
	for i := domain.NumSlots - 1; i >= 0; i-- {
		if checks[i].Checked {
			return i
		}
	}
	return -1
}

// IsDue reports whether a question needs review at the given instant.
// A question with no checked slot is not due; a question whose last
// slot is checked is mastered and never due again. Otherwise the
// question is due once the elapsed time since the most advanced
// checked slot exceeds that stage's interval.
func IsDue(checks domain.Checks, now time.Time) bool {
	stage := HighestChecked(checks)
	if stage == -1 {
		return false
	}
	interval := Intervals[stage]
	if interval < 0 {
		return false
	}
	rec := checks[stage]
	if rec.Timestamp == nil {
		// A checked slot without a timestamp should not happen; treat
		// it as freshly checked rather than permanently due.
		return false
	}
	return now.Sub(*rec.Timestamp) > interval
}

// NextDue returns the instant at which the question becomes due, and
// false if it never will (untouched or mastered).
func NextDue(checks domain.Checks) (time.Time, bool) {
	stage := HighestChecked(checks)
	if stage == -1 {
		return time.Time{}, false
	}
	interval := Intervals[stage]
	if interval < 0 || checks[stage].Timestamp == nil {
		return time.Time{}, false
	}
	return checks[stage].Timestamp.Add(interval), true
}
