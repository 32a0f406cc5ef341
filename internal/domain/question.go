package domain

import (
	"fmt"
	"time"
)

// NumSlots is the number of repetition-check slots per question.
// Slot 0 is the first pass, slot 3 the last.
const NumSlots = 4

// QuestionID uniquely identifies a question across the whole catalog.
// It is the composite of the question's source and its number, stable
// across sessions.
type QuestionID string

// MakeQuestionID builds the composite id from a question's source
// (e.g. an exam session name) and its number within that source.
func MakeQuestionID(source, number string) QuestionID {
	return QuestionID(source + "-" + number)
}

// CheckRecord is one repetition slot. Timestamp is set when Checked
// becomes true and cleared to zero when it becomes false.
type CheckRecord struct {
	Checked   bool       `json:"checked"`
	Timestamp *time.Time `json:"timestamp"`
}

// Checks is the ordered set of repetition slots for one question.
type Checks [NumSlots]CheckRecord

// CheckedCount returns how many slots are currently checked.
func (c Checks) CheckedCount() int {
	n := 0
	for _, rec := range c {
		if rec.Checked {
			n++
		}
	}
	return n
}

// ReactionKind is one of the per-question reaction counters.
type ReactionKind string

const (
	ReactionOshi ReactionKind = "oshi"
	ReactionLike ReactionKind = "like"
	ReactionFear ReactionKind = "fear"
)

// ValidReactionKind reports whether k is one of the known kinds.
func ValidReactionKind(k ReactionKind) bool {
	switch k {
	case ReactionOshi, ReactionLike, ReactionFear:
		return true
	}
	return false
}

// Envelope is the full syncable payload exchanged with the remote
// store. It is paired with an integer version used for optimistic
// concurrency; the version itself travels outside the envelope.
type Envelope struct {
	Checks      map[QuestionID]Checks `json:"problemChecks"`
	OshiCounts  map[QuestionID]int    `json:"oshiCounts"`
	LikeCounts  map[QuestionID]int    `json:"likeCounts"`
	FearCounts  map[QuestionID]int    `json:"fearCounts"`
	Favorites   []QuestionID          `json:"favorites"`
	ArchivedIDs []QuestionID          `json:"archivedProblemIds"`
	ExamDate    string                `json:"examDate,omitempty"`
}

// Session holds the credentials of an authenticated identity. Both
// tokens are opaque strings; absence of both means unauthenticated,
// read-only operation.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
}

// Authenticated reports whether the session carries any credentials.
func (s Session) Authenticated() bool {
	return s.AccessToken != "" || s.RefreshToken != ""
}

// ErrInvalidSlot is returned when a check mutation names a slot index
// outside 0..NumSlots-1.
var ErrInvalidSlot = fmt.Errorf("slot index out of range 0..%d", NumSlots-1)
