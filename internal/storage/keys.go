package storage

// Key names one logical document within an identity's state. The
// (identity, Key) pair addresses a row; callers never concatenate
// identity prefixes into key strings themselves.
type Key string

const (
	KeyChecks      Key = "problemChecks"
	KeyOshiCounts  Key = "oshiCounts"
	KeyLikeCounts  Key = "likeCounts"
	KeyFearCounts  Key = "fearCounts"
	KeyFavorites   Key = "favorites"
	KeyArchived    Key = "archivedProblemIds"
	KeyExamDate    Key = "examDate"
	KeySortOrder   Key = "currentSortOrder"
	KeyCollapsed   Key = "collapsedCategories"
	KeySyncVersion Key = "syncVersion"
	KeyLastSync    Key = "lastSyncAt"
	KeySession     Key = "session"
	KeyEndpoint    Key = "remoteEndpoint"

	// KeyCurrentUser is written under DefaultIdentity only: it names
	// the identity the client last logged in as, so a later run can
	// rescope before any credentials are loaded.
	KeyCurrentUser Key = "currentUser"
)

// mutableKeys are the keys cleared by a full reset. Session
// credentials and the remote endpoint configuration survive a reset.
var mutableKeys = []Key{
	KeyChecks,
	KeyOshiCounts,
	KeyLikeCounts,
	KeyFearCounts,
	KeyFavorites,
	KeyArchived,
	KeyExamDate,
	KeySortOrder,
	KeyCollapsed,
	KeySyncVersion,
	KeyLastSync,
}
