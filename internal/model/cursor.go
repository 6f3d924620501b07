package model

// EntityKind distinguishes what a RefreshCursor's sequence_id counts:
// application messages, commit messages, welcome messages, the local and
// remote commit-log bookkeeping streams, identity updates, or key packages.
type EntityKind string

const (
	EntityApplicationMessage EntityKind = "application_message"
	EntityCommitMessage      EntityKind = "commit_message"
	EntityWelcomeMessage     EntityKind = "welcome_message"
	EntityLocalCommitLog     EntityKind = "local_commit_log"
	EntityRemoteCommitLog    EntityKind = "remote_commit_log"
	EntityIdentityUpdate     EntityKind = "identity_update"
	EntityKeyPackage         EntityKind = "key_package"
)

// Cursor is one row of the refresh_state table: the high-water mark a given
// originator has reached for a given entity+kind.
type Cursor struct {
	EntityID     string
	EntityKind   EntityKind
	OriginatorID uint32
	SequenceID   uint64
}

// Key returns the composite primary key tuple as a comparable value, for use
// as a map key when merging chunked query results.
func (c Cursor) Key() CursorKey {
	return CursorKey{EntityID: c.EntityID, EntityKind: c.EntityKind, OriginatorID: c.OriginatorID}
}

// CursorKey is Cursor without the mutable SequenceID, suitable as a map key.
type CursorKey struct {
	EntityID     string
	EntityKind   EntityKind
	OriginatorID uint32
}
