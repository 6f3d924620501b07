package model

// ReaddStatus records, per (group, installation), whether an installation
// that appeared in both the add and remove sets of a super-admin-authored
// commit was reclassified as a re-add (spec 4.5 rule 5), supplementing the
// distilled spec with the original's readd_status bookkeeping table so a
// later commit covering the same installation can be validated against the
// most recent reclassification rather than re-deriving it from scratch.
type ReaddStatus struct {
	GroupID        string
	InstallationID InstallationID
	ReaddedAtEpoch uint64
}

// PendingRemove tracks an inbox that requested its own removal from a group
// (a self-remove) pending local confirmation that the corresponding commit
// landed, so ValidatedCommit.PendingSelfRemove can be recomputed across
// restarts rather than held only in memory.
type PendingRemove struct {
	GroupID  string
	InboxID  InboxID
	Epoch    uint64
	Resolved bool
}

// KeyPackageHistoryEntry is an append-only record of every key package this
// installation has published, so a stale or compromised key package can be
// identified against the history rather than only the current one.
type KeyPackageHistoryEntry struct {
	ID             int64
	InstallationID InstallationID
	HashRef        []byte
	CreatedAtNS    int64
	Consumed       bool
}

// ConsentState is the user's trust decision for a conversation or inbox,
// kept alongside the group/membership tables per the persisted-state layout
// (consent_records) even though the distilled component design never
// discusses consent directly; it supplements the spec's own data model
// section 3 listing.
type ConsentState string

const (
	ConsentUnknown ConsentState = "unknown"
	ConsentAllowed ConsentState = "allowed"
	ConsentDenied  ConsentState = "denied"
)

// ConsentRecord is one row of consent_records: a user's trust decision
// about a group or an inbox.
type ConsentRecord struct {
	EntityID string
	// EntityType distinguishes a group-scoped consent record from an
	// inbox-scoped one.
	EntityType  string
	State       ConsentState
	UpdatedAtNS int64
}
