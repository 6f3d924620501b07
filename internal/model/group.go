// Package model holds the core's persisted domain types: Group, Intent,
// RefreshCursor, commit log entries, icebox entries, and the commit
// validation summary. These mirror the "Persisted state layout" table and
// Data Model section of the group state machine design rather than any one
// teacher entity, since this domain's shapes have no direct analogue in the
// teacher's ledger/account/transaction types.
package model

import "time"

// ConversationType distinguishes the three shapes a Group can take.
type ConversationType string

const (
	ConversationGroup ConversationType = "group"
	ConversationDM    ConversationType = "dm"
	ConversationSync  ConversationType = "sync"
)

// MembershipState tracks whether the local installation still considers
// itself part of a group.
type MembershipState string

const (
	MembershipAllowed  MembershipState = "allowed"
	MembershipRejected MembershipState = "rejected"
	MembershipPending  MembershipState = "pending"
)

// Group is a single MLS-backed conversation (1:1, multi-party, or sync).
// welcome_id, once set, is immutable: GroupStore.Create enforces this by
// treating a duplicate welcome_id as apperr.ErrDuplicateWelcomeID rather than
// allowing an update.
type Group struct {
	ID                       string
	ConversationType         ConversationType
	MembershipState          MembershipState
	CreatedAtNS              int64
	WelcomeID                *uint64
	AddedByInboxID           string
	DMID                     *string
	RotatedAtNS              int64
	InstallationsLastChecked int64
	MessageDisappearFromNS   *int64
	MessageDisappearInNS     *int64
	PausedForVersion         *string
}

// IsDM reports whether conversation_type is DM. It does not look at dm_id;
// Validate checks the invariant conversation_type = DM ⇔ dm_id.is_some().
func (g *Group) IsDM() bool {
	return g.ConversationType == ConversationDM
}

// Validate checks the Group invariant tying DM conversation type to the
// presence of a dm_id, returning an error describing which side failed.
func (g *Group) Validate() error {
	if g.IsDM() && g.DMID == nil {
		return errGroupInvariant("conversation_type=dm requires dm_id to be set")
	}

	if !g.IsDM() && g.DMID != nil {
		return errGroupInvariant("dm_id is set but conversation_type is not dm")
	}

	return nil
}

type groupInvariantError string

func (e groupInvariantError) Error() string { return string(e) }

func errGroupInvariant(msg string) error { return groupInvariantError(msg) }

// NowNS is the nanosecond-since-epoch clock used throughout the core.
// Exists as a var (not a direct time.Now call) purely so tests can freeze
// it; production code never replaces it outside of _test.go files.
var NowNS = func() int64 { return time.Now().UnixNano() }
