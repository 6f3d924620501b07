package model

// InstallationID identifies one device's MLS leaf credential.
type InstallationID string

// InboxID identifies an identity-level account that may own several
// installations.
type InboxID string

// MetadataChange is one field delta observed between the old and new
// GroupMutableMetadata extension.
type MetadataChange struct {
	Field    MetadataField
	OldValue string
	NewValue string
}

// ValidatedCommit is the summary a Commit Validation Pipeline pass emits
// once every invariant in spec section 4.5 has passed. It feeds both the
// GroupUpdated application event and the local commit log entry.
type ValidatedCommit struct {
	GroupID        string
	Epoch          uint64
	AddedInboxes   []InboxID
	RemovedInboxes []InboxID
	// PendingSelfRemove holds inboxes that removed themselves and are
	// excluded from "left" notifications until the removal is locally
	// confirmed.
	PendingSelfRemove      []InboxID
	LeftInboxes            []InboxID
	AddedAdmins            []InboxID
	RemovedAdmins          []InboxID
	AddedSuperAdmins       []InboxID
	RemovedSuperAdmins     []InboxID
	MetadataChanges        []MetadataChange
	DMMembers              []InboxID
	Actor                  ActorRole
	MinimumProtocolVersion *string
	// ReaddedInstallations lists every installation this commit
	// reclassified as a re-add (spec 4.5 rule 5), for the caller to
	// persist against the readd_status table.
	ReaddedInstallations []InstallationID
}

// DebugCommitType derives a CommitType purely from this summary, for
// telemetry; it does not affect validation or persistence semantics.
func (v *ValidatedCommit) DebugCommitType() CommitType {
	switch {
	case len(v.AddedInboxes) > 0 || len(v.RemovedInboxes) > 0 || len(v.LeftInboxes) > 0:
		return CommitTypeGroupMembershipChange
	case len(v.AddedAdmins) > 0 || len(v.RemovedAdmins) > 0 || len(v.AddedSuperAdmins) > 0 || len(v.RemovedSuperAdmins) > 0:
		return CommitTypeAdminListUpdate
	case len(v.MetadataChanges) > 0:
		return CommitTypeMetadataUpdate
	default:
		return CommitTypeUnknown
	}
}

// InstallationDiff is the expected (added, removed) installation sets the
// Identity port resolves for a membership delta, against which the actual
// Add/Remove proposals in a staged commit are compared.
type InstallationDiff struct {
	Added           []InstallationID
	Removed         []InstallationID
	FailedTolerated []InstallationID
}

// AssociationState is the Identity port's resolved view of an inbox at a
// given sequence_id: its current installation set and role flags.
type AssociationState struct {
	InboxID         InboxID
	SequenceID      uint64
	InstallationIDs []InstallationID
	IsAdmin         bool
	IsSuperAdmin    bool
}

// HasInstallation reports whether id is currently associated with the
// inbox at this resolved sequence_id.
func (a *AssociationState) HasInstallation(id InstallationID) bool {
	for _, have := range a.InstallationIDs {
		if have == id {
			return true
		}
	}

	return false
}
