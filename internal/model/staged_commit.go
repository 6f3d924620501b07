package model

// ProposalKind enumerates the proposal types the Commit Validation Pipeline
// inspects. The crypto layer that actually parses an MLS commit is an
// injected collaborator; this type is the shape validation operates over
// once that layer has decoded a staged commit's proposal list.
type ProposalKind string

const (
	ProposalAdd                    ProposalKind = "add"
	ProposalRemove                 ProposalKind = "remove"
	ProposalUpdate                 ProposalKind = "update"
	ProposalPreSharedKey           ProposalKind = "pre_shared_key"
	ProposalGroupContextExtensions ProposalKind = "group_context_extensions"
)

// Proposal is one decoded MLS proposal inside a staged commit.
type Proposal struct {
	Kind            ProposalKind
	SenderLeafIndex uint32
	InstallationID  InstallationID
}

// MembershipEntry is one inbox's membership sequence_id as recorded in a
// GroupMembership extension snapshot (old or new).
type MembershipEntry struct {
	InboxID    InboxID
	SequenceID uint64
}

// StagedCommit is the decoded input the Commit Validation Pipeline checks:
// everything the crypto layer has already extracted from an MLS commit
// message plus the group's old/new GroupContext extensions.
type StagedCommit struct {
	GroupID                string
	Epoch                  uint64
	Proposals              []Proposal
	HasPathUpdate          bool
	PathUpdateSenderLeaf   uint32
	OldMembership          []MembershipEntry
	NewMembership          []MembershipEntry
	ActorInboxID           InboxID
	ActorInstallationID    InstallationID
	ActorIsSuperAdmin      bool
	FailedInstallations    []InstallationID
	MetadataChanges        []MetadataChange
	MinimumProtocolVersion *string
	DMMembers              []InboxID

	// OldAdmins/NewAdmins and the super-admin equivalents are the admin
	// list snapshots from the old and new GroupMutableMetadata
	// extension, used to derive AddedAdmins/RemovedAdmins on the
	// ValidatedCommit summary and to feed the permission evaluator's
	// AdminListChanged flag.
	OldAdmins      []InboxID
	NewAdmins      []InboxID
	OldSuperAdmins []InboxID
	NewSuperAdmins []InboxID

	// SelfRemoveInboxes holds inboxes whose own Remove proposal removed
	// themselves, distinguishing a self-removal from an admin-initiated
	// removal for the ValidatedCommit's PendingSelfRemove/LeftInboxes
	// split.
	SelfRemoveInboxes []InboxID
}
