package model

// IntentKind enumerates the shapes of local intent that can be queued
// against a group. Proposal-only kinds carry no commit, just a staged
// proposal-by-reference.
type IntentKind string

const (
	IntentSendMessage           IntentKind = "send_message"
	IntentKeyUpdate             IntentKind = "key_update"
	IntentMetadataUpdate        IntentKind = "metadata_update"
	IntentUpdateGroupMembership IntentKind = "update_group_membership"
	IntentUpdateAdminList       IntentKind = "update_admin_list"
	IntentUpdatePermission      IntentKind = "update_permission"
	IntentReaddInstallations    IntentKind = "readd_installations"
	IntentProposeAdd            IntentKind = "propose_add"
	IntentProposeRemove         IntentKind = "propose_remove"
)

// IntentState is the Intent lifecycle position. Transitions are enforced by
// conditional updates at the store layer, not by this type; see
// internal/intents for the state machine itself.
type IntentState string

const (
	IntentToPublish IntentState = "to_publish"
	IntentPublished IntentState = "published"
	IntentCommitted IntentState = "committed"
	IntentError     IntentState = "error"
	IntentProcessed IntentState = "processed"
)

// Intent is a locally queued, possibly-in-flight change to a group: a
// message to send, or a membership/metadata/permission change to commit.
type Intent struct {
	ID               int64
	GroupID          string
	Kind             IntentKind
	Data             []byte
	State            IntentState
	PayloadHash      []byte
	PostCommitData   []byte
	StagedCommit     []byte
	PublishedInEpoch *uint64
	PublishAttempts  int
	ShouldPush       bool
	SequenceID       *uint64
	OriginatorID     *uint32
}

// ReadyToPublish reports whether the intent is in a state the publish loop
// should act on.
func (i *Intent) ReadyToPublish() bool {
	return i.State == IntentToPublish
}

// ClearPublishedArtifacts resets the fields a re-publish must clear,
// matching set_group_intent_to_publish's documented effect: "clears
// payload_hash, post_commit_data, staged_commit, and published_in_epoch".
func (i *Intent) ClearPublishedArtifacts() {
	i.PayloadHash = nil
	i.PostCommitData = nil
	i.StagedCommit = nil
	i.PublishedInEpoch = nil
	i.State = IntentToPublish
}
