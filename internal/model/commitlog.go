package model

// CommitLogKind distinguishes the local (our own derived view) and remote
// (authenticated, server-attested) commit logs used to detect forks.
type CommitLogKind string

const (
	CommitLogLocal  CommitLogKind = "local"
	CommitLogRemote CommitLogKind = "remote"
)

// CommitType classifies what kind of commit a log entry records, derived
// purely from the ValidatedCommit summary for telemetry purposes.
type CommitType string

const (
	CommitTypeGroupMembershipChange CommitType = "group_membership_change"
	CommitTypeMetadataUpdate        CommitType = "metadata_update"
	CommitTypePermissionUpdate      CommitType = "permission_update"
	CommitTypeAdminListUpdate       CommitType = "admin_list_update"
	CommitTypeKeyUpdate             CommitType = "key_update"
	CommitTypeUnknown               CommitType = "unknown"
)

// CommitLogEntry records one applied (or rejected) commit against a group,
// in either the local or remote log.
type CommitLogEntry struct {
	ID                        int64
	GroupID                   string
	CommitSequenceID          uint64
	CommitType                CommitType
	AppliedEpochNumber        uint64
	AppliedEpochAuthenticator []byte
	Error                     *string
}
