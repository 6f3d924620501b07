package envelope

import (
	"context"
	"database/sql"

	"github.com/meshline/groupcore/internal/model"
)

// DecryptedWelcome is what the MLS layer produces from a Welcome envelope:
// enough to materialize the local Group row. The full joined tree/epoch
// state lands directly in internal/mlsstore as a side effect of decryption,
// not through this struct.
type DecryptedWelcome struct {
	GroupID          string
	ConversationType model.ConversationType
	AddedByInboxID   string
	DMID             *string
}

// DecodedCommit is a staged commit the MLS layer has parsed out of a Commit
// envelope, ready for the Commit Validation Pipeline. When the commit
// references a prior commit from another originator that has not yet been
// observed, MissingDependencies is non-empty and Staged is the zero value;
// the Envelope Processor parks the envelope in the icebox instead of
// validating it.
type DecodedCommit struct {
	Staged              model.StagedCommit
	MissingDependencies []model.IceboxDependency
}

// DecryptedApplication is a decrypted application message ready for
// persistence to local history.
type DecryptedApplication struct {
	SenderInboxID        model.InboxID
	SenderInstallationID model.InstallationID
	Content              []byte
	ContentType          string
	ReferenceID          *int64
}

// WelcomeDispatch is one Welcome artifact to publish to a newly added
// installation's welcome topic, split out of an intent's post-commit data
// once the authoring commit has landed.
type WelcomeDispatch struct {
	InstallationTopic string
	Payload           []byte
}

// Crypto is the injected MLS collaborator the Envelope Processor consumes
// to turn wire bytes into domain values and to apply an accepted commit to
// group state. The actual cryptography is out of this module's scope
// (spec section 1); the processor only orchestrates storage and validation
// around whatever this port produces.
//
//go:generate mockgen --destination=crypto.mock.go --package=envelope . Crypto
type Crypto interface {
	// DecryptWelcome opens a Welcome envelope and materializes the
	// joined group's initial MLS state directly into internal/mlsstore.
	DecryptWelcome(ctx context.Context, payload []byte) (DecryptedWelcome, error)

	// DecodeCommit parses a Commit envelope's proposals and path update
	// against the group's current MLS state.
	DecodeCommit(ctx context.Context, groupID string, payload []byte) (DecodedCommit, error)

	// ApplyCommit advances the group's MLS state (tree, epoch secrets,
	// group context) to reflect an accepted staged commit. Runs inside
	// the caller's transaction so a later failure in the same pass
	// rolls the MLS state mutation back too.
	ApplyCommit(ctx context.Context, tx *sql.Tx, groupID string, sc model.StagedCommit, vc model.ValidatedCommit) error

	// DecryptApplication opens an application-message envelope under
	// the group's current epoch secrets.
	DecryptApplication(ctx context.Context, groupID string, payload []byte) (DecryptedApplication, error)

	// SplitPostCommitWelcomes turns an intent's opaque post-commit data
	// blob into the individual Welcome artifacts to dispatch to newly
	// added installations.
	SplitPostCommitWelcomes(ctx context.Context, postCommitData []byte) ([]WelcomeDispatch, error)
}

// PolicyLoader resolves a group's current PermissionPolicySet, the
// GroupMutableMetadata-derived configuration the Commit Validation
// Pipeline evaluates every commit against. Backed by the same MLS group
// extension state Crypto reads, kept as a separate narrow port since
// validation and decryption are conceptually distinct concerns.
//
//go:generate mockgen --destination=policy.mock.go --package=envelope . PolicyLoader
type PolicyLoader interface {
	LoadPolicy(ctx context.Context, groupID string) (model.PermissionPolicySet, error)
}
