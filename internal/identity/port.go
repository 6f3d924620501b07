// Package identity defines the Identity port: the external, independently
// ordered identity-update log the Commit Validation Pipeline resolves
// membership state against. The core only consumes this interface; an
// implementation (talking to the real identity-update transport) is wired
// in by the embedding application.
package identity

import (
	"context"

	"github.com/meshline/groupcore/internal/model"
)

// Port is the Identity port consumed by commit validation.
//
//go:generate mockgen --destination=port.mock.go --package=identity . Port
type Port interface {
	// GetAssociationState resolves inbox's installation set and role
	// flags as of atSequenceID. A view older than atSequenceID (the
	// identity log has not caught up) must return
	// apperr.ErrStaleIdentityView rather than a stale-but-present
	// result, since validation must fail closed.
	GetAssociationState(ctx context.Context, inboxID model.InboxID, atSequenceID uint64) (model.AssociationState, error)

	// GetInstallationDiff returns the expected (added, removed)
	// installation sets implied by the delta between oldMembership and
	// newMembership, resolved against the identity log at each
	// inbox's declared new sequence_id.
	GetInstallationDiff(ctx context.Context, groupID string, oldMembership, newMembership map[model.InboxID]uint64) (model.InstallationDiff, error)
}
