// Package permission implements Permission Policy Evaluation (spec 4.6):
// checking a proposed commit's deltas against the group's fixed-vocabulary
// permission policy set.
package permission

import (
	"fmt"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/model"
)

// Delta is the set of changes a staged commit proposes, the same shape the
// Commit Validation Pipeline assembles while building a ValidatedCommit
// summary, evaluated against the group's policy before the commit is
// accepted.
type Delta struct {
	AddedMembers      []model.InboxID
	RemovedMembers    []model.InboxID
	MetadataFields    []model.MetadataField
	AdminListChanged  bool
	PermissionChanged bool
	Actor             model.ActorRole
}

// Evaluate reports whether policy permits every change in delta for the
// acting role, returning apperr.ErrPolicyDenied naming the first denied
// category if not.
func Evaluate(policy model.PermissionPolicySet, delta Delta) error {
	if len(delta.AddedMembers) > 0 && !policy.AddMember.Allows(delta.Actor) {
		return fmt.Errorf("add_member: %w", apperr.ErrPolicyDenied)
	}

	if len(delta.RemovedMembers) > 0 && !policy.RemoveMember.Allows(delta.Actor) {
		return fmt.Errorf("remove_member: %w", apperr.ErrPolicyDenied)
	}

	for _, field := range delta.MetadataFields {
		level, ok := policy.Metadata[field]
		if !ok {
			level = model.PermissionDeny
		}

		if !level.Allows(delta.Actor) {
			return fmt.Errorf("metadata.%s: %w", field, apperr.ErrPolicyDenied)
		}
	}

	if delta.AdminListChanged && !policy.UpdateAdminList.Allows(delta.Actor) {
		return fmt.Errorf("update_admin_list: %w", apperr.ErrPolicyDenied)
	}

	if delta.PermissionChanged && !policy.UpdatePermission.Allows(delta.Actor) {
		return fmt.Errorf("update_permission: %w", apperr.ErrPolicyDenied)
	}

	return nil
}
