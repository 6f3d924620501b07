package permission_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/model"
	"github.com/meshline/groupcore/internal/permission"
)

func basePolicy() model.PermissionPolicySet {
	p := model.PermissionPolicySet{
		AddMember:    model.PermissionAllow,
		RemoveMember: model.PermissionAdminOnly,
		Metadata: map[model.MetadataField]model.PermissionLevel{
			model.MetadataName: model.PermissionAdminOnly,
		},
		UpdateAdminList:  model.PermissionSuperAdminOnly,
		UpdatePermission: model.PermissionAllow,
	}
	p.Normalize()

	return p
}

func TestNormalize_CoercesAllowUpdatePermissionToSuperAdminOnly(t *testing.T) {
	p := basePolicy()
	require.Equal(t, model.PermissionSuperAdminOnly, p.UpdatePermission)
}

func TestEvaluate_AllowsWhenActorQualifies(t *testing.T) {
	p := basePolicy()
	err := permission.Evaluate(p, permission.Delta{
		RemovedMembers: []model.InboxID{"inbox-1"},
		Actor:          model.ActorRole{IsAdmin: true},
	})
	require.NoError(t, err)
}

func TestEvaluate_DeniesWhenActorLacksRole(t *testing.T) {
	p := basePolicy()
	err := permission.Evaluate(p, permission.Delta{
		RemovedMembers: []model.InboxID{"inbox-1"},
		Actor:          model.ActorRole{},
	})
	require.ErrorIs(t, err, apperr.ErrPolicyDenied)
}

func TestEvaluate_UnknownMetadataFieldDefaultsToDeny(t *testing.T) {
	p := basePolicy()
	err := permission.Evaluate(p, permission.Delta{
		MetadataFields: []model.MetadataField{model.MetadataAppData},
		Actor:          model.ActorRole{IsSuperAdmin: true},
	})
	require.ErrorIs(t, err, apperr.ErrPolicyDenied)
}

func TestEvaluate_PermissionChangeRequiresSuperAdminAfterNormalize(t *testing.T) {
	p := basePolicy()
	err := permission.Evaluate(p, permission.Delta{
		PermissionChanged: true,
		Actor:             model.ActorRole{IsAdmin: true},
	})
	require.ErrorIs(t, err, apperr.ErrPolicyDenied)

	err = permission.Evaluate(p, permission.Delta{
		PermissionChanged: true,
		Actor:             model.ActorRole{IsSuperAdmin: true},
	})
	require.NoError(t, err)
}
