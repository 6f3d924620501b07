package commitvalidation_test

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/commitvalidation"
	"github.com/meshline/groupcore/internal/model"
	"github.com/meshline/groupcore/internal/readdstatus"
)

type fakeIdentity struct {
	states  map[model.InboxID]model.AssociationState
	diff    model.InstallationDiff
	diffErr error
}

func (f *fakeIdentity) GetAssociationState(_ context.Context, inboxID model.InboxID, _ uint64) (model.AssociationState, error) {
	s, ok := f.states[inboxID]
	if !ok {
		return model.AssociationState{}, apperr.ErrStaleIdentityView
	}

	return s, nil
}

func (f *fakeIdentity) GetInstallationDiff(_ context.Context, _ string, _, _ map[model.InboxID]uint64) (model.InstallationDiff, error) {
	return f.diff, f.diffErr
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	_, err = db.Exec(`
		CREATE TABLE readd_status (
			group_id         TEXT NOT NULL,
			installation_id  TEXT NOT NULL,
			readded_at_epoch INTEGER NOT NULL,
			PRIMARY KEY (group_id, installation_id)
		);
	`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// newPipeline builds a Pipeline with its own backing readd_status store, so
// each test's reclassifications never leak into another's.
func newPipeline(t *testing.T, identityPort *fakeIdentity) (*commitvalidation.Pipeline, *sql.DB) {
	t.Helper()

	db := openTestDB(t)
	return commitvalidation.New(identityPort, readdstatus.NewRepository()), db
}

func basePolicy() model.PermissionPolicySet {
	p := model.PermissionPolicySet{
		AddMember:        model.PermissionAllow,
		RemoveMember:     model.PermissionAdminOnly,
		Metadata:         map[model.MetadataField]model.PermissionLevel{},
		UpdateAdminList:  model.PermissionSuperAdminOnly,
		UpdatePermission: model.PermissionSuperAdminOnly,
	}

	return p
}

func validStagedCommit() model.StagedCommit {
	return model.StagedCommit{
		GroupID: "group-1",
		Epoch:   3,
		Proposals: []model.Proposal{
			{Kind: model.ProposalAdd, SenderLeafIndex: 0, InstallationID: "inst-new"},
		},
		OldMembership: []model.MembershipEntry{
			{InboxID: "inbox-actor", SequenceID: 1},
		},
		NewMembership: []model.MembershipEntry{
			{InboxID: "inbox-actor", SequenceID: 1},
			{InboxID: "inbox-new", SequenceID: 1},
		},
		ActorInboxID:        "inbox-actor",
		ActorInstallationID: "inst-actor",
	}
}

func TestValidate_HappyPathAddMember(t *testing.T) {
	fi := &fakeIdentity{
		states: map[model.InboxID]model.AssociationState{
			"inbox-actor": {InboxID: "inbox-actor", InstallationIDs: []model.InstallationID{"inst-actor"}, IsAdmin: true},
		},
		diff: model.InstallationDiff{Added: []model.InstallationID{"inst-new"}},
	}

	p, db := newPipeline(t, fi)
	result, err := p.Validate(context.Background(), db, validStagedCommit(), basePolicy())
	require.NoError(t, err)
	require.Equal(t, "group-1", result.GroupID)
	require.Contains(t, result.AddedInboxes, model.InboxID("inbox-new"))
}

func TestValidate_RejectsMixedActorProposals(t *testing.T) {
	sc := validStagedCommit()
	sc.Proposals = append(sc.Proposals, model.Proposal{Kind: model.ProposalRemove, SenderLeafIndex: 9, InstallationID: "inst-other"})

	fi := &fakeIdentity{
		states: map[model.InboxID]model.AssociationState{
			"inbox-actor": {InboxID: "inbox-actor", InstallationIDs: []model.InstallationID{"inst-actor"}},
		},
	}

	p, db := newPipeline(t, fi)
	_, err := p.Validate(context.Background(), db, sc, basePolicy())
	require.ErrorIs(t, err, apperr.ErrActorMismatch)
}

func TestValidate_RejectsPreSharedKeyProposal(t *testing.T) {
	sc := validStagedCommit()
	sc.Proposals = []model.Proposal{{Kind: model.ProposalPreSharedKey, SenderLeafIndex: 0}}

	p, db := newPipeline(t, &fakeIdentity{})
	_, err := p.Validate(context.Background(), db, sc, basePolicy())
	require.ErrorIs(t, err, apperr.ErrPreSharedKeyProposal)
}

func TestValidate_RejectsNonMonotonicMembership(t *testing.T) {
	sc := validStagedCommit()
	sc.OldMembership = []model.MembershipEntry{{InboxID: "inbox-actor", SequenceID: 5}}
	sc.NewMembership = []model.MembershipEntry{{InboxID: "inbox-actor", SequenceID: 5}, {InboxID: "inbox-actor", SequenceID: 2}}

	p, db := newPipeline(t, &fakeIdentity{
		states: map[model.InboxID]model.AssociationState{
			"inbox-actor": {InboxID: "inbox-actor", InstallationIDs: []model.InstallationID{"inst-actor"}},
		},
	})
	_, err := p.Validate(context.Background(), db, sc, basePolicy())
	require.ErrorIs(t, err, apperr.ErrNonMonotonicMembership)
}

func TestValidate_RejectsUnexpectedAdd(t *testing.T) {
	fi := &fakeIdentity{
		states: map[model.InboxID]model.AssociationState{
			"inbox-actor": {InboxID: "inbox-actor", InstallationIDs: []model.InstallationID{"inst-actor"}},
		},
		diff: model.InstallationDiff{},
	}

	p, db := newPipeline(t, fi)
	_, err := p.Validate(context.Background(), db, validStagedCommit(), basePolicy())
	require.ErrorIs(t, err, apperr.ErrUnknownAdd)
}

func TestValidate_SuperAdminReaddBypassesDiffMatch(t *testing.T) {
	sc := model.StagedCommit{
		GroupID: "group-1",
		Epoch:   4,
		Proposals: []model.Proposal{
			{Kind: model.ProposalRemove, SenderLeafIndex: 0, InstallationID: "inst-x"},
			{Kind: model.ProposalAdd, SenderLeafIndex: 0, InstallationID: "inst-x"},
		},
		OldMembership:       []model.MembershipEntry{{InboxID: "inbox-actor", SequenceID: 1}},
		NewMembership:       []model.MembershipEntry{{InboxID: "inbox-actor", SequenceID: 1}},
		ActorInboxID:        "inbox-actor",
		ActorInstallationID: "inst-actor",
	}

	fi := &fakeIdentity{
		states: map[model.InboxID]model.AssociationState{
			"inbox-actor": {InboxID: "inbox-actor", InstallationIDs: []model.InstallationID{"inst-actor"}, IsSuperAdmin: true},
		},
		diff: model.InstallationDiff{},
	}

	p, db := newPipeline(t, fi)
	result, err := p.Validate(context.Background(), db, sc, basePolicy())
	require.NoError(t, err)
	require.Contains(t, result.ReaddedInstallations, model.InstallationID("inst-x"))

	readds := readdstatus.NewRepository()
	stored, err := readds.ListForGroup(context.Background(), db, "group-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, model.InstallationID("inst-x"), stored[0].InstallationID)
	require.Equal(t, uint64(4), stored[0].ReaddedAtEpoch)
}

func TestValidate_PersistedReaddCarriesForwardToLaterCommit(t *testing.T) {
	sc := model.StagedCommit{
		GroupID: "group-1",
		Epoch:   5,
		Proposals: []model.Proposal{
			{Kind: model.ProposalRemove, SenderLeafIndex: 0, InstallationID: "inst-x"},
		},
		OldMembership:       []model.MembershipEntry{{InboxID: "inbox-actor", SequenceID: 1}},
		NewMembership:       []model.MembershipEntry{{InboxID: "inbox-actor", SequenceID: 1}},
		ActorInboxID:        "inbox-actor",
		ActorInstallationID: "inst-actor",
	}

	fi := &fakeIdentity{
		states: map[model.InboxID]model.AssociationState{
			"inbox-actor": {InboxID: "inbox-actor", InstallationIDs: []model.InstallationID{"inst-actor"}},
		},
		diff: model.InstallationDiff{},
	}

	p, db := newPipeline(t, fi)

	readds := readdstatus.NewRepository()
	require.NoError(t, readds.Upsert(context.Background(), db, "group-1", "inst-x", 4))

	// Without the persisted reclassification this lone Remove would fail
	// checkInstallationDiffMatch against an empty expected-removed diff.
	_, err := p.Validate(context.Background(), db, sc, basePolicy())
	require.NoError(t, err)
}

func TestValidate_RejectsCredentialMismatch(t *testing.T) {
	sc := validStagedCommit()
	sc.Proposals = nil

	fi := &fakeIdentity{
		states: map[model.InboxID]model.AssociationState{
			"inbox-actor": {InboxID: "inbox-actor", InstallationIDs: []model.InstallationID{"some-other-installation"}},
		},
		diff: model.InstallationDiff{},
	}

	p, db := newPipeline(t, fi)
	_, err := p.Validate(context.Background(), db, sc, basePolicy())
	require.ErrorIs(t, err, apperr.ErrCredentialMismatch)
}

func TestValidate_RejectsOversizedMetadata(t *testing.T) {
	sc := validStagedCommit()
	sc.Proposals = nil
	sc.NewMembership = sc.OldMembership
	sc.MetadataChanges = []model.MetadataChange{
		{Field: model.MetadataName, NewValue: string(make([]byte, 200))},
	}

	fi := &fakeIdentity{
		states: map[model.InboxID]model.AssociationState{
			"inbox-actor": {InboxID: "inbox-actor", InstallationIDs: []model.InstallationID{"inst-actor"}},
		},
		diff: model.InstallationDiff{},
	}

	p, db := newPipeline(t, fi)
	_, err := p.Validate(context.Background(), db, sc, basePolicy())
	require.ErrorIs(t, err, apperr.ErrMetadataTooLong)
}

func TestValidate_RejectsProtocolVersionBelowFloor(t *testing.T) {
	sc := validStagedCommit()
	sc.Proposals = nil
	sc.NewMembership = sc.OldMembership
	tooHigh := "99.0.0"
	sc.MinimumProtocolVersion = &tooHigh

	fi := &fakeIdentity{
		states: map[model.InboxID]model.AssociationState{
			"inbox-actor": {InboxID: "inbox-actor", InstallationIDs: []model.InstallationID{"inst-actor"}},
		},
		diff: model.InstallationDiff{},
	}

	p, db := newPipeline(t, fi)
	_, err := p.Validate(context.Background(), db, sc, basePolicy())
	require.ErrorIs(t, err, apperr.ErrProtocolVersionTooLow)
}

func TestValidate_DeniesWhenPolicyRejectsAddMember(t *testing.T) {
	policy := basePolicy()
	policy.AddMember = model.PermissionSuperAdminOnly

	fi := &fakeIdentity{
		states: map[model.InboxID]model.AssociationState{
			"inbox-actor": {InboxID: "inbox-actor", InstallationIDs: []model.InstallationID{"inst-actor"}, IsAdmin: true},
		},
		diff: model.InstallationDiff{Added: []model.InstallationID{"inst-new"}},
	}

	p, db := newPipeline(t, fi)
	_, err := p.Validate(context.Background(), db, validStagedCommit(), policy)
	require.ErrorIs(t, err, apperr.ErrPolicyDenied)
}
