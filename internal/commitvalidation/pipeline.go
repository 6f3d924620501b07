// Package commitvalidation implements the Commit Validation Pipeline (spec
// 4.5): the conjunction of checks a staged MLS commit must pass before the
// core applies it to group state. Each rule is its own function so a
// reviewer can match one check in code to one numbered rule in the design.
package commitvalidation

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/identity"
	"github.com/meshline/groupcore/internal/model"
	"github.com/meshline/groupcore/internal/permission"
	"github.com/meshline/groupcore/internal/readdstatus"
	"github.com/meshline/groupcore/internal/telemetry"
)

// LocalProtocolVersion is this build's protocol version, compared against a
// commit's MinimumProtocolVersion (rule 9).
const LocalProtocolVersion = "1.0.0"

const (
	maxNameLength        = 128
	maxDescriptionLength = 1000
	maxImageURLLength    = 2048
	maxAppDataLength     = 4096
)

// Pipeline is the Commit Validation Pipeline.
type Pipeline struct {
	identity identity.Port
	readds   readdstatus.Repository
}

// New builds a Pipeline over the given Identity port, persisting re-add
// reclassifications (rule 5) through readds.
func New(identityPort identity.Port, readds readdstatus.Repository) *Pipeline {
	return &Pipeline{identity: identityPort, readds: readds}
}

// Validate runs every rule against sc in order, short-circuiting on the
// first failure, and returns a ValidatedCommit summary on success. q is
// used to read and persist readd_status; pass the transaction the caller
// applies the commit under so the reclassification lands atomically with
// it, or the plain *sql.DB when validating ahead of that transaction.
func (p *Pipeline) Validate(ctx context.Context, q readdstatus.Queryer, sc model.StagedCommit, policy model.PermissionPolicySet) (model.ValidatedCommit, error) {
	ctx, span := telemetry.Tracer("commitvalidation").Start(ctx, "commitvalidation.validate")
	defer span.End()

	if err := checkActorUniqueness(sc); err != nil {
		telemetry.HandleSpanError(&span, "actor uniqueness", err)
		return model.ValidatedCommit{}, err
	}

	if err := checkNoPreSharedKeyProposals(sc); err != nil {
		telemetry.HandleSpanError(&span, "psk proposal", err)
		return model.ValidatedCommit{}, err
	}

	if err := checkMonotonicMembership(sc); err != nil {
		telemetry.HandleSpanError(&span, "monotonic membership", err)
		return model.ValidatedCommit{}, err
	}

	actorState, err := p.identity.GetAssociationState(ctx, sc.ActorInboxID, sequenceIDFor(sc.NewMembership, sc.ActorInboxID))
	if err != nil {
		telemetry.HandleSpanError(&span, "resolve actor association state", err)
		return model.ValidatedCommit{}, err
	}

	readded := reclassifyReadds(sc, actorState.IsSuperAdmin)

	persisted, err := p.readds.ListForGroup(ctx, q, sc.GroupID)
	if err != nil {
		telemetry.HandleSpanError(&span, "load persisted readd status", err)
		return model.ValidatedCommit{}, err
	}

	// An installation reclassified as re-added by a prior commit stays
	// reclassified for any later commit that still references it, even
	// if this commit's own proposals only touch one side of the pair.
	for _, s := range persisted {
		if referencesInstallation(sc, s.InstallationID) {
			readded[s.InstallationID] = true
		}
	}

	diff, err := p.identity.GetInstallationDiff(ctx, sc.GroupID, toMembershipMap(sc.OldMembership), toMembershipMap(sc.NewMembership))
	if err != nil {
		telemetry.HandleSpanError(&span, "resolve installation diff", err)
		return model.ValidatedCommit{}, err
	}

	if err := checkInstallationDiffMatch(sc, diff, readded); err != nil {
		telemetry.HandleSpanError(&span, "installation diff match", err)
		return model.ValidatedCommit{}, err
	}

	if err := p.checkCredentials(ctx, sc, actorState); err != nil {
		telemetry.HandleSpanError(&span, "credential check", err)
		return model.ValidatedCommit{}, err
	}

	if err := checkMetadataLimits(sc); err != nil {
		telemetry.HandleSpanError(&span, "metadata limits", err)
		return model.ValidatedCommit{}, err
	}

	summary := buildSummary(sc, actorState, readded)

	delta := permission.Delta{
		AddedMembers:      summary.AddedInboxes,
		RemovedMembers:    summary.RemovedInboxes,
		AdminListChanged:  len(summary.AddedAdmins) > 0 || len(summary.RemovedAdmins) > 0 || len(summary.AddedSuperAdmins) > 0 || len(summary.RemovedSuperAdmins) > 0,
		PermissionChanged: isPermissionChange(sc),
		Actor:             summary.Actor,
	}

	for _, mc := range summary.MetadataChanges {
		delta.MetadataFields = append(delta.MetadataFields, mc.Field)
	}

	if err := permission.Evaluate(policy, delta); err != nil {
		telemetry.HandleSpanError(&span, "permission policy", err)
		return model.ValidatedCommit{}, err
	}

	if err := checkProtocolVersionFloor(sc); err != nil {
		telemetry.HandleSpanError(&span, "protocol version floor", err)
		return model.ValidatedCommit{}, err
	}

	for id := range readded {
		if err := p.readds.Upsert(ctx, q, sc.GroupID, id, sc.Epoch); err != nil {
			telemetry.HandleSpanError(&span, "persist readd status", err)
			return model.ValidatedCommit{}, err
		}
	}

	return summary, nil
}

// referencesInstallation reports whether id appears in any Add or Remove
// proposal of sc, the condition under which a persisted re-add
// reclassification from an earlier commit still applies here.
func referencesInstallation(sc model.StagedCommit, id model.InstallationID) bool {
	for _, prop := range sc.Proposals {
		if prop.InstallationID == id && (prop.Kind == model.ProposalAdd || prop.Kind == model.ProposalRemove) {
			return true
		}
	}

	return false
}

// checkActorUniqueness implements rule 1: every proposal shares one sender
// leaf, and a path update (if present) must agree with it.
func checkActorUniqueness(sc model.StagedCommit) error {
	if len(sc.Proposals) == 0 {
		return nil
	}

	leaf := sc.Proposals[0].SenderLeafIndex

	for _, prop := range sc.Proposals[1:] {
		if prop.SenderLeafIndex != leaf {
			return apperr.ErrActorMismatch
		}
	}

	if sc.HasPathUpdate && sc.PathUpdateSenderLeaf != leaf {
		return apperr.ErrActorMismatch
	}

	return nil
}

// checkNoPreSharedKeyProposals implements rule 2.
func checkNoPreSharedKeyProposals(sc model.StagedCommit) error {
	for _, prop := range sc.Proposals {
		if prop.Kind == model.ProposalPreSharedKey {
			return apperr.ErrPreSharedKeyProposal
		}
	}

	return nil
}

// checkMonotonicMembership implements rule 3: for every inbox present in
// both old and new GroupMembership snapshots, the new sequence_id must not
// regress.
func checkMonotonicMembership(sc model.StagedCommit) error {
	old := make(map[model.InboxID]uint64, len(sc.OldMembership))
	for _, e := range sc.OldMembership {
		old[e.InboxID] = e.SequenceID
	}

	for _, e := range sc.NewMembership {
		if prev, ok := old[e.InboxID]; ok && e.SequenceID < prev {
			return fmt.Errorf("inbox %s: %w", e.InboxID, apperr.ErrNonMonotonicMembership)
		}
	}

	return nil
}

// reclassifyReadds implements rule 5: when the actor is super-admin,
// installations appearing in both the add and remove proposal sets are
// "re-added" and excluded from the rule-4 match check on both sides.
func reclassifyReadds(sc model.StagedCommit, actorIsSuperAdmin bool) map[model.InstallationID]bool {
	readded := make(map[model.InstallationID]bool)

	if !actorIsSuperAdmin {
		return readded
	}

	added := make(map[model.InstallationID]bool)
	removed := make(map[model.InstallationID]bool)

	for _, prop := range sc.Proposals {
		switch prop.Kind {
		case model.ProposalAdd:
			added[prop.InstallationID] = true
		case model.ProposalRemove:
			removed[prop.InstallationID] = true
		}
	}

	for id := range added {
		if removed[id] {
			readded[id] = true
		}
	}

	return readded
}

// checkInstallationDiffMatch implements rule 4: the actual Add/Remove
// proposals, after excluding re-adds (rule 5) and tolerating failed
// installations, must exactly match the expected diff.
func checkInstallationDiffMatch(sc model.StagedCommit, diff model.InstallationDiff, readded map[model.InstallationID]bool) error {
	expectedAdded := toInstallationSet(diff.Added)
	expectedRemoved := toInstallationSet(diff.Removed)
	tolerated := toInstallationSet(diff.FailedTolerated)

	var actualAdded, actualRemoved []model.InstallationID

	for _, prop := range sc.Proposals {
		if readded[prop.InstallationID] {
			continue
		}

		switch prop.Kind {
		case model.ProposalAdd:
			actualAdded = append(actualAdded, prop.InstallationID)
		case model.ProposalRemove:
			actualRemoved = append(actualRemoved, prop.InstallationID)
		}
	}

	for _, id := range actualAdded {
		if !expectedAdded[id] {
			return fmt.Errorf("installation %s: %w", id, apperr.ErrUnknownAdd)
		}
	}

	actualRemovedSet := toInstallationSet(actualRemoved)

	for id := range expectedRemoved {
		if readded[id] || tolerated[id] {
			continue
		}

		if !actualRemovedSet[id] {
			return fmt.Errorf("installation %s: %w", id, apperr.ErrRemovalMismatch)
		}
	}

	for id := range actualRemovedSet {
		if !expectedRemoved[id] && !tolerated[id] {
			return fmt.Errorf("installation %s: %w", id, apperr.ErrRemovalMismatch)
		}
	}

	return nil
}

// checkCredentials implements rule 6: the actor and every update proposal's
// installation must be present in the inbox resolved at its new
// sequence_id.
func (p *Pipeline) checkCredentials(_ context.Context, sc model.StagedCommit, actorState model.AssociationState) error {
	if !actorState.HasInstallation(sc.ActorInstallationID) {
		return fmt.Errorf("actor installation %s not in inbox %s: %w", sc.ActorInstallationID, sc.ActorInboxID, apperr.ErrCredentialMismatch)
	}

	for _, prop := range sc.Proposals {
		if prop.Kind != model.ProposalUpdate {
			continue
		}

		// Update proposals are self-issued by the sender leaf's own
		// inbox; the actor's resolved state already covers this case
		// in practice, but every update is still checked explicitly
		// since a future multi-actor commit shape could differ.
		if !actorState.HasInstallation(prop.InstallationID) {
			return fmt.Errorf("update installation %s not in inbox %s: %w", prop.InstallationID, sc.ActorInboxID, apperr.ErrCredentialMismatch)
		}
	}

	return nil
}

// checkMetadataLimits implements rule 7.
func checkMetadataLimits(sc model.StagedCommit) error {
	limits := map[model.MetadataField]int{
		model.MetadataName:        maxNameLength,
		model.MetadataDescription: maxDescriptionLength,
		model.MetadataImageURL:    maxImageURLLength,
		model.MetadataAppData:     maxAppDataLength,
	}

	for _, change := range sc.MetadataChanges {
		limit, ok := limits[change.Field]
		if !ok {
			continue
		}

		if len(change.NewValue) > limit {
			return fmt.Errorf("%s: %w", change.Field, apperr.ErrMetadataTooLong)
		}
	}

	return nil
}

// checkProtocolVersionFloor implements rule 9: semver comparison on
// major.minor.patch with an optional suffix.
func checkProtocolVersionFloor(sc model.StagedCommit) error {
	if sc.MinimumProtocolVersion == nil {
		return nil
	}

	required, err := semver.NewVersion(*sc.MinimumProtocolVersion)
	if err != nil {
		return fmt.Errorf("parse minimum protocol version %q: %w", *sc.MinimumProtocolVersion, apperr.ErrProtocolVersionTooLow)
	}

	local, err := semver.NewVersion(LocalProtocolVersion)
	if err != nil {
		return fmt.Errorf("parse local protocol version: %w", err)
	}

	if local.LessThan(required) {
		return fmt.Errorf("local %s < required %s: %w", local, required, apperr.ErrProtocolVersionTooLow)
	}

	return nil
}

func isPermissionChange(sc model.StagedCommit) bool {
	for _, prop := range sc.Proposals {
		if prop.Kind == model.ProposalGroupContextExtensions {
			return true
		}
	}

	return false
}

func sequenceIDFor(membership []model.MembershipEntry, inbox model.InboxID) uint64 {
	for _, e := range membership {
		if e.InboxID == inbox {
			return e.SequenceID
		}
	}

	return 0
}

func toMembershipMap(entries []model.MembershipEntry) map[model.InboxID]uint64 {
	m := make(map[model.InboxID]uint64, len(entries))
	for _, e := range entries {
		m[e.InboxID] = e.SequenceID
	}

	return m
}

func toInstallationSet(ids []model.InstallationID) map[model.InstallationID]bool {
	set := make(map[model.InstallationID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	return set
}

// buildSummary assembles the ValidatedCommit the pipeline emits once every
// check has passed (spec 4.5's closing paragraph).
func buildSummary(sc model.StagedCommit, actorState model.AssociationState, readded map[model.InstallationID]bool) model.ValidatedCommit {
	old := make(map[model.InboxID]bool, len(sc.OldMembership))
	for _, e := range sc.OldMembership {
		old[e.InboxID] = true
	}

	newSet := make(map[model.InboxID]bool, len(sc.NewMembership))
	for _, e := range sc.NewMembership {
		newSet[e.InboxID] = true
	}

	var added, removed, left, pendingSelfRemove []model.InboxID

	selfRemove := make(map[model.InboxID]bool, len(sc.SelfRemoveInboxes))
	for _, inbox := range sc.SelfRemoveInboxes {
		selfRemove[inbox] = true
	}

	for inbox := range newSet {
		if !old[inbox] {
			added = append(added, inbox)
		}
	}

	for inbox := range old {
		if !newSet[inbox] {
			removed = append(removed, inbox)
			if selfRemove[inbox] {
				pendingSelfRemove = append(pendingSelfRemove, inbox)
			} else {
				left = append(left, inbox)
			}
		}
	}

	addedAdmins, removedAdmins := diffInboxes(sc.OldAdmins, sc.NewAdmins)
	addedSuperAdmins, removedSuperAdmins := diffInboxes(sc.OldSuperAdmins, sc.NewSuperAdmins)

	return model.ValidatedCommit{
		GroupID:                sc.GroupID,
		Epoch:                  sc.Epoch,
		AddedInboxes:           added,
		RemovedInboxes:         removed,
		PendingSelfRemove:      pendingSelfRemove,
		LeftInboxes:            left,
		AddedAdmins:            addedAdmins,
		RemovedAdmins:          removedAdmins,
		AddedSuperAdmins:       addedSuperAdmins,
		RemovedSuperAdmins:     removedSuperAdmins,
		MetadataChanges:        sc.MetadataChanges,
		DMMembers:              sc.DMMembers,
		MinimumProtocolVersion: sc.MinimumProtocolVersion,
		Actor: model.ActorRole{
			IsAdmin:      actorState.IsAdmin,
			IsSuperAdmin: actorState.IsSuperAdmin,
		},
		ReaddedInstallations: readdedSlice(readded),
	}
}

func readdedSlice(readded map[model.InstallationID]bool) []model.InstallationID {
	if len(readded) == 0 {
		return nil
	}

	out := make([]model.InstallationID, 0, len(readded))
	for id := range readded {
		out = append(out, id)
	}

	return out
}

func diffInboxes(oldSet, newSet []model.InboxID) (added, removed []model.InboxID) {
	oldHas := make(map[model.InboxID]bool, len(oldSet))
	for _, inbox := range oldSet {
		oldHas[inbox] = true
	}

	newHas := make(map[model.InboxID]bool, len(newSet))
	for _, inbox := range newSet {
		newHas[inbox] = true
	}

	for _, inbox := range newSet {
		if !oldHas[inbox] {
			added = append(added, inbox)
		}
	}

	for _, inbox := range oldSet {
		if !newHas[inbox] {
			removed = append(removed, inbox)
		}
	}

	return added, removed
}
