package apperr

import (
	"errors"
	"fmt"
)

// Map turns a sentinel error (or a wrapped one) into a rich *Error carrying
// the right Kind, Code, Title and a human Message, in the same
// switch-on-errors.Is style as the teacher's ValidateBusinessError. args are
// used to format entity-specific detail into the message when the sentinel
// calls for it.
//
//nolint:gocyclo
func Map(err error, entity string, args ...any) error {
	switch {
	case err == nil:
		return nil

	case errors.Is(err, ErrDuplicateWelcomeID):
		return &Error{Kind: KindDuplicate, Entity: entity, Code: "duplicate_welcome_id",
			Title: "Duplicate Welcome", Err: err,
			Message: "A group already exists for this welcome_id; the welcome was already processed."}

	case errors.Is(err, ErrGroupNotFound):
		return &Error{Kind: KindNotFound, Entity: entity, Code: "group_not_found",
			Title: "Group Not Found", Err: err,
			Message: "No group exists for the given group_id."}

	case errors.Is(err, ErrDMStitchConflict):
		return &Error{Kind: KindProgramming, Entity: entity, Code: "dm_stitch_conflict",
			Title: "DM Stitch Conflict", Err: err,
			Message: "More than one active DM group exists for this dm_id; this is a data-integrity bug."}

	case errors.Is(err, ErrPausedForVersion):
		return &Error{Kind: KindValidation, Entity: entity, Code: "paused_for_version",
			Title: "Group Paused", Err: err,
			Message: fmt.Sprintf("The group is paused pending client upgrade to protocol version %v.", args...)}

	case errors.Is(err, ErrIntentNotFound):
		return &Error{Kind: KindNotFound, Entity: entity, Code: "intent_not_found",
			Title: "Intent Not Found", Err: err,
			Message: "No intent exists with the given id, or it is not in the expected state."}

	case errors.Is(err, ErrIntentWrongState):
		return &Error{Kind: KindConflict, Entity: entity, Code: "intent_wrong_state",
			Title: "Intent State Conflict", Err: err,
			Message: fmt.Sprintf("Expected intent state %v but found a different state; a racing caller may have already advanced it.", args...)}

	case errors.Is(err, ErrIntentPublishExhausted):
		return &Error{Kind: KindTransient, Entity: entity, Code: "intent_publish_exhausted",
			Title: "Publish Attempts Exhausted", Err: err,
			Message: "The intent exceeded the configured maximum publish attempts and was moved to Error."}

	case errors.Is(err, ErrMissingIntentPayload):
		return &Error{Kind: KindValidation, Entity: entity, Code: "missing_intent_payload",
			Title: "Missing Intent Payload", Err: err,
			Message: "The intent data carries an unrecognized or missing version tag and cannot be replayed."}

	case errors.Is(err, ErrCursorNotMonotonic):
		return &Error{Kind: KindConflict, Entity: entity, Code: "cursor_not_monotonic",
			Title: "Cursor Not Monotonic", Err: err,
			Message: "The proposed sequence id is not strictly greater than the stored cursor; the update was skipped."}

	case errors.Is(err, ErrChunkTooLarge):
		return &Error{Kind: KindProgramming, Entity: entity, Code: "chunk_too_large",
			Title: "Query Chunk Too Large", Err: err,
			Message: "An id batch exceeded the query engine's parameter limit and should have been chunked before reaching storage."}

	case errors.Is(err, ErrMoreThanOneDependency):
		return &Error{Kind: KindProgramming, Entity: entity, Code: "more_than_one_dependency",
			Title: "More Than One Dependency", Err: err,
			Message: "A published intent resolved to more than one commit-message dependency; publishing for this group is halted."}

	case errors.Is(err, ErrActorMismatch):
		return &Error{Kind: KindValidation, Entity: entity, Code: "actor_mismatch",
			Title: "Actor Mismatch", Err: err,
			Message: "The commit's proposals do not share a single sender leaf."}

	case errors.Is(err, ErrPreSharedKeyProposal):
		return &Error{Kind: KindValidation, Entity: entity, Code: "psk_proposal_rejected",
			Title: "Pre-Shared-Key Proposal Rejected", Err: err,
			Message: "Pre-shared-key proposals are not permitted in this protocol configuration."}

	case errors.Is(err, ErrNonMonotonicMembership):
		return &Error{Kind: KindValidation, Entity: entity, Code: "non_monotonic_membership",
			Title: "Non-Monotonic Membership Sequence", Err: err,
			Message: fmt.Sprintf("Membership sequence id for inbox %v regressed relative to the prior epoch.", args...)}

	case errors.Is(err, ErrUnknownAdd):
		return &Error{Kind: KindValidation, Entity: entity, Code: "unknown_add",
			Title: "Unknown Add", Err: err,
			Message: "An add proposal does not correspond to any installation expected by the membership diff."}

	case errors.Is(err, ErrRemovalMismatch):
		return &Error{Kind: KindValidation, Entity: entity, Code: "removal_mismatch",
			Title: "Removal Mismatch", Err: err,
			Message: "Remove proposals do not match the expected removal set once failed installations are excluded."}

	case errors.Is(err, ErrCredentialMismatch):
		return &Error{Kind: KindValidation, Entity: entity, Code: "credential_mismatch",
			Title: "Credential Mismatch", Err: err,
			Message: fmt.Sprintf("Installation id %v is not present in the credential resolved at the claimed sequence id.", args...)}

	case errors.Is(err, ErrMetadataTooLong):
		return &Error{Kind: KindValidation, Entity: entity, Code: "metadata_too_long",
			Title: "Metadata Too Long", Err: err,
			Message: fmt.Sprintf("Metadata field %v exceeds its character limit.", args...)}

	case errors.Is(err, ErrPolicyDenied):
		return &Error{Kind: KindValidation, Entity: entity, Code: "policy_denied",
			Title: "Permission Policy Denied", Err: err,
			Message: "The group's permission policy does not allow this set of changes for the acting role."}

	case errors.Is(err, ErrProtocolVersionTooLow):
		return &Error{Kind: KindValidation, Entity: entity, Code: "protocol_version_too_low",
			Title: "Protocol Version Too Low", Err: err,
			Message: fmt.Sprintf("The local library version %v is below the group's minimum supported version.", args...)}

	case errors.Is(err, ErrStaleIdentityView):
		return &Error{Kind: KindTransient, Entity: entity, Code: "stale_identity_view",
			Title: "Stale Identity View", Err: err,
			Message: "The identity port returned a view older than required; retry once the identity log catches up."}

	case errors.Is(err, ErrEnvelopeAlreadyProcessed):
		return &Error{Kind: KindDuplicate, Entity: entity, Code: "envelope_already_processed",
			Title: "Envelope Already Processed", Err: err,
			Message: "The envelope's cursor is not ahead of the stored cursor; it was dropped as already processed."}

	case errors.Is(err, ErrMissingDependency):
		return &Error{Kind: KindConflict, Entity: entity, Code: "missing_dependency",
			Title: "Missing Dependency", Err: err,
			Message: "The commit depends on a prior commit from another originator that has not yet been observed; parked in the icebox."}

	case errors.Is(err, ErrKeyNotFound):
		return &Error{Kind: KindNotFound, Entity: entity, Code: "kv_key_not_found",
			Title: "Key Not Found", Err: err,
			Message: fmt.Sprintf("No value stored for key %v.", args...)}

	case errors.Is(err, ErrListNotFound):
		return &Error{Kind: KindNotFound, Entity: entity, Code: "kv_list_not_found",
			Title: "List Not Found", Err: err,
			Message: fmt.Sprintf("No list stored for key %v.", args...)}

	default:
		return err
	}
}
