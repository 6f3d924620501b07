package apperr

import "errors"

// Sentinel errors are compared with errors.Is against the storage and
// validation layers' raw return values before Map turns them into a rich
// *Error with entity context. Kept as a flat list the way
// common/constant/errors.go keeps the teacher's business-error vocabulary.
var (
	// Group / welcome
	ErrDuplicateWelcomeID = errors.New("welcome_id already claimed by an existing group")
	ErrGroupNotFound      = errors.New("group not found")
	ErrDMStitchConflict   = errors.New("more than one active dm group for dm_id")
	ErrPausedForVersion   = errors.New("group paused pending a minimum supported version")

	// Intent lifecycle
	ErrIntentNotFound         = errors.New("intent not found")
	ErrIntentWrongState       = errors.New("intent is not in the expected state for this transition")
	ErrIntentPublishExhausted = errors.New("intent exceeded the maximum publish attempts")
	ErrMissingIntentPayload   = errors.New("intent data version is missing or unrecognized")

	// Refresh cursor
	ErrCursorNotMonotonic = errors.New("refresh cursor update is not strictly greater than the stored sequence id")
	ErrChunkTooLarge      = errors.New("id batch exceeds the query engine parameter limit")

	// Dependency resolver
	ErrMoreThanOneDependency = errors.New("more than one commit-message dependency resolved for a single payload hash")

	// Commit validation
	ErrActorMismatch          = errors.New("proposals in the commit do not share a single sender leaf")
	ErrPreSharedKeyProposal   = errors.New("pre-shared-key proposals are not permitted")
	ErrNonMonotonicMembership = errors.New("membership sequence id regressed for an inbox")
	ErrUnknownAdd             = errors.New("add proposal does not correspond to any expected installation")
	ErrRemovalMismatch        = errors.New("remove proposals do not match the expected removal set")
	ErrCredentialMismatch     = errors.New("installation id does not match the credential resolved at the claimed sequence id")
	ErrMetadataTooLong        = errors.New("metadata field exceeds its character limit")
	ErrPolicyDenied           = errors.New("permission policy denied the commit")
	ErrProtocolVersionTooLow  = errors.New("local protocol version is below the group's minimum supported version")
	ErrStaleIdentityView      = errors.New("identity port returned a view older than the commit's claimed sequence id")

	// Envelope processing / icebox
	ErrEnvelopeAlreadyProcessed = errors.New("envelope cursor is not ahead of the stored cursor")
	ErrMissingDependency        = errors.New("commit envelope depends on an unobserved prior commit")

	// MLS storage adapter
	ErrKeyNotFound  = errors.New("key value store entry not found")
	ErrListNotFound = errors.New("key value store list not found")
)
