// Package apperr implements the error taxonomy from the group state machine
// spec: Validation, Conflict, Duplicate, Transient, Programming, NotFound,
// plus an Internal catch-all. Every public operation returns a single error
// value carrying one of these kinds; retryability is a property of the kind.
package apperr

// Kind classifies an error for the purposes of propagation policy: whether a
// caller should retry, whether it is safe to advance a cursor past the
// offending envelope, and whether it indicates corrupted local state.
type Kind string

const (
	// KindValidation: a commit or key package was rejected (actor, membership,
	// credential, policy, version-floor). Non-retryable.
	KindValidation Kind = "validation"
	// KindConflict: a conditional-update precondition was not met (e.g. the
	// intent was already published by a racing caller). Recovered locally.
	KindConflict Kind = "conflict"
	// KindDuplicate: a duplicate welcome or envelope. Silent no-op.
	KindDuplicate Kind = "duplicate"
	// KindTransient: a transport or database failure classified as
	// retryable.
	KindTransient Kind = "transient"
	// KindProgramming: an impossible state transition or corrupted local
	// state. Fatal for the current operation; never corrupts the database
	// because the enclosing transaction rolls back.
	KindProgramming Kind = "programming"
	// KindNotFound: a lookup that asserted existence found nothing.
	KindNotFound Kind = "not_found"
	// KindInternal is the catch-all for errors the taxonomy above does not
	// classify.
	KindInternal Kind = "internal"
)

// Retryable reports whether a Kind should be retried by a background loop.
// User-initiated operations never auto-retry regardless of this value; only
// background loops (publish, welcome dispatch, subscription) consult it.
func (k Kind) Retryable() bool {
	return k == KindTransient
}
