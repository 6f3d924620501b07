package apperr

import (
	"errors"
	"fmt"
)

// Error is the single concrete error type every public operation in the core
// returns. It carries a Kind (for propagation policy), an entity name (for
// the message and for log correlation), a stable Code matching one of the
// sentinels in sentinels.go, a human Title/Message, and the wrapped cause.
type Error struct {
	Kind    Kind
	Entity  string
	Code    string
	Title   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, apperr.New(KindNotFound, ...)) style comparisons
// by Kind+Code, which is how callers check "was this a duplicate welcome"
// without depending on the exact message text.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return e.Kind == t.Kind && e.Code == t.Code
}

// New constructs an *Error directly (used when there is no underlying
// sentinel to map, e.g. a wrapped transport failure).
func New(kind Kind, entity, code, title, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Entity:  entity,
		Code:    code,
		Title:   title,
		Message: message,
		Err:     cause,
	}
}

// Classify extracts the Kind of err, defaulting to KindInternal when err is
// not an *Error (e.g. a raw driver error that was never mapped).
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// Retryable reports whether err should be retried by a background loop.
func Retryable(err error) bool {
	return Classify(err).Retryable()
}
