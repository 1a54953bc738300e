package shared

import "errors"

// Error classes. Domain sentinels wrap exactly one of these so callers and the
// HTTP layer can classify a failure with errors.Is.
var (
	// ErrPrecondition covers missing tenant, unknown entities and ineligible states.
	ErrPrecondition = errors.New("precondition failed")
	// ErrInvariant covers operations that would break a ledger or aggregate invariant.
	ErrInvariant = errors.New("invariant violated")
	// ErrConflict marks lost races resolved by the store.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated indicates the caller could not be identified.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

// NewPrecondition builds a sentinel in the precondition class.
func NewPrecondition(msg string) error {
	return &classError{msg: msg, class: ErrPrecondition}
}

// NewInvariant builds a sentinel in the invariant class.
func NewInvariant(msg string) error {
	return &classError{msg: msg, class: ErrInvariant}
}

// NewNotFound builds a sentinel that is both not-found and a precondition failure.
func NewNotFound(msg string) error {
	return &classError{msg: msg, class: ErrPrecondition, also: ErrNotFound}
}

// NewValidation builds a sentinel for malformed input.
func NewValidation(msg string) error {
	return &classError{msg: msg, class: ErrValidation}
}

type classError struct {
	msg   string
	class error
	also  error
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Unwrap() []error {
	if e.also != nil {
		return []error{e.class, e.also}
	}
	return []error{e.class}
}

// retryable marks an error as safe to retry after re-reading state.
type retryable interface {
	Retryable() bool
}

// Transient marks err as a lost race the caller may retry, such as a
// serialization failure or deadlock. The class of err is preserved.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Retryable() bool { return true }

// IsRetryable reports whether the caller may retry the failed operation.
// Only errors that declare themselves retryable qualify; a conflict such as a
// replayed idempotency key or a duplicate row is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
