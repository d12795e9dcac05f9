// Package controlapi defines the typed contract the core exposes to any
// external front-end (HTTP, TUI, tests): the operations in spec §4.9,
// the closed error taxonomy in §7, and the tagged Result type every
// operation returns. No exceptions cross this boundary.
package controlapi

import "fmt"

// ErrorKind is the closed set of error categories a Control API caller
// must be able to distinguish and branch on.
type ErrorKind string

const (
	ErrNoSuchAgent          ErrorKind = "NoSuchAgent"
	ErrNoSuchRecipient      ErrorKind = "NoSuchRecipient"
	ErrIllegalState         ErrorKind = "IllegalState"
	ErrIllegalTransition    ErrorKind = "IllegalTransition"
	ErrBackpressureTimeout  ErrorKind = "BackpressureTimeout"
	ErrDeadlineExceeded     ErrorKind = "DeadlineExceeded"
	ErrDeniedByPolicy       ErrorKind = "DeniedByPolicy"
	ErrInternal             ErrorKind = "Internal"
	ErrDuplicateName        ErrorKind = "DuplicateName"
)

// allErrorKinds is used by tests to assert the switch statements that
// range over ErrorKind stay exhaustive as the set grows.
var allErrorKinds = []ErrorKind{
	ErrNoSuchAgent, ErrNoSuchRecipient, ErrIllegalState, ErrIllegalTransition,
	ErrBackpressureTimeout, ErrDeadlineExceeded, ErrDeniedByPolicy, ErrInternal,
	ErrDuplicateName,
}

// AllErrorKinds returns every recognized ErrorKind, for exhaustiveness
// tests in consumer packages.
func AllErrorKinds() []ErrorKind {
	out := make([]ErrorKind, len(allErrorKinds))
	copy(out, allErrorKinds)
	return out
}

// Error is the core's only error type crossing the Control API boundary.
type Error struct {
	Kind   ErrorKind
	Detail string
	// Cause is the underlying error, if any, kept for logging but never
	// compared against by callers (they branch on Kind only).
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error with the given kind and formatted detail.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that carries an underlying cause.
func Wrap(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is
// an *Error; otherwise it returns ErrInternal, since an error that didn't
// originate from a controlapi operation is, by definition, an internal
// failure as far as the contract is concerned.
func KindOf(err error) ErrorKind {
	var ce *Error
	if asError(err, &ce) {
		return ce.Kind
	}
	return ErrInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
