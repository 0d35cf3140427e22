// Package apperr is the error taxonomy shared by the trade engine, market
// state and the HTTP boundary. Every failure carries a stable Kind and a
// human-readable explanation list; store error text never reaches callers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, client-visible error category.
type Kind string

const (
	NotFound            Kind = "NotFound"
	InvalidRelation     Kind = "InvalidRelation"
	InsufficientBalance Kind = "InsufficientBalance"
	InvalidEventStatus  Kind = "InvalidEventStatus"
	InvalidOperation    Kind = "InvalidOperation"
	Validation          Kind = "Validation"
	Unauthorized        Kind = "Unauthorized"
	Forbidden           Kind = "Forbidden"
	AlreadyExists       Kind = "AlreadyExists"
	TransactionConflict Kind = "TransactionConflict"
	StoreFailure        Kind = "StoreFailure"
)

// Error is a classified failure.
type Error struct {
	Kind        Kind
	Message     string
	Explanation []string
	Err         error // underlying cause, never shown to clients
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind.
func New(kind Kind, message string, explanation ...string) *Error {
	return &Error{Kind: kind, Message: message, Explanation: explanation}
}

// Wrap returns an Error of the given kind carrying err as its cause.
func Wrap(kind Kind, err error, message string, explanation ...string) *Error {
	return &Error{Kind: kind, Message: message, Explanation: explanation, Err: err}
}

// Store classifies an unexpected store error.
func Store(err error, op string) *Error {
	return Wrap(StoreFailure, err, op+" failed", "An unexpected storage error occurred.")
}

// Conflict classifies a failed atomic commit.
func Conflict(err error, op string) *Error {
	return Wrap(TransactionConflict, err, op+" conflicted with a concurrent update",
		"The operation was rolled back and may be retried.")
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies err. Unclassified errors are store failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return StoreFailure
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// IsRetryable reports whether the whole operation may be retried.
func IsRetryable(err error) bool { return Is(err, TransactionConflict) }
