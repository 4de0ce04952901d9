package domain

import (
	"errors"
	"fmt"
)

// Kind classifies ledger errors into the four outcome categories surfaced at
// the service boundary.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindUnprocessable Kind = "unprocessable"
	KindInternal      Kind = "internal"
)

// Error is the typed error carried across the ledger boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict error.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Unprocessablef builds an unprocessable-entity error.
func Unprocessablef(format string, args ...any) error {
	return &Error{Kind: KindUnprocessable, Message: fmt.Sprintf(format, args...)}
}

// Internalf builds an internal error, optionally wrapping a cause passed as
// the final %w-style argument via fmt.Errorf semantics.
func Internalf(format string, args ...any) error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: KindInternal, Message: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// KindOf returns the error kind, defaulting to internal for untyped errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsNotFound reports whether the error carries the not-found kind.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsConflict reports whether the error carries the conflict kind.
func IsConflict(err error) bool { return err != nil && KindOf(err) == KindConflict }

// IsUnprocessable reports whether the error carries the unprocessable kind.
func IsUnprocessable(err error) bool { return err != nil && KindOf(err) == KindUnprocessable }
