package core

import (
	"errors"
	"fmt"

	"github.com/agentbus/agentbus/internal/store"
)

// Kind is the closed set of error categories surfaced by the Core API.
// Adapters map kinds to transport codes; Timeout never escapes (waits
// convert it to an empty result).
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindInvalidInput Kind = "invalid_input"
	KindUnauthorized Kind = "unauthorized"
	KindConflict     Kind = "conflict"
	KindInternal     Kind = "internal"
)

// Error carries a machine-readable kind and a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf(format, args...)}
}

// InvalidInputf builds an InvalidInput error.
func InvalidInputf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Reason: fmt.Sprintf(format, args...)}
}

// Unauthorizedf builds an Unauthorized error.
func Unauthorizedf(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Reason: fmt.Sprintf(format, args...)}
}

// Conflictf builds a Conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Reason: fmt.Sprintf(format, args...)}
}

// Internalf builds an Internal error.
func Internalf(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from an error, defaulting to Internal.
func KindOf(err error) Kind {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	return KindInternal
}

// ReasonOf extracts the human-readable reason from an error.
func ReasonOf(err error) string {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Reason
	}
	return err.Error()
}

// fromStore translates store sentinel errors into core kinds.
func fromStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return &Error{Kind: KindNotFound, Reason: err.Error()}
	case errors.Is(err, store.ErrTokenMismatch):
		return &Error{Kind: KindUnauthorized, Reason: err.Error()}
	default:
		return &Error{Kind: KindInternal, Reason: err.Error()}
	}
}
