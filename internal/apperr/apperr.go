// Package apperr implements the control plane's error-kind taxonomy.
// Handlers return errors of a known Kind; the HTTP layer maps Kind to a
// status code and queue workers decide whether to retry from it.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP status mapping and retry decisions.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindAuthRequired    Kind = "authentication_required"
	KindPermissionDenied Kind = "permission_denied"
	KindTransientExternal Kind = "transient_external"
	KindPermanentExternal Kind = "permanent_external"
	KindInternal        Kind = "internal"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "transitionPhase"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Op != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf returns the Kind of err if it is (or wraps) an *Error, else KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// New constructs a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an existing error, attaching op/message context.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func Validation(op, message string) *Error   { return New(KindValidation, op, message) }
func NotFound(op, message string) *Error     { return New(KindNotFound, op, message) }
func Conflict(op, message string) *Error     { return New(KindConflict, op, message) }
func AuthRequired(op, message string) *Error { return New(KindAuthRequired, op, message) }
func Internal(op, message string, cause error) *Error {
	return Wrap(KindInternal, op, message, cause)
}
func Transient(op, message string, cause error) *Error {
	return Wrap(KindTransientExternal, op, message, cause)
}
func Permanent(op, message string, cause error) *Error {
	return Wrap(KindPermanentExternal, op, message, cause)
}

// HTTPStatus maps a Kind to the status code the HTTP layer should return.
// PermissionDenied collapses into NotFound for project-scoped resources,
// per the spec's "uniform 404" rule — callers needing the distinction
// should check Kind directly before calling HTTPStatus.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return 400
	case KindNotFound, KindPermissionDenied:
		return 404
	case KindConflict:
		return 409
	case KindAuthRequired:
		return 401
	default:
		return 500
	}
}

// Retryable reports whether a queue worker should throw to trigger a
// retry (true) or write terminal failed/blocked state and return (false).
func Retryable(err error) bool {
	return KindOf(err) == KindTransientExternal
}
