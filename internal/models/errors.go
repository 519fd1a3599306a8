package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies errors the orchestrator raises or surfaces.
// Kinds decide retry behaviour: transient kinds retry up to a cap,
// everything else is terminal for the operation that produced it.
type ErrorKind string

const (
	ErrValidationFailed    ErrorKind = "VALIDATION_FAILED"
	ErrAuthorizationDenied ErrorKind = "AUTHORIZATION_DENIED"
	ErrNotFound            ErrorKind = "NOT_FOUND"
	ErrAlreadyExists       ErrorKind = "ALREADY_EXISTS"
	ErrSuperseded          ErrorKind = "SUPERSEDED"
	ErrLeaseConflict       ErrorKind = "LEASE_CONFLICT"
	ErrTransientIO         ErrorKind = "TRANSIENT_IO"
	ErrExecutorFailed      ErrorKind = "EXECUTOR_FAILED"
	ErrCacheCorruption     ErrorKind = "CACHE_CORRUPTION"
	ErrInternal            ErrorKind = "INTERNAL"
)

// Error carries an orchestrator error kind alongside the message.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two orchestrator errors by kind, so callers can use
// errors.Is(err, models.NewError(models.ErrSuperseded, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// NewError creates an orchestrator error with the given kind
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorf creates an orchestrator error with a formatted message
func NewErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error with an orchestrator kind
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the orchestrator kind of err, or ErrInternal when the
// error carries no kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsTransient reports whether err should be retried by the scheduler.
func IsTransient(err error) bool {
	return KindOf(err) == ErrTransientIO
}

// IsConcurrencyLoss reports whether err is an optimistic-concurrency or
// lease loss. The scheduler skips these silently; callers never see them.
func IsConcurrencyLoss(err error) bool {
	switch KindOf(err) {
	case ErrSuperseded, ErrLeaseConflict:
		return true
	}
	return false
}

// ValidationError accumulates field-level validation messages into a
// single VALIDATION_FAILED error.
func ValidationError(issues []string) *Error {
	return &Error{Kind: ErrValidationFailed, Message: strings.Join(issues, "; ")}
}
