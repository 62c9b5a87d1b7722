// Package apperr defines the error taxonomy the engine surfaces to
// callers. Handlers map each type to an HTTP status with errors.As;
// stores keep wrapping lower-level errors with fmt.Errorf("...: %w").
//
// The contract baked into these types: input and permission errors are
// detected before any write, so a request that fails with one of them
// had no side effects.
package apperr

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError: the caller's input is malformed (empty content, null
// bytes, empty topic, missing recipients, unrenderable content).
// Surfaced directly, no retry.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validation(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotAuthorizedError: a permission, post-policy or isolation check
// failed. Surfaced directly, no retry, no partial effect.
type NotAuthorizedError struct {
	Msg string
}

func (e *NotAuthorizedError) Error() string { return e.Msg }

func NotAuthorized(format string, args ...any) *NotAuthorizedError {
	return &NotAuthorizedError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError: a referenced stream, message or user does not exist.
type NotFoundError struct {
	Kind string // "stream", "message", "user"
	Name string // human-readable identifier, best effort
}

func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
	}
	return e.Kind + " not found"
}

func NotFound(kind, name string) *NotFoundError {
	return &NotFoundError{Kind: kind, Name: name}
}

// CrossTenantError: a recipient belongs to a different tenant than the
// sender and is not a cross-tenant-exempt account.
type CrossTenantError struct {
	UserIDs []uuid.UUID
}

func (e *CrossTenantError) Error() string {
	return fmt.Sprintf("recipients in a different organization: %v", e.UserIDs)
}

// InvalidMessageError: a flag operation targeted a message the user
// cannot act on — no delivery record and no synthesis path applies, or
// the message is inaccessible entirely.
type InvalidMessageError struct {
	MessageID int64
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message %d", e.MessageID)
}
