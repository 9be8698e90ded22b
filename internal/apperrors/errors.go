// Package apperrors defines the error taxonomy shared by every service
// layer. Services never return bare errors for expected failure modes;
// they return one of these typed errors so the command layer can map it
// to a CommandResult without inspecting error strings.
package apperrors

import "fmt"

// ValidationError reports input that fails schema validation. Always
// local; no state mutation occurred.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, format string, a ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, a...)}
}

// NotFoundError reports a missing project/type/task id or name.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func NewNotFoundError(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError reports a duplicate name/id or a duplicate-task policy hit.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func NewConflictError(format string, a ...interface{}) error {
	return &ConflictError{Message: fmt.Sprintf(format, a...)}
}

// StateError reports an operation disallowed in the entity's current state.
type StateError struct {
	Message string
}

func (e *StateError) Error() string { return e.Message }

func NewStateError(format string, a ...interface{}) error {
	return &StateError{Message: fmt.Sprintf(format, a...)}
}

// LockError reports a failure to acquire a storage-level lock within the
// configured timeout. Callers may retry.
type LockError struct {
	Message string
}

func (e *LockError) Error() string { return e.Message }

func NewLockError(format string, a ...interface{}) error {
	return &LockError{Message: fmt.Sprintf(format, a...)}
}

// StorageError wraps a lower-level backend failure, surfaced verbatim.
type StorageError struct {
	Message string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error { return e.Cause }

func NewStorageError(cause error, format string, a ...interface{}) error {
	return &StorageError{Message: fmt.Sprintf(format, a...), Cause: cause}
}

// AuthorizationError reports a worker name mismatch against a task's
// assignedTo on complete/fail/extend.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

func NewAuthorizationError(format string, a ...interface{}) error {
	return &AuthorizationError{Message: fmt.Sprintf(format, a...)}
}
