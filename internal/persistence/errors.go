package persistence

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Session operation matches exactly
// one of these with errors.Is, except context cancellation.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("storage temporarily unavailable")
)

// Messages surfaced to API clients.
const (
	msgEmptyName       = "Task name cannot be empty"
	msgInvalidStatus   = "Invalid status. Must be: pending, running, or completed"
	msgTaskNotFound    = "Task not found"
	msgDepNotFound     = "Dependency not found"
	msgDeleteHasEdges  = "Cannot delete task with existing dependencies"
	msgInvalidSession  = "Invalid session id"
	msgSessionNotFound = "Session not found"
	msgStoreContention = "Task store is busy, retry later"
)

// Error carries a kind, a client-facing detail and an optional cause.
type Error struct {
	Kind   error
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Detail returns the client-facing message of err, or "" when err is not a
// *Error.
func Detail(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Detail
	}
	return ""
}

func validationErr(op, detail string) error {
	return &Error{Kind: ErrValidation, Op: op, Detail: detail}
}

func notFoundErr(op, detail string) error {
	return &Error{Kind: ErrNotFound, Op: op, Detail: detail}
}

func conflictErr(op, detail string, cause error) error {
	return &Error{Kind: ErrConflict, Op: op, Detail: detail, Err: cause}
}

func transientErr(op string, cause error) error {
	return &Error{Kind: ErrTransient, Op: op, Detail: msgStoreContention, Err: cause}
}
