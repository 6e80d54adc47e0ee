package services

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Service errors the HTTP layer maps to status codes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("insufficient permissions")
)

// FieldError names one invalid field in a request.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError rejects a request before it touches the database.
// Maps to 400.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation error"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Path, f.Message)
	}
	return "validation error: " + strings.Join(parts, "; ")
}

// Invalid builds a single-field ValidationError.
func Invalid(path, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Path: path, Message: message}}}
}

// AddField appends another field problem and returns the error for
// chaining.
func (e *ValidationError) AddField(path, message string) *ValidationError {
	e.Fields = append(e.Fields, FieldError{Path: path, Message: message})
	return e
}

// NotFoundError reports an absent entity. Maps to 404.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(entity string, id int64) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConflictError reports a lost optimistic race: claim contention,
// capacity exhaustion, version exhaustion after retries, duplicate
// unique values. Maps to 409.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// Conflict builds a ConflictError.
func Conflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// DependencyError reports a downstream HTTP or storage failure during
// dispatch. Transient failures (network, 5xx, 429) drive retry; hard
// failures fail the delivery immediately. Never raised to the emitting
// transaction.
type DependencyError struct {
	Destination string
	Transient   bool
	Status      int
	Err         error
}

func (e *DependencyError) Error() string {
	kind := "hard"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s dependency failure on %s (status %d): %v", kind, e.Destination, e.Status, e.Err)
	}
	return fmt.Sprintf("%s dependency failure on %s: %v", kind, e.Destination, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a ConflictError anywhere in its
// chain.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is a NotFoundError anywhere in its
// chain.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError anywhere in its
// chain.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
