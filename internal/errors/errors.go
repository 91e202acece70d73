package errors

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks across the pipeline.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence failed")
	ErrPattern     = errors.New("invalid pattern")
)

// ValidationError reports a malformed observation, rule or indicator.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an unknown alert, event, rule or investigation id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// PersistenceError wraps a failed write to the rules file, audit log or any
// other sink.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("persistence.%s(%s): %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("persistence.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// NewPersistenceError creates a PersistenceError.
func NewPersistenceError(op, path string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Path: path, Err: err}
}

// PatternError reports a regular expression that failed to compile. Callers
// on the matching path treat it as a non-match.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %v", e.Pattern, e.Err)
}

// Unwrap returns the compile error.
func (e *PatternError) Unwrap() error {
	return e.Err
}

// Is matches ErrPattern.
func (e *PatternError) Is(target error) bool {
	return target == ErrPattern
}

// NewPatternError creates a PatternError.
func NewPatternError(pattern string, err error) *PatternError {
	return &PatternError{Pattern: pattern, Err: err}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPersistence reports whether err is a persistence error.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsPattern reports whether err is a pattern error.
func IsPattern(err error) bool {
	return errors.Is(err, ErrPattern)
}
