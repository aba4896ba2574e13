// internal/domain/errors/errors.domain.go
package errors

import (
	"errors"
	"fmt"
)

// Sentinel categories. Every typed error below unwraps to exactly one of them,
// so callers (HTTP handler, workers, resilience wrapper) match with errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrDuplicate    = errors.New("already processed")
	ErrInvalidState = errors.New("invalid state transition")
	ErrProvider     = errors.New("payment provider error")
	ErrDatabase     = errors.New("database error")
	ErrNotFound     = errors.New("not found")
)

// ValidationError: malformed input, metadata or amount invariant violation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DuplicateError is an idempotency hit or a pre-existing record.
// ExistingID carries the id of the record that won.
type DuplicateError struct {
	Key        string
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s (existing %s)", e.Key, e.ExistingID)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

func Duplicate(key, existingID string) error {
	return &DuplicateError{Key: key, ExistingID: existingID}
}

type InvalidStateError struct {
	From string
	To   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

func InvalidState(from, to string) error {
	return &InvalidStateError{From: from, To: to}
}

// ProviderError wraps a failed external provider call.
// Retryable is decided by the adapter that knows the provider's error codes.
type ProviderError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() []error { return []error{ErrProvider, e.Err} }

func Provider(op string, retryable bool, err error) error {
	return &ProviderError{Op: op, Retryable: retryable, Err: err}
}

type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("db: %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() []error { return []error{ErrDatabase, e.Err} }

func Database(op string, err error) error {
	return &DatabaseError{Op: op, Err: err}
}

// NotFound wraps ErrNotFound with the lookup that missed.
func NotFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}

// ExistingID extracts the winning record id from a duplicate error chain.
func ExistingID(err error) (string, bool) {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup.ExistingID, true
	}
	return "", false
}
