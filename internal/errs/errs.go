// Package errs defines the error taxonomy shared by the tracking
// subsystem: validation failures are rejected and never retried, store
// failures are retryable by the caller, and conflict failures signal an
// exhausted optimistic-concurrency merge.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or missing input. It carries the
// natural key of the operation so rejections are traceable without
// inspecting payloads.
type ValidationError struct {
	Key     string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation (%s): %s", e.Key, e.Message)
}

// Validationf builds a ValidationError with a formatted message.
func Validationf(key, format string, args ...interface{}) error {
	return &ValidationError{Key: key, Message: fmt.Sprintf(format, args...)}
}

// StoreError reports a failed backing-store operation. Callers may
// retry the whole request: every write is keyed and idempotent.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s (%s): %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store wraps err as a StoreError for the given operation and key.
func Store(op, key string, err error) error {
	return &StoreError{Op: op, Key: key, Err: err}
}

// ConflictError reports that the bounded optimistic-concurrency retry
// on a session's attribution merge was exhausted. The merge is
// idempotent, so the caller may retry the request.
type ConflictError struct {
	SessionID string
	Attempts  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict (%s): attribution merge lost %d times", e.SessionID, e.Attempts)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStore reports whether err is a StoreError.
func IsStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
