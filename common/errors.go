package common

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransientStore covers network failures and timeouts against a store.
	ErrTransientStore = errors.New("transient store error")
	// ErrWriteConflict is returned when another writer interleaved on a node.
	ErrWriteConflict = errors.New("write conflict")
	// ErrRetryExhausted is returned when bounded retries ran out.
	ErrRetryExhausted = errors.New("retry exhausted")
	// ErrValidation marks malformed addresses or payloads. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrLoopGuard marks an attempted merge of an engine-originated echo.
	ErrLoopGuard = errors.New("loop guard violation")
	// ErrNotFound is returned by stores when a node or document is absent.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited is returned when the caller exceeded its request window.
	ErrRateLimited = errors.New("rate limited")
	// ErrForbidden is returned when the capability check denies a caller.
	ErrForbidden = errors.New("forbidden")
	// ErrClosed is returned by stores after Close.
	ErrClosed = errors.New("store closed")
)

// ValidationError describes a rejected address or payload
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid is a shorthand constructor for ValidationError
func Invalid(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// RetryExhaustedError is surfaced when an operation kept failing with
// retryable errors until the attempt bound was reached.
type RetryExhaustedError struct {
	Op       string
	Address  string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s %s: gave up after %d attempts: %v", e.Op, e.Address, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// TransientStoreError wraps a store failure that may succeed on retry
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Is(target error) bool {
	return target == ErrTransientStore
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientStoreError unless it is nil or already
// classified as a validation error.
func Transient(op string, err error) error {
	if err == nil || errors.Is(err, ErrValidation) {
		return err
	}
	return &TransientStoreError{Op: op, Err: err}
}

// LoopGuardViolation signals an internal invariant failure: an origin=primary
// echo reached the merge path. It should be unreachable.
type LoopGuardViolation struct {
	Path string
}

func (e *LoopGuardViolation) Error() string {
	return fmt.Sprintf("loop guard: refusing to merge engine-originated echo at %s", e.Path)
}

func (e *LoopGuardViolation) Is(target error) bool {
	return target == ErrLoopGuard
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrLoopGuard) || errors.Is(err, ErrClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrWriteConflict) ||
		errors.Is(err, ErrTransientStore) ||
		errors.Is(err, context.DeadlineExceeded)
}
