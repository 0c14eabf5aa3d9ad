// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrInternal    = errors.New("internal error")
	ErrTimeout     = errors.New("timeout")
	ErrUnavailable = errors.New("unavailable")
)

// Domain sentinels. Each one also matches the broader class it wraps.
var (
	ErrNoSuchKey           = fmt.Errorf("no such key: %w", ErrNotFound)
	ErrInvalidRange        = fmt.Errorf("invalid range: %w", ErrValidation)
	ErrInvalidBackend      = fmt.Errorf("invalid backend: %w", ErrValidation)
	ErrUnknownStartMethod  = fmt.Errorf("unknown start method: %w", ErrValidation)
	ErrContextAlreadyBound = fmt.Errorf("context already bound: %w", ErrConflict)
	ErrRuntimeNotInstalled = errors.New("runtime not installed")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "function", "bucket")
	Resource string // For not found/conflict (e.g., "call", "runtime")
	Op       string // Operation that failed (e.g., "minio.putObject")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Unavailable reports a dependency that could not be reached.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// NoSuchKey reports a missing object.
func NoSuchKey(bucket, key string) error {
	return &Error{
		Sentinel: ErrNoSuchKey,
		Message:  fmt.Sprintf("no such key %s/%s", bucket, key),
		Resource: "object",
	}
}

// InvalidRange reports an unsatisfiable byte range. A negative size means
// the object size is unknown.
func InvalidRange(bucket, key string, first, last, size int64) error {
	msg := fmt.Sprintf("invalid range [%d,%d] for %s/%s", first, last, bucket, key)
	if size >= 0 {
		msg += fmt.Sprintf(" of size %d", size)
	}
	return &Error{
		Sentinel: ErrInvalidRange,
		Message:  msg,
		Field:    "range",
	}
}

// InvalidBackend reports cloud objects that belong to a storage backend other
// than the active one.
func InvalidBackend(active string, foreign []string) error {
	return &Error{
		Sentinel: ErrInvalidBackend,
		Message: fmt.Sprintf("cloud objects belong to backend(s) %s, active backend is %s",
			strings.Join(foreign, ", "), active),
		Field: "backend",
	}
}

// RuntimeNotInstalled reports missing runtime metadata.
func RuntimeNotInstalled(runtimeKey string) error {
	return &Error{
		Sentinel: ErrRuntimeNotInstalled,
		Message:  fmt.Sprintf("the runtime %s is not installed", runtimeKey),
		Resource: "runtime",
	}
}

// UnknownStartMethod reports a start method with no registered strategy.
func UnknownStartMethod(method string) error {
	return &Error{
		Sentinel: ErrUnknownStartMethod,
		Message:  fmt.Sprintf("cannot find context for %q", method),
		Field:    "method",
	}
}

// ContextAlreadyBound reports an attempt to rebind the default context.
func ContextAlreadyBound(current string) error {
	return &Error{
		Sentinel: ErrContextAlreadyBound,
		Message:  fmt.Sprintf("context has already been set to %q", current),
		Resource: "context",
	}
}

// Timeout reports an expired wait. The awaited work is not cancelled.
func Timeout(op string, after time.Duration) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s: timed out after %s", op, after),
		Op:       op,
	}
}
