package metabase

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error types carried by ClientError.Type.
const (
	ErrorTypeUnauthenticated = "Unauthenticated"
	ErrorTypeAuthFailure     = "AuthFailure"
	ErrorTypeTransient       = "TransientFailure"
	ErrorTypePermanent       = "PermanentFailure"
	ErrorTypeValidation      = "Validation"
)

// Sentinel errors matched by errors.Is against a *ClientError.
var (
	// ErrUnauthenticated is returned when no session is established.
	ErrUnauthenticated = errors.New("metabase: not authenticated")

	// ErrAuthFailure is returned when credentials are rejected or a session
	// refresh does not succeed.
	ErrAuthFailure = errors.New("metabase: authentication failed")

	// ErrTransient marks failures that exhausted the retry budget.
	ErrTransient = errors.New("metabase: transient failure")

	// ErrPermanent marks failures that are not worth retrying.
	ErrPermanent = errors.New("metabase: permanent failure")

	// ErrAmbiguousWrite marks a write whose effect on the origin is unknown.
	ErrAmbiguousWrite = errors.New("metabase: write outcome unknown")

	// ErrResponseTooLarge is returned when a reply body exceeds the
	// transport's size limit.
	ErrResponseTooLarge = errors.New("metabase: response exceeds limit")

	// ErrInvalidConfig wraps option and configuration validation failures.
	ErrInvalidConfig = errors.New("metabase: invalid configuration")
)

// ClientError is the single error type surfaced by the client.
type ClientError struct {
	Type        string
	Message     string
	Operation   string
	Method      string
	Path        string
	StatusCode  int
	Attempt     int
	MaxAttempts int
	// Ambiguous is set when a write may have been applied by the origin.
	Ambiguous bool
	RequestID string
	Timestamp time.Time
	Duration  time.Duration
	Cause     error
}

// Error implements error.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("%s: %s", e.Operation, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 && e.MaxAttempts > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches the package sentinels and other ClientErrors of the same Type.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrUnauthenticated:
		return e.Type == ErrorTypeUnauthenticated
	case ErrAuthFailure:
		return e.Type == ErrorTypeAuthFailure
	case ErrTransient:
		return e.Type == ErrorTypeTransient
	case ErrPermanent:
		return e.Type == ErrorTypePermanent
	case ErrAmbiguousWrite:
		return e.Ambiguous
	case ErrInvalidConfig:
		return e.Type == ErrorTypeValidation
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Operation != "" {
		info += fmt.Sprintf("Operation: %s\n", e.Operation)
	}
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.Path != "" {
		info += fmt.Sprintf("Path: %s\n", e.Path)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxAttempts)
	}
	if e.Ambiguous {
		info += "Ambiguous: true\n"
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient reports whether err is a transient failure that exhausted
// its retries. Callers may choose to try again later.
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrTransient)
}

// IsAuthFailure reports whether err is an authentication failure.
func IsAuthFailure(err error) bool {
	return err != nil && errors.Is(err, ErrAuthFailure)
}

// IsAmbiguous reports whether err is a write whose outcome is unknown.
func IsAmbiguous(err error) bool {
	return err != nil && errors.Is(err, ErrAmbiguousWrite)
}

// IsCanceled reports whether err was caused by the caller's context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func newValidationError(format string, args ...any) *ClientError {
	return &ClientError{
		Type:      ErrorTypeValidation,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}

func newUnauthenticatedError(operation string) *ClientError {
	return &ClientError{
		Type:      ErrorTypeUnauthenticated,
		Message:   "no active session, call Authenticate first",
		Operation: operation,
		Timestamp: time.Now(),
	}
}
