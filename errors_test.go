package metabase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientError(t *testing.T) {
	err := &ClientError{
		Type:    ErrorTypePermanent,
		Message: "status 404",
	}
	assert.Equal(t, "PermanentFailure: status 404", err.Error())

	cause := errors.New("connection reset")
	errWithCause := &ClientError{
		Type:        ErrorTypeTransient,
		Message:     "retries exhausted",
		Operation:   "card.get",
		RequestID:   "req-1",
		Attempt:     3,
		MaxAttempts: 3,
		Cause:       cause,
	}
	assert.Equal(t,
		"[req-1] card.get: TransientFailure: retries exhausted (connection reset) (attempt 3/3)",
		errWithCause.Error())
	assert.Same(t, cause, errWithCause.Unwrap())
}

func TestClientErrorNil(t *testing.T) {
	var err *ClientError
	assert.Equal(t, "<nil>", err.Error())
	assert.Nil(t, err.Unwrap())
	assert.False(t, err.Is(ErrPermanent))
	assert.Equal(t, "Error: <nil>", err.DebugInfo())
}

func TestClientErrorIs(t *testing.T) {
	tests := []struct {
		name     string
		err      *ClientError
		target   error
		expected bool
	}{
		{"unauthenticated", &ClientError{Type: ErrorTypeUnauthenticated}, ErrUnauthenticated, true},
		{"auth failure", &ClientError{Type: ErrorTypeAuthFailure}, ErrAuthFailure, true},
		{"transient", &ClientError{Type: ErrorTypeTransient}, ErrTransient, true},
		{"permanent", &ClientError{Type: ErrorTypePermanent}, ErrPermanent, true},
		{"validation", &ClientError{Type: ErrorTypeValidation}, ErrInvalidConfig, true},
		{"ambiguous write", &ClientError{Type: ErrorTypePermanent, Ambiguous: true}, ErrAmbiguousWrite, true},
		{"not ambiguous", &ClientError{Type: ErrorTypePermanent}, ErrAmbiguousWrite, false},
		{"type mismatch", &ClientError{Type: ErrorTypePermanent}, ErrTransient, false},
		{"same type", &ClientError{Type: ErrorTypeTransient}, &ClientError{Type: ErrorTypeTransient}, true},
		{"unrelated", &ClientError{Type: ErrorTypeTransient}, errors.New("other"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, errors.Is(tt.err, tt.target))
		})
	}
}

func TestClientErrorWrapped(t *testing.T) {
	base := &ClientError{Type: ErrorTypePermanent, Ambiguous: true, Cause: context.Canceled}
	wrapped := fmt.Errorf("creating card: %w", base)

	assert.True(t, IsAmbiguous(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.False(t, IsAuthFailure(wrapped))
	assert.True(t, IsCanceled(wrapped))

	var ce *ClientError
	assert.True(t, errors.As(wrapped, &ce))
	assert.Equal(t, ErrorTypePermanent, ce.Type)
}

func TestErrorHelpersNil(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsAuthFailure(nil))
	assert.False(t, IsAmbiguous(nil))
	assert.False(t, IsCanceled(nil))
}

func TestClientErrorDebugInfo(t *testing.T) {
	err := &ClientError{
		Type:        ErrorTypePermanent,
		Message:     "write outcome unknown",
		Operation:   "card.create",
		Method:      "POST",
		Path:        "/api/card",
		StatusCode:  502,
		Attempt:     1,
		MaxAttempts: 3,
		Ambiguous:   true,
		Cause:       errors.New("bad gateway"),
	}

	info := err.DebugInfo()
	for _, want := range []string{
		"Error Type: PermanentFailure",
		"Operation: card.create",
		"Method: POST",
		"Path: /api/card",
		"Status Code: 502",
		"Attempt: 1/3",
		"Ambiguous: true",
		"Cause: bad gateway",
	} {
		assert.True(t, strings.Contains(info, want), "missing %q in %q", want, info)
	}
}
