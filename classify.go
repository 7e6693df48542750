package metabase

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// OutcomeKind is the classification of a single attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeAuthFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	case OutcomeAuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// Outcome describes how an attempt, or a whole retried operation, ended.
type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	StatusCode int
	// Ambiguous is set when a non-idempotent request may have taken effect.
	Ambiguous bool
	// RetryAfter is the server's requested wait, zero when absent. The
	// RetryExecutor fills it from the Retry-After header of transient
	// replies.
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

// Classifier maps the raw result of one attempt to an Outcome. resp is nil
// whenever err is non-nil.
type Classifier func(resp *Response, err error, idempotent bool) Outcome

// DefaultClassifier treats connection failures, timeouts, 408, 429 and 5xx
// replies as transient and 401 as an authentication failure. For
// non-idempotent requests only failures that happened before the request
// was written stay transient; anything after that is permanent and
// ambiguous, except 408 and 429 which the origin reports as not processed.
func DefaultClassifier(resp *Response, err error, idempotent bool) Outcome {
	if errors.Is(err, ErrResponseTooLarge) {
		// The origin answered; retrying would fetch the same body again.
		return Outcome{
			Kind:      OutcomePermanent,
			Reason:    "response exceeds limit",
			Ambiguous: !idempotent,
			Err:       err,
		}
	}
	if err != nil {
		reason := "connection error"
		if isTimeout(err) {
			reason = "timeout"
		}

		var sendErr *SendError
		notSent := errors.As(err, &sendErr) && !sendErr.Sent
		if idempotent || notSent {
			return Outcome{Kind: OutcomeTransient, Reason: reason, Err: err}
		}
		return Outcome{
			Kind:      OutcomePermanent,
			Reason:    reason + " after the request was sent",
			Ambiguous: true,
			Err:       err,
		}
	}

	if resp == nil {
		return Outcome{Kind: OutcomePermanent, Reason: "no response"}
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 400:
		return Outcome{Kind: OutcomeSuccess, StatusCode: code}
	case code == http.StatusUnauthorized:
		return Outcome{Kind: OutcomeAuthFailure, StatusCode: code, Reason: "session rejected"}
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return Outcome{Kind: OutcomeTransient, StatusCode: code, Reason: statusReason(code)}
	case code >= 500:
		if !idempotent {
			return Outcome{
				Kind:       OutcomePermanent,
				StatusCode: code,
				Reason:     statusReason(code) + " on a write",
				Ambiguous:  true,
			}
		}
		return Outcome{Kind: OutcomeTransient, StatusCode: code, Reason: statusReason(code)}
	default:
		return Outcome{Kind: OutcomePermanent, StatusCode: code, Reason: statusReason(code)}
	}
}

func statusReason(code int) string {
	if text := http.StatusText(code); text != "" {
		return fmt.Sprintf("status %d %s", code, text)
	}
	return fmt.Sprintf("status %d", code)
}

// ParseRetryAfter reads a Retry-After header given either as delta seconds
// or as an HTTP date. It returns zero when the header is absent or invalid.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
