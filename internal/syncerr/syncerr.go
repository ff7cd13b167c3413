// Package syncerr defines the error taxonomy shared by adapters, the sync
// queue dispatcher and the webhook receiver.
//
// Every failure crossing the adapter boundary is classified into a Kind.
// Only transient and rate-limited failures are retried; everything else
// fails the queue entry immediately.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a sync failure.
type Kind string

// Error kinds. The string values double as the error_code recorded in
// activity and queue rows.
const (
	KindTransient        Kind = "TransientNetworkError"
	KindRateLimited      Kind = "RateLimited"
	KindAuth             Kind = "PermanentAuthError"
	KindValidation       Kind = "ValidationError"
	KindSignatureInvalid Kind = "SignatureInvalid"

	// KindConflict labels a conflict outcome. It is never returned as an
	// error by adapters; the reconcile executor routes conflicts to the
	// resolver instead.
	KindConflict Kind = "ConflictDetected"
)

// Error is a classified sync failure.
type Error struct {
	Kind Kind

	// Code is the vendor or transport specific code, e.g. HTTP_503,
	// NETWORK_ERROR or ThrottlingException.
	Code string

	// Status is the HTTP status when the failure came from a response.
	Status int

	Message string

	// RetryAfter is the server-suggested delay for rate-limited responses.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure should be retried with backoff.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FromHTTPStatus classifies a non-2xx HTTP response.
//
// 401/403 are auth failures, 429 is rate limiting, 408 and 5xx are
// transient, every other 4xx is a validation failure.
func FromHTTPStatus(status int, message string, retryAfter time.Duration) *Error {
	e := &Error{
		Status:  status,
		Code:    "HTTP_" + strconv.Itoa(status),
		Message: message,
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = retryAfter
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		e.Kind = KindTransient
		e.RetryAfter = retryAfter
	default:
		e.Kind = KindValidation
	}
	return e
}

// Classify turns any error into a classified *Error.
//
// Already-classified errors pass through. Network failures and timeouts are
// transient. Unknown errors are also treated as transient so that a bug in
// classification degrades to retries rather than silent data loss; the
// retry budget still bounds them.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTransient, "TIMEOUT", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindTransient, "NETWORK_ERROR", err)
	}

	return Wrap(KindTransient, "UNCLASSIFIED", err)
}

// KindOf returns the classified kind of err.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// Retryable reports whether err should be retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable()
}

// RetryAfter returns the server-suggested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// ParseRetryAfter parses a Retry-After header value, which is either a
// number of seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
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
