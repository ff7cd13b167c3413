package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{status: 400, kind: KindValidation, retryable: false},
		{status: 401, kind: KindAuth, retryable: false},
		{status: 403, kind: KindAuth, retryable: false},
		{status: 404, kind: KindValidation, retryable: false},
		{status: 408, kind: KindTransient, retryable: true},
		{status: 422, kind: KindValidation, retryable: false},
		{status: 429, kind: KindRateLimited, retryable: true},
		{status: 500, kind: KindTransient, retryable: true},
		{status: 503, kind: KindTransient, retryable: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			err := FromHTTPStatus(tt.status, "boom", 0)
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.retryable, err.Retryable())
			assert.Equal(t, fmt.Sprintf("HTTP_%d", tt.status), err.Code)
		})
	}
}

func TestFromHTTPStatus_RateLimitCarriesRetryAfter(t *testing.T) {
	err := FromHTTPStatus(429, "slow down", 90*time.Second)
	assert.Equal(t, 90*time.Second, RetryAfter(fmt.Errorf("wrapped: %w", err)))
}

func TestClassify(t *testing.T) {
	t.Run("passes classified errors through", func(t *testing.T) {
		orig := New(KindAuth, "BAD_KEY", "rejected")
		got := Classify(fmt.Errorf("listing: %w", orig))
		assert.Same(t, orig, got)
	})

	t.Run("deadline is transient", func(t *testing.T) {
		assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	})

	t.Run("network error is transient", func(t *testing.T) {
		err := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		got := Classify(err)
		assert.Equal(t, KindTransient, got.Kind)
		assert.Equal(t, "NETWORK_ERROR", got.Code)
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Classify(nil))
		assert.False(t, Retryable(nil))
	})
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 120*time.Second, ParseRetryAfter("120", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-5", now))

	date := now.Add(45 * time.Second).Format("Mon, 02 Jan 2006 15:04:05 GMT")
	assert.Equal(t, 45*time.Second, ParseRetryAfter(date, now))
}

func TestError_Message(t *testing.T) {
	err := Wrap(KindTransient, "HTTP_503", errors.New("unavailable"))
	require.EqualError(t, err, "TransientNetworkError (HTTP_503): unavailable")
}
