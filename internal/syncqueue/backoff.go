package syncqueue

import (
	"math/rand/v2"
	"time"
)

// Default backoff shape.
const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffCap  = 30 * time.Minute
)

// Backoff computes retry delays as min(Cap, Base*2^retry) with full jitter.
// The delay depends only on the persisted retry count, so a restarted
// process resumes the same schedule.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	// Jitter returns a value in [0, n). Tests may replace it.
	Jitter func(n int64) int64
}

// NewBackoff returns a Backoff, applying defaults to zero values.
func NewBackoff(base, limit time.Duration) Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit < base {
		limit = DefaultBackoffCap
		if limit < base {
			limit = base
		}
	}
	return Backoff{Base: base, Cap: limit}
}

// Ceiling returns the largest delay for the given retry count.
func (b Backoff) Ceiling(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := b.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= b.Cap || d <= 0 {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Delay returns the wait before attempt retry+1. A positive retryAfter is
// the server's own suggestion and replaces the computed delay, still
// bounded by Cap.
func (b Backoff) Delay(retry int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > b.Cap {
			return b.Cap
		}
		return retryAfter
	}
	ceiling := b.Ceiling(retry)
	if ceiling <= 0 {
		return 0
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	return time.Duration(jitter(int64(ceiling) + 1))
}
