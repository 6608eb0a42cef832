// Package ratelimit caps how often one actor can trigger AI spend: uploads
// that start processing, reprocess requests and assistant jobs.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of one Allow check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int
}

// Store counts requests per key over a sliding window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
	Reset(ctx context.Context, key string) error
}

// retryAfter rounds the wait up to whole seconds, never below one.
func retryAfter(resetAt, now time.Time) int {
	d := resetAt.Sub(now)
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
