// Package ratecontrol enforces per-key request-per-minute budgets. Fixed
// budgets come from the key record; adaptive budgets follow the ceilings
// learned from upstream 429 responses.
package ratecontrol

import (
	"context"
	"time"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter provides fixed-window per-minute rate limit checks. Allow consumes
// one unit of the window; Peek only reports whether one is left.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error)
	Peek(ctx context.Context, key string, limit int, now time.Time) (Result, error)
}

// minuteBucket returns the fixed-window bucket index for now.
func minuteBucket(now time.Time) int64 {
	return now.Unix() / 60
}

// bucketReset returns the instant the bucket for now expires.
func bucketReset(now time.Time) time.Time {
	return time.Unix((minuteBucket(now)+1)*60, 0).UTC()
}
