package ratecontrol

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	bucket int64
	count  int
}

// MemoryLimiter implements a fixed-window per-minute limiter in memory.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*memoryEntry
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*memoryEntry),
	}
}

// Allow charges one request against the current minute window.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, now time.Time) (Result, error) {
	return l.check(key, limit, now, true), nil
}

// Peek reports whether the current minute window has budget left, without
// consuming any.
func (l *MemoryLimiter) Peek(_ context.Context, key string, limit int, now time.Time) (Result, error) {
	return l.check(key, limit, now, false), nil
}

func (l *MemoryLimiter) check(key string, limit int, now time.Time, consume bool) Result {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}
	}
	bucket := minuteBucket(now)
	reset := bucketReset(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.counters[key]
	if entry == nil {
		entry = &memoryEntry{bucket: bucket}
		l.counters[key] = entry
	}
	if entry.bucket != bucket {
		entry.bucket = bucket
		entry.count = 0
	}
	if entry.count >= limit {
		return Result{Allowed: false, Remaining: 0, Reset: reset}
	}
	if consume {
		entry.count++
	}
	return Result{Allowed: true, Remaining: limit - entry.count, Reset: reset}
}
