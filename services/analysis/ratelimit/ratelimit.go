// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit provides admission control for analysis starts: a
// sliding-window rate limiter keyed by endpoint, and a bounded-concurrency
// job queue for admitted work.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a window is exhausted. It is an admission
// rejection, not a task failure; callers answer it synchronously.
var ErrRateLimited = errors.New("rate limited")

// Default per-key limits, matching the analysis endpoints.
const (
	DefaultWindow = 60 * time.Second

	// KeyAnalyze admits manual analysis starts.
	KeyAnalyze = "analyze"

	// KeyAutoAnalyze admits autonomous full-scan starts.
	KeyAutoAnalyze = "auto_analyze"
)

// Limiter is a sliding-window counter per endpoint key.
//
// # Thread Safety
//
// Safe for concurrent use; one mutex guards all keys. Admission is O(limit)
// per call from pruning expired timestamps.
type Limiter struct {
	window time.Duration
	limits map[string]int

	mu    sync.Mutex
	calls map[string][]time.Time
	now   func() time.Time
}

// NewLimiter creates a limiter with per-key limits over the given window.
// Keys absent from limits are admitted unconditionally.
func NewLimiter(window time.Duration, limits map[string]int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		window: window,
		limits: limits,
		calls:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// DefaultLimiter returns a limiter with the analysis endpoint defaults:
// 5 manual starts and 1 autonomous start per rolling 60 seconds.
func DefaultLimiter() *Limiter {
	return NewLimiter(DefaultWindow, map[string]int{
		KeyAnalyze:     5,
		KeyAutoAnalyze: 1,
	})
}

// Allow records an admission attempt for key. It returns ErrRateLimited when
// the key's window is full; otherwise the attempt is counted and admitted.
func (l *Limiter) Allow(key string) error {
	limit, limited := l.limits[key]
	if !limited {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.calls[key][:0]
	for _, ts := range l.calls[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.calls[key] = kept

	if len(kept) >= limit {
		return ErrRateLimited
	}
	l.calls[key] = append(kept, now)
	return nil
}

// SetClock overrides the time source. Test hook.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
