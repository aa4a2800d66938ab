// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiterRejectsSixthCall(t *testing.T) {
	l := DefaultLimiter()

	for i := 0; i < 5; i++ {
		if err := l.Allow(KeyAnalyze); err != nil {
			t.Fatalf("call %d rejected: %v", i+1, err)
		}
	}
	if err := l.Allow(KeyAnalyze); !errors.Is(err, ErrRateLimited) {
		t.Errorf("sixth call: err = %v, want ErrRateLimited", err)
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l := DefaultLimiter()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return current })

	for i := 0; i < 5; i++ {
		if err := l.Allow(KeyAnalyze); err != nil {
			t.Fatalf("call %d rejected: %v", i+1, err)
		}
		current = current.Add(10 * time.Second) // calls at t=0,10,20,30,40
	}
	// t=50: the t=0 call is still inside the 60s window.
	if err := l.Allow(KeyAnalyze); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("call inside full window admitted")
	}

	// t=61: the t=0 call has aged out, one slot opens.
	current = current.Add(11 * time.Second)
	if err := l.Allow(KeyAnalyze); err != nil {
		t.Errorf("call after window slide rejected: %v", err)
	}
	if err := l.Allow(KeyAnalyze); !errors.Is(err, ErrRateLimited) {
		t.Errorf("only one slot should have opened")
	}
}

func TestLimiterKeysIndependent(t *testing.T) {
	l := DefaultLimiter()

	if err := l.Allow(KeyAutoAnalyze); err != nil {
		t.Fatalf("first auto call rejected: %v", err)
	}
	if err := l.Allow(KeyAutoAnalyze); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second auto call admitted, limit is 1")
	}
	// The analyze key has its own budget.
	if err := l.Allow(KeyAnalyze); err != nil {
		t.Errorf("analyze key should be unaffected: %v", err)
	}
}

func TestLimiterUnknownKeyUnlimited(t *testing.T) {
	l := DefaultLimiter()
	for i := 0; i < 50; i++ {
		if err := l.Allow("not_limited"); err != nil {
			t.Fatalf("unlimited key rejected on call %d: %v", i+1, err)
		}
	}
}
