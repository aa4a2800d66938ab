// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package alerts

import (
	"fmt"
	"testing"
)

func TestRecentNewestFirst(t *testing.T) {
	s := NewService(10)
	s.Add("info", "first", nil)
	s.Add("warning", "second", map[string]any{"scope": "auto"})
	s.Add("error", "third", nil)

	got := s.Recent(2)
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d alerts", len(got))
	}
	if got[0].Message != "third" || got[1].Message != "second" {
		t.Errorf("wrong order: %q, %q", got[0].Message, got[1].Message)
	}
	if got[1].Extra["scope"] != "auto" {
		t.Errorf("extra not preserved: %v", got[1].Extra)
	}
	if got[0].Time.IsZero() {
		t.Error("alert time not set")
	}
}

func TestRecentClampsCount(t *testing.T) {
	s := NewService(10)
	s.Add("info", "only", nil)

	if got := s.Recent(50); len(got) != 1 {
		t.Errorf("Recent(50) returned %d alerts, want 1", len(got))
	}
	if got := s.Recent(0); len(got) != 1 {
		t.Errorf("Recent(0) returned %d alerts, want 1", len(got))
	}
	if got := s.Recent(-3); len(got) != 1 {
		t.Errorf("Recent(-3) returned %d alerts, want 1", len(got))
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := NewService(3)
	for i := 0; i < 5; i++ {
		s.Add("info", fmt.Sprintf("alert-%d", i), nil)
	}

	got := s.Recent(0)
	if len(got) != 3 {
		t.Fatalf("ring holds %d alerts, want 3", len(got))
	}
	if got[0].Message != "alert-4" || got[2].Message != "alert-2" {
		t.Errorf("eviction kept wrong alerts: %q .. %q", got[0].Message, got[2].Message)
	}
}

func TestZeroCapacityUsesDefault(t *testing.T) {
	s := NewService(0)
	for i := 0; i < DefaultCapacity+5; i++ {
		s.Add("info", "x", nil)
	}
	if got := s.Recent(0); len(got) != DefaultCapacity {
		t.Errorf("ring holds %d alerts, want %d", len(got), DefaultCapacity)
	}
}

func TestRecentOnEmptyRing(t *testing.T) {
	s := NewService(0)
	if got := s.Recent(5); len(got) != 0 {
		t.Errorf("empty ring returned %d alerts", len(got))
	}
}
