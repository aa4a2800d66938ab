// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package alerts keeps a bounded in-memory ring of operator-visible notices:
// classifier fallbacks, failed runs, and similar conditions that deserve
// attention but are not task failures themselves.
package alerts

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity bounds the ring; oldest alerts are evicted first.
const DefaultCapacity = 100

// Alert is one notice.
type Alert struct {
	Message string         `json:"message"`
	Level   string         `json:"level"`
	Time    time.Time      `json:"time"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// Service is the alert ring. Safe for concurrent use.
type Service struct {
	mu       sync.Mutex
	capacity int
	ring     []Alert
}

// NewService creates a ring with the given capacity (DefaultCapacity if
// non-positive).
func NewService(capacity int) *Service {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Service{capacity: capacity}
}

// Add appends an alert, evicting the oldest past capacity.
func (s *Service) Add(level, message string, extra map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring = append(s.ring, Alert{
		Message: message,
		Level:   level,
		Time:    time.Now(),
		Extra:   extra,
	})
	if len(s.ring) > s.capacity {
		s.ring = s.ring[len(s.ring)-s.capacity:]
	}
	slog.Debug("alert recorded", "level", level, "message", message)
}

// Recent returns up to n alerts, newest first.
func (s *Service) Recent(n int) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.ring) {
		n = len(s.ring)
	}
	out := make([]Alert, n)
	for i := 0; i < n; i++ {
		out[i] = s.ring[len(s.ring)-1-i]
	}
	return out
}
