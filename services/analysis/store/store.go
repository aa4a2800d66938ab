// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists the last-known-good categorization per scope and
// serves it from a layered cache.
//
// # Read path
//
//	hot in-memory entry (TTL-checked) → BadgerDB snapshot (TTL-checked)
//	→ cold snapshot file (auto scope only) → ErrNotAvailable
//
// An entry older than its TTL is a miss, never a silently served stale
// value. The durable write is the authority; the hot cache is advisory and
// always rebuildable from it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/curatorhq/curator/services/analysis/datatypes"
	"github.com/curatorhq/curator/services/analysis/storage/badger"
)

// ErrNotAvailable is returned when no fresh snapshot exists for a scope.
// The caller decides whether to trigger a recompute; Get never blocks on one.
var ErrNotAvailable = errors.New("no analysis result available")

const snapshotKeyPrefix = "snapshot/"

// Default TTLs: ad hoc scans go stale after an hour, the autonomous full
// scan after a day.
const (
	DefaultTTL     = 1 * time.Hour
	DefaultAutoTTL = 24 * time.Hour
)

var (
	cacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "store",
		Name:      "reads_total",
		Help:      "Snapshot reads by tier serving the result",
	}, []string{"tier"})
)

// entry is one hot-cache slot.
type entry struct {
	snap      datatypes.ScopeSnapshot
	writtenAt time.Time
}

// Store is the layered result store.
//
// # Thread Safety
//
// Safe for concurrent use. Writers to the same scope serialize on the store
// mutex only for the in-memory map; the Badger upsert is transactional.
type Store struct {
	db      *badger.DB
	files   *SnapshotFile
	ttl     time.Duration
	autoTTL time.Duration

	mu  sync.RWMutex
	hot map[string]entry

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTLs overrides the ad hoc and autonomous TTLs.
func WithTTLs(ttl, autoTTL time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
		if autoTTL > 0 {
			s.autoTTL = autoTTL
		}
	}
}

// WithSnapshotFile enables the cold snapshot-file tier in dir.
func WithSnapshotFile(dir string) Option {
	return func(s *Store) { s.files = NewSnapshotFile(dir) }
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over an open database.
func New(db *badger.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		ttl:     DefaultTTL,
		autoTTL: DefaultAutoTTL,
		hot:     make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the freshest snapshot for scope, or ErrNotAvailable.
func (s *Store) Get(ctx context.Context, scope string) (*datatypes.ScopeSnapshot, error) {
	ttl := s.ttlFor(scope)
	now := s.now()

	s.mu.RLock()
	e, ok := s.hot[scope]
	s.mu.RUnlock()
	if ok && now.Sub(e.writtenAt) < ttl {
		cacheReads.WithLabelValues("hot").Inc()
		snap := e.snap
		return &snap, nil
	}

	snap, writtenAt, err := s.readDurable(ctx, scope)
	if err == nil && now.Sub(writtenAt) < ttl {
		cacheReads.WithLabelValues("durable").Inc()
		s.populateHot(scope, *snap, writtenAt)
		return snap, nil
	}
	if err != nil && !errors.Is(err, ErrNotAvailable) {
		return nil, err
	}

	if s.files != nil && scope == datatypes.ScopeAuto {
		snap, writtenAt, ferr := s.files.Latest()
		if ferr == nil && now.Sub(writtenAt) < ttl {
			cacheReads.WithLabelValues("file").Inc()
			s.populateHot(scope, *snap, writtenAt)
			return snap, nil
		}
	}

	cacheReads.WithLabelValues("miss").Inc()
	return nil, ErrNotAvailable
}

// Put upserts the snapshot for scope: durable write first, then the hot
// cache, then the cold file for the autonomous scope. A failed durable write
// leaves every tier untouched.
func (s *Store) Put(ctx context.Context, scope string, snap datatypes.ScopeSnapshot) error {
	if strings.TrimSpace(scope) == "" {
		return fmt.Errorf("empty scope key")
	}
	raw, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", scope, err)
	}

	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(snapshotKeyPrefix+scope), raw)
	})
	if err != nil {
		return fmt.Errorf("write snapshot for %s: %w", scope, err)
	}

	s.populateHot(scope, snap, s.now())

	if s.files != nil && scope == datatypes.ScopeAuto {
		if ferr := s.files.Write(&snap); ferr != nil {
			// The durable tier already has the result; the cold file only
			// speeds up the next restart.
			slog.Warn("snapshot file write failed", "scope", scope, "error", ferr)
		}
	}
	return nil
}

// Invalidate drops the hot entry for scope. The durable tiers are untouched.
func (s *Store) Invalidate(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hot, scope)
}

func (s *Store) populateHot(scope string, snap datatypes.ScopeSnapshot, writtenAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hot[scope] = entry{snap: snap, writtenAt: writtenAt}
}

func (s *Store) readDurable(ctx context.Context, scope string) (*datatypes.ScopeSnapshot, time.Time, error) {
	var snap datatypes.ScopeSnapshot
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(snapshotKeyPrefix + scope))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, time.Time{}, ErrNotAvailable
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read snapshot for %s: %w", scope, err)
	}
	return &snap, snap.CompletedAt, nil
}

func (s *Store) ttlFor(scope string) time.Duration {
	if scope == datatypes.ScopeAuto {
		return s.autoTTL
	}
	return s.ttl
}
