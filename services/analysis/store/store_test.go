// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curatorhq/curator/services/analysis/datatypes"
	"github.com/curatorhq/curator/services/analysis/storage/badger"
)

func openDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func snapshotAt(scope string, completed time.Time) datatypes.ScopeSnapshot {
	return datatypes.ScopeSnapshot{
		Scope:       scope,
		CompletedAt: completed,
		Status:      datatypes.StatusCompleted,
		Categories: []datatypes.Category{
			{Name: "Academic Paper", Count: 2},
		},
	}
}

func TestStorePutGet(t *testing.T) {
	s := New(openDB(t))
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.Put(ctx, "/res/papers", snapshotAt("/res/papers", now)))

	got, err := s.Get(ctx, "/res/papers")
	require.NoError(t, err)
	assert.Equal(t, "/res/papers", got.Scope)
	assert.Equal(t, 2, got.TotalFiles())
}

func TestStoreGetMissing(t *testing.T) {
	s := New(openDB(t))
	_, err := s.Get(context.Background(), "/res/never-analyzed")
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestStoreExpiredEntryIsAMiss(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := New(openDB(t), withClock(func() time.Time { return current }))
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/res/papers", snapshotAt("/res/papers", current)))

	// Still fresh just inside the 1h TTL.
	current = current.Add(59 * time.Minute)
	_, err := s.Get(ctx, "/res/papers")
	require.NoError(t, err)

	// Expired: both hot and durable entries are older than the TTL.
	current = current.Add(2 * time.Minute)
	_, err = s.Get(ctx, "/res/papers")
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestStoreAutoScopeUsesLongerTTL(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := New(openDB(t), withClock(func() time.Time { return current }))
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, datatypes.ScopeAuto, snapshotAt(datatypes.ScopeAuto, current)))

	// 6 hours later an ad hoc result would be long gone; the autonomous
	// result is still inside its 24h budget.
	current = current.Add(6 * time.Hour)
	_, err := s.Get(ctx, datatypes.ScopeAuto)
	require.NoError(t, err)

	current = current.Add(19 * time.Hour)
	_, err = s.Get(ctx, datatypes.ScopeAuto)
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestStoreDurableTierSurvivesHotInvalidation(t *testing.T) {
	s := New(openDB(t))
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/res/papers", snapshotAt("/res/papers", time.Now())))
	s.Invalidate("/res/papers")

	got, err := s.Get(ctx, "/res/papers")
	require.NoError(t, err, "durable tier must serve after hot eviction")
	assert.Equal(t, "/res/papers", got.Scope)
}

func TestStoreSnapshotFileTierOnColdStart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// First store writes through all tiers for the auto scope.
	warm := New(openDB(t), WithSnapshotFile(dir))
	require.NoError(t, warm.Put(ctx, datatypes.ScopeAuto, snapshotAt(datatypes.ScopeAuto, time.Now())))

	// A fresh store over an empty database falls through hot and durable
	// and lands on the snapshot file.
	cold := New(openDB(t), WithSnapshotFile(dir))
	got, err := cold.Get(ctx, datatypes.ScopeAuto)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ScopeAuto, got.Scope)
}

func TestStoreSnapshotFileIgnoredForAdHocScopes(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	warm := New(openDB(t), WithSnapshotFile(dir))
	require.NoError(t, warm.Put(ctx, datatypes.ScopeAuto, snapshotAt(datatypes.ScopeAuto, time.Now())))

	cold := New(openDB(t), WithSnapshotFile(dir))
	_, err := cold.Get(ctx, "/res/papers")
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestStoreRejectsEmptyScope(t *testing.T) {
	s := New(openDB(t))
	err := s.Put(context.Background(), "  ", datatypes.ScopeSnapshot{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotAvailable))
}
