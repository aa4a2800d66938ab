// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/curatorhq/curator/services/analysis/datatypes"
	"github.com/curatorhq/curator/services/analysis/storage/badger"
)

func newRepo(t *testing.T) *BadgerRepository {
	t.Helper()
	db, err := badger.Open(badger.InMemoryConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerRepository(db)
}

func storedTask(scope string, kind datatypes.TaskKind, status datatypes.TaskStatus, end *time.Time) *datatypes.Task {
	return &datatypes.Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    status,
		Scope:     scope,
		StartTime: time.Now().Add(-time.Minute),
		EndTime:   end,
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	want := storedTask("/res/a", datatypes.KindResourceAnalysis, datatypes.StatusRunning, nil)
	want.Progress = 40
	if err := repo.Upsert(ctx, want); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := repo.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != want.ID || got.Scope != want.Scope || got.Progress != 40 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestRepositoryGetMissing(t *testing.T) {
	repo := newRepo(t)
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestRepositoryFindRunning(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	now := time.Now()
	done := storedTask("/res/a", datatypes.KindResourceAnalysis, datatypes.StatusCompleted, &now)
	active := storedTask("/res/a", datatypes.KindResourceAnalysis, datatypes.StatusRunning, nil)
	other := storedTask("/res/b", datatypes.KindResourceAnalysis, datatypes.StatusRunning, nil)
	for _, tk := range []*datatypes.Task{done, active, other} {
		if err := repo.Upsert(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.FindRunning(ctx, "/res/a")
	if err != nil {
		t.Fatalf("FindRunning: %v", err)
	}
	if got.ID != active.ID {
		t.Errorf("FindRunning returned %s, want %s", got.ID, active.ID)
	}

	if _, err := repo.FindRunning(ctx, "/res/idle"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("idle scope: err = %v, want ErrTaskNotFound", err)
	}
}

func TestRepositoryLatestCompleted(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	older := time.Now().Add(-2 * time.Hour)
	newer := time.Now().Add(-time.Minute)
	first := storedTask(datatypes.ScopeAuto, datatypes.KindAutoResourceAnalysis, datatypes.StatusCompleted, &older)
	second := storedTask(datatypes.ScopeAuto, datatypes.KindAutoResourceAnalysis, datatypes.StatusCompleted, &newer)
	failed := storedTask(datatypes.ScopeAuto, datatypes.KindAutoResourceAnalysis, datatypes.StatusFailed, &newer)
	for _, tk := range []*datatypes.Task{first, second, failed} {
		if err := repo.Upsert(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.LatestCompleted(ctx, datatypes.KindAutoResourceAnalysis)
	if err != nil {
		t.Fatalf("LatestCompleted: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("LatestCompleted returned %s, want the newest completed %s", got.ID, second.ID)
	}
}
