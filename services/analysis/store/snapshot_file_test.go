// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/curatorhq/curator/services/analysis/datatypes"
)

func TestSnapshotFileRoundTrip(t *testing.T) {
	f := NewSnapshotFile(t.TempDir())

	completed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := snapshotAt(datatypes.ScopeAuto, completed)
	if err := f.Write(&snap); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, writtenAt, err := f.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !writtenAt.Equal(completed) {
		t.Errorf("writtenAt = %v, want %v", writtenAt, completed)
	}
	if got.TotalFiles() != 2 {
		t.Errorf("TotalFiles = %d", got.TotalFiles())
	}
}

func TestSnapshotFileLatestWins(t *testing.T) {
	f := NewSnapshotFile(t.TempDir())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		snap := snapshotAt(datatypes.ScopeAuto, base.Add(time.Duration(i)*time.Hour))
		snap.Categories[0].Count = i + 1
		if err := f.Write(&snap); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	got, _, err := f.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.Categories[0].Count != 2 {
		t.Errorf("served count %d, want the newest file", got.Categories[0].Count)
	}
}

func TestSnapshotFilePrunes(t *testing.T) {
	dir := t.TempDir()
	f := NewSnapshotFile(dir)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < keepSnapshots+3; i++ {
		snap := snapshotAt(datatypes.ScopeAuto, base.Add(time.Duration(i)*time.Hour))
		if err := f.Write(&snap); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	names, err := f.list()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != keepSnapshots {
		t.Errorf("kept %d files, want %d", len(names), keepSnapshots)
	}
}

func TestSnapshotFileSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	f := NewSnapshotFile(dir)

	completed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := snapshotAt(datatypes.ScopeAuto, completed)
	if err := f.Write(&snap); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A newer but corrupt file must be skipped, not served.
	corrupt := filepath.Join(dir, snapshotFilePrefix+"20990101T000000.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, _, err := f.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !got.CompletedAt.Equal(completed) {
		t.Errorf("served %v, want the readable snapshot", got.CompletedAt)
	}
}

func TestSnapshotFileEmptyDir(t *testing.T) {
	f := NewSnapshotFile(t.TempDir())
	if _, _, err := f.Latest(); err == nil {
		t.Error("empty dir should yield an error")
	}
}
