// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/curatorhq/curator/services/analysis/datatypes"
)

// snapshotFilePrefix names the timestamped result files, e.g.
// auto_analysis_20260901T103000.json.
const snapshotFilePrefix = "auto_analysis_"

const snapshotTimeLayout = "20060102T150405"

// keepSnapshots is how many historical files are retained on disk.
const keepSnapshots = 3

// SnapshotFile is the last-resort cache tier: a timestamped JSON file written
// after each successful autonomous scan, so a restarted process can serve a
// recent result before the database round-trip completes.
type SnapshotFile struct {
	dir string
}

// NewSnapshotFile stores snapshot files under dir.
func NewSnapshotFile(dir string) *SnapshotFile {
	return &SnapshotFile{dir: dir}
}

// Write persists snap as a new timestamped file and prunes old ones.
// The write is atomic: temp file then rename.
func (f *SnapshotFile) Write(snap *datatypes.ScopeSnapshot) error {
	if err := os.MkdirAll(f.dir, 0750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	name := snapshotFilePrefix + snap.CompletedAt.UTC().Format(snapshotTimeLayout) + ".json"
	tmp, err := os.CreateTemp(f.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(f.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish snapshot: %w", err)
	}

	f.prune()
	return nil
}

// Latest reads the newest snapshot file, returning its embedded completion
// time as the write timestamp. Missing or corrupt files yield ErrNotAvailable.
func (f *SnapshotFile) Latest() (*datatypes.ScopeSnapshot, time.Time, error) {
	names, err := f.list()
	if err != nil || len(names) == 0 {
		return nil, time.Time{}, ErrNotAvailable
	}

	// Newest last; walk backwards past unreadable files.
	for i := len(names) - 1; i >= 0; i-- {
		raw, err := os.ReadFile(filepath.Join(f.dir, names[i]))
		if err != nil {
			continue
		}
		var snap datatypes.ScopeSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			continue
		}
		return &snap, snap.CompletedAt, nil
	}
	return nil, time.Time{}, ErrNotAvailable
}

// list returns snapshot file names sorted oldest first. The timestamp format
// sorts lexicographically.
func (f *SnapshotFile) list() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), snapshotFilePrefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *SnapshotFile) prune() {
	names, err := f.list()
	if err != nil {
		return
	}
	for len(names) > keepSnapshots {
		os.Remove(filepath.Join(f.dir, names[0]))
		names = names[1:]
	}
}
