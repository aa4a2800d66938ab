// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the value types shared by the analysis engine:
// discovered files, categories, scope snapshots, and task records.
//
// Everything in this package is a plain value. Ownership of mutable state
// (the task table, the result cache) lives in the task and store packages.
package datatypes

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ScopeAuto is the scope key of the autonomous full scan over all
// configured roots.
const ScopeAuto = "auto"

// ErrInvalidPath is returned when an analysis target is not a readable
// directory.
var ErrInvalidPath = errors.New("path is not a readable directory")

// TaskKind identifies the flavor of an analysis run.
type TaskKind string

const (
	// KindResourceAnalysis is an ad hoc, caller-initiated scan of one directory.
	KindResourceAnalysis TaskKind = "resource_analysis"

	// KindAutoResourceAnalysis is the autonomous full scan over all configured roots.
	KindAutoResourceAnalysis TaskKind = "auto_resource_analysis"

	// KindSourceAnalysis is a per-source-type drill-down over a prior snapshot.
	KindSourceAnalysis TaskKind = "source_analysis"
)

// TaskStatus is the lifecycle state of a task.
//
// Transitions are strictly pending → running → {completed, failed, cancelled}.
// Terminal states are never left.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal returns true if the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one unit of orchestrated analysis work.
//
// # Invariants
//
//   - Progress is monotonically non-decreasing while Status is running.
//   - EndTime is non-nil if and only if Status is terminal.
//   - At most one running Task exists per Scope at any time.
type Task struct {
	ID        string          `json:"id"`
	Kind      TaskKind        `json:"kind"`
	Status    TaskStatus      `json:"status"`
	Progress  int             `json:"progress"`
	Scope     string          `json:"scope"`
	StartTime time.Time       `json:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// AnalysisResult is the payload attached to a completed task.
type AnalysisResult struct {
	Categories []Category `json:"categories"`
}

// DiscoveredFile is an immutable description of one file found by the scanner.
type DiscoveredFile struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Ext     string    `json:"ext"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	RelPath string    `json:"rel_path"`
}

// Category is a named bucket of classified files.
//
// Files may be truncated for transport; Count is always the full member count.
type Category struct {
	Name  string           `json:"name"`
	Color string           `json:"color"`
	Icon  string           `json:"icon"`
	Count int              `json:"count"`
	Files []DiscoveredFile `json:"files,omitempty"`
}

// ScopeSnapshot is the latest authoritative categorization result for a scope.
//
// Writing a new snapshot for a scope replaces the previous one. Snapshots are
// not versioned history.
type ScopeSnapshot struct {
	Scope       string     `json:"scope"`
	CompletedAt time.Time  `json:"completed_at"`
	Categories  []Category `json:"categories"`
	Status      TaskStatus `json:"status"`
}

// TotalFiles returns the sum of category counts.
func (s *ScopeSnapshot) TotalFiles() int {
	total := 0
	for _, c := range s.Categories {
		total += c.Count
	}
	return total
}

// classifiableExts is the single allow-list used by the scanner, the monitor's
// file counting, and the rule classifier, so counts stay comparable across runs.
var classifiableExts = map[string]bool{
	// documents
	".pdf": true, ".doc": true, ".docx": true, ".txt": true, ".md": true,
	".rtf": true, ".odt": true,
	// spreadsheets and presentations
	".xls": true, ".xlsx": true, ".csv": true, ".ppt": true, ".pptx": true,
	// images
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".svg": true, ".webp": true,
	// audio / video
	".mp3": true, ".wav": true, ".flac": true, ".mp4": true, ".mkv": true,
	".avi": true, ".mov": true,
	// code and data
	".json": true, ".xml": true, ".yaml": true, ".yml": true, ".go": true,
	".py": true, ".js": true, ".ts": true, ".sql": true,
}

// Classifiable reports whether the path's extension is on the shared allow-list.
func Classifiable(path string) bool {
	return classifiableExts[strings.ToLower(filepath.Ext(path))]
}

// ClassifiableExts returns a copy of the extension allow-list.
func ClassifiableExts() []string {
	exts := make([]string, 0, len(classifiableExts))
	for ext := range classifiableExts {
		exts = append(exts, ext)
	}
	return exts
}

// NewDiscoveredFile builds a DiscoveredFile from a path and stat data, with
// RelPath computed against the scan root.
func NewDiscoveredFile(root, path string, size int64, modTime time.Time) DiscoveredFile {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	return DiscoveredFile{
		Name:    filepath.Base(path),
		Path:    path,
		Ext:     strings.ToLower(filepath.Ext(path)),
		Size:    size,
		ModTime: modTime,
		RelPath: rel,
	}
}
