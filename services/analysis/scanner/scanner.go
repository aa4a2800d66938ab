// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scanner enumerates classifiable files under one or more roots.
//
// # Description
//
// Large trees are partitioned at the top level: every immediate child
// directory of a root is walked by an independent worker, and results are
// merged as workers complete. Per-entry errors (permission denied, vanished
// files) are logged and skipped; they never abort a scan.
//
// # Thread Safety
//
// Scanner is stateless after construction and safe for concurrent use.
package scanner

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/curatorhq/curator/services/analysis/datatypes"
)

const (
	// DefaultMaxWorkers caps concurrent subtree walks. Directory walking is
	// IO-bound; more workers than this just thrash the disk.
	DefaultMaxWorkers = 16

	// hardDepthCap bounds recursion even for "unbounded" scans. Symlink
	// cycles are not expected on supported platforms, but a runaway tree
	// must not stack-dive forever.
	hardDepthCap = 64
)

var tracer = otel.Tracer("analysis.scanner")

var (
	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "curator",
		Subsystem: "scanner",
		Name:      "scan_duration_seconds",
		Help:      "Wall time of full directory scans",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	scanFilesFound = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "curator",
		Subsystem: "scanner",
		Name:      "scan_files_found",
		Help:      "Classifiable files found per scan",
		Buckets:   []float64{10, 100, 1000, 10000, 100000},
	})

	scanEntryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "scanner",
		Name:      "entry_errors_total",
		Help:      "Per-entry errors skipped during scanning",
	})
)

// Scanner walks directory trees and collects classifiable files.
type Scanner struct {
	workers int
}

// New creates a Scanner with the given worker limit.
// A non-positive limit uses DefaultMaxWorkers.
func New(workers int) *Scanner {
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}
	return &Scanner{workers: workers}
}

// Scan enumerates classifiable files under the given roots.
//
// # Inputs
//
//   - ctx: Cancellation checkpoint between subtrees and every few hundred
//     entries within a subtree.
//   - roots: Absolute paths. Roots that do not exist are skipped with a warning.
//   - maxDepth: Directory depth below each root to descend into. Zero or
//     negative means unbounded (still capped defensively).
//
// # Outputs
//
//   - []datatypes.DiscoveredFile: Merged results, order unspecified.
//   - error: Non-nil only on cancellation. IO errors are per-entry and skipped.
func (s *Scanner) Scan(ctx context.Context, roots []string, maxDepth int) ([]datatypes.DiscoveredFile, error) {
	ctx, span := tracer.Start(ctx, "scanner.Scan")
	defer span.End()
	span.SetAttributes(
		attribute.Int("roots", len(roots)),
		attribute.Int("max_depth", maxDepth),
	)

	start := time.Now()
	if maxDepth <= 0 || maxDepth > hardDepthCap {
		maxDepth = hardDepthCap
	}

	var mu sync.Mutex
	var files []datatypes.DiscoveredFile

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			slog.Warn("scan root unreadable, skipping", "root", root, "error", err)
			scanEntryErrors.Inc()
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(root, entry.Name())
			if !entry.IsDir() {
				if f, ok := statFile(root, path); ok {
					mu.Lock()
					files = append(files, f)
					mu.Unlock()
				}
				continue
			}
			if hiddenOrSystem(entry.Name()) {
				continue
			}
			g.Go(func() error {
				found, err := walkSubtree(ctx, root, path, maxDepth)
				if err != nil {
					return err
				}
				mu.Lock()
				files = append(files, found...)
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	scanDuration.Observe(time.Since(start).Seconds())
	scanFilesFound.Observe(float64(len(files)))
	span.SetAttributes(attribute.Int("files_found", len(files)))
	slog.Info("scan complete",
		"roots", len(roots),
		"files", len(files),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return files, nil
}

// Count returns the number of classifiable files under root. Used by the
// directory monitor to detect meaningful changes without building file lists.
func (s *Scanner) Count(ctx context.Context, root string) (int, error) {
	count := 0
	checked := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			scanEntryErrors.Inc()
			return nil
		}
		checked++
		if checked%512 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if d.IsDir() {
			if hiddenOrSystem(d.Name()) && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if datatypes.Classifiable(path) {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// walkSubtree walks one top-level partition, honoring depth and cancellation.
func walkSubtree(ctx context.Context, root, dir string, maxDepth int) ([]datatypes.DiscoveredFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var found []datatypes.DiscoveredFile
	checked := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Permission error or vanished entry: log, count, move on.
			slog.Debug("skipping unreadable entry", "path", path, "error", err)
			scanEntryErrors.Inc()
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		checked++
		if checked%512 == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
		}

		if d.IsDir() {
			if hiddenOrSystem(d.Name()) && path != dir {
				return filepath.SkipDir
			}
			if depthBelow(root, path) > maxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if !datatypes.Classifiable(path) {
			return nil
		}
		if f, ok := statFile(root, path); ok {
			found = append(found, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// depthBelow counts path separators between root and path.
func depthBelow(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// statFile builds a DiscoveredFile, dropping entries that vanish between
// the directory listing and the stat call.
func statFile(root, path string) (datatypes.DiscoveredFile, bool) {
	if !datatypes.Classifiable(path) {
		return datatypes.DiscoveredFile{}, false
	}
	info, err := os.Stat(path)
	if err != nil {
		scanEntryErrors.Inc()
		return datatypes.DiscoveredFile{}, false
	}
	return datatypes.NewDiscoveredFile(root, path, info.Size(), info.ModTime()), true
}

// hiddenOrSystem filters dot-directories and system folders the way the
// monitor and classifier also ignore them.
func hiddenOrSystem(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "$") ||
		name == "node_modules" || name == "__pycache__"
}
