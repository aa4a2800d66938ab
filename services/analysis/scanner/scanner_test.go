// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// buildTree creates the given relative paths under a fresh temp root.
func buildTree(t *testing.T, paths ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, p := range paths {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestScanFindsClassifiableFiles(t *testing.T) {
	root := buildTree(t,
		"papers/thesis_2024.pdf",
		"reports/survey.pdf",
		"misc/readme.txt",
		"misc/program.exe", // not on the allow-list
		"top_level.pdf",
	)

	files, err := New(4).Scan(context.Background(), []string{root}, 0)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("found %d files, want 4: %+v", len(files), files)
	}

	byName := make(map[string]bool)
	for _, f := range files {
		byName[f.Name] = true
		if f.Path == "" || f.Ext == "" {
			t.Errorf("file %q missing metadata: %+v", f.Name, f)
		}
	}
	for _, want := range []string{"thesis_2024.pdf", "survey.pdf", "readme.txt", "top_level.pdf"} {
		if !byName[want] {
			t.Errorf("missing %q in scan results", want)
		}
	}
	if byName["program.exe"] {
		t.Error("program.exe should have been filtered out")
	}
}

func TestScanRespectsMaxDepth(t *testing.T) {
	root := buildTree(t,
		"a/shallow.pdf",
		"a/b/c/deep.pdf",
	)

	files, err := New(2).Scan(context.Background(), []string{root}, 1)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	for _, f := range files {
		if f.Name == "deep.pdf" {
			t.Error("deep.pdf is below maxDepth and should be skipped")
		}
	}
	if len(files) != 1 {
		t.Errorf("found %d files, want 1", len(files))
	}
}

func TestScanSkipsHiddenEntries(t *testing.T) {
	root := buildTree(t,
		".hidden/secret.pdf",
		"visible/ok.pdf",
	)

	files, err := New(2).Scan(context.Background(), []string{root}, 0)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(files) != 1 || files[0].Name != "ok.pdf" {
		t.Errorf("expected only ok.pdf, got %+v", files)
	}
}

func TestScanMissingRoot(t *testing.T) {
	files, err := New(2).Scan(context.Background(), []string{"/does/not/exist"}, 0)
	if err != nil {
		t.Fatalf("missing roots must not fail the scan: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("found %d files under a missing root", len(files))
	}
}

func TestScanCancelled(t *testing.T) {
	root := buildTree(t, "a/x.pdf")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New(2).Scan(ctx, []string{root}, 0); err == nil {
		t.Error("expected an error from a cancelled scan")
	}
}

func TestCount(t *testing.T) {
	root := buildTree(t,
		"papers/a.pdf",
		"papers/b.pdf",
		"misc/notes.txt",
		"misc/ignore.bin",
	)

	n, err := New(2).Count(context.Background(), root)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}
