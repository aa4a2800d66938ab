// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"testing"
	"time"

	"github.com/curatorhq/curator/services/analysis/datatypes"
)

var testModTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func file(path string) datatypes.DiscoveredFile {
	return datatypes.NewDiscoveredFile("/res", path, 1, testModTime)
}

func TestByFolderKeywordVote(t *testing.T) {
	files := []datatypes.DiscoveredFile{
		file("/res/papers/thesis_2024.pdf"),
		file("/res/reports/survey.pdf"),
		file("/res/misc/readme.txt"),
	}

	got := ByFolder(files)

	if len(got) != 2 {
		t.Fatalf("got %d categories, want 2: %v", len(got), keys(got))
	}
	if n := len(got[CategoryAcademicPaper]); n != 1 {
		t.Errorf("%s has %d files, want 1", CategoryAcademicPaper, n)
	}
	if n := len(got[CategorySurveyReport]); n != 1 {
		t.Errorf("%s has %d files, want 1", CategorySurveyReport, n)
	}
	// misc/ has no keyword hits anywhere, so it must be dropped, not
	// shoved into a catch-all.
	for cat, members := range got {
		for _, f := range members {
			if f.Name == "readme.txt" {
				t.Errorf("readme.txt leaked into %q", cat)
			}
		}
	}
}

func TestByFolderMajorityWins(t *testing.T) {
	// Two "report" hits against one "thesis" hit in the same folder: the
	// folder is labelled Survey Report and every member comes along.
	files := []datatypes.DiscoveredFile{
		file("/res/mixed/annual_report_2023.pdf"),
		file("/res/mixed/survey_results.pdf"),
		file("/res/mixed/thesis_draft.pdf"),
		file("/res/mixed/unrelated.png"),
	}

	got := ByFolder(files)

	if len(got) != 1 {
		t.Fatalf("got %d categories, want 1: %v", len(got), keys(got))
	}
	if n := len(got[CategorySurveyReport]); n != 4 {
		t.Errorf("%s has %d files, want all 4 folder members", CategorySurveyReport, n)
	}
}

func TestByFolderNoDoubleAssignment(t *testing.T) {
	files := []datatypes.DiscoveredFile{
		file("/res/a/paper_one.pdf"),
		file("/res/a/paper_two.pdf"),
		file("/res/b/policy_2024.pdf"),
		file("/res/b/standard_iso.pdf"),
	}

	got := ByFolder(files)

	seen := make(map[string]string)
	for cat, members := range got {
		for _, f := range members {
			if prev, dup := seen[f.Path]; dup {
				t.Errorf("%s assigned to both %q and %q", f.Path, prev, cat)
			}
			seen[f.Path] = cat
		}
	}
	if len(seen) != 4 {
		t.Errorf("assigned %d files, want 4", len(seen))
	}
}

func TestByExtension(t *testing.T) {
	files := []datatypes.DiscoveredFile{
		file("/res/a/x.pdf"),
		file("/res/a/y.csv"),
		file("/res/a/z.mp3"),
		file("/res/a/w.unknownext"),
	}

	got := ByExtension(files)

	if len(got["Documents"]) != 1 || len(got["Spreadsheets"]) != 1 || len(got["Audio"]) != 1 {
		t.Errorf("unexpected grouping: %v", keys(got))
	}
	for cat, members := range got {
		for _, f := range members {
			if f.Name == "w.unknownext" {
				t.Errorf("unknown extension leaked into %q", cat)
			}
		}
	}
}

func TestMatchKeywordsDeterministic(t *testing.T) {
	// "standard_report.pdf" hits both Survey Report and Regulation &
	// Standard; vocabulary order makes Survey Report win every time.
	cat, ok := matchKeywords("standard_report.pdf")
	if !ok || cat != CategorySurveyReport {
		t.Errorf("matchKeywords = %q, %v; want %q", cat, ok, CategorySurveyReport)
	}

	if _, ok := matchKeywords("holiday_photo.png"); ok {
		t.Error("holiday_photo.png should not match any keyword")
	}
}

func keys(m map[string][]datatypes.DiscoveredFile) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
