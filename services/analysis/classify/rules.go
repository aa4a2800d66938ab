// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"path/filepath"
	"strings"

	"github.com/curatorhq/curator/services/analysis/datatypes"
)

// The fixed category vocabulary. Both the external strategy's prompt and the
// rule fallback emit only these names (plus the overflow bucket), so
// downstream consumers see stable category keys across strategies.
const (
	CategoryAcademicPaper = "Academic Paper"
	CategorySurveyReport  = "Survey Report"
	CategoryBook          = "Professional Book"
	CategoryPolicy        = "Policy Document"
	CategoryRegulation    = "Regulation & Standard"

	// CategoryOverflow absorbs the smallest buckets when a result would
	// otherwise exceed MaxCategories.
	CategoryOverflow = "Other"
)

// FixedVocabulary lists the five category names in prompt order.
var FixedVocabulary = []string{
	CategoryAcademicPaper,
	CategorySurveyReport,
	CategoryBook,
	CategoryPolicy,
	CategoryRegulation,
}

// categoryKeywords maps each category to the filename substrings that vote
// for it. Matching is case-insensitive; the first hit per filename wins.
var categoryKeywords = map[string][]string{
	CategoryAcademicPaper: {"paper", "thesis", "article", "dissertation"},
	CategorySurveyReport:  {"report", "survey"},
	CategoryBook:          {"book", "manual", "handbook", "textbook"},
	CategoryPolicy:        {"policy", "guideline", "plan"},
	CategoryRegulation:    {"regulation", "standard", "law", "ordinance"},
}

// extensionGroups maps coarse type buckets to extensions for the flat
// (non-folder) rule mode.
var extensionGroups = map[string][]string{
	"Documents":     {".pdf", ".doc", ".docx", ".txt", ".md", ".rtf", ".odt"},
	"Spreadsheets":  {".xls", ".xlsx", ".csv"},
	"Presentations": {".ppt", ".pptx"},
	"Images":        {".png", ".jpg", ".jpeg", ".gif", ".bmp", ".svg", ".webp"},
	"Audio":         {".mp3", ".wav", ".flac"},
	"Video":         {".mp4", ".mkv", ".avi", ".mov"},
	"Code & Data":   {".json", ".xml", ".yaml", ".yml", ".go", ".py", ".js", ".ts", ".sql"},
}

// ByFolder groups files by their immediate parent directory, then labels each
// directory with the category whose keywords its member filenames hit most.
//
// A directory whose files match no keyword set is dropped entirely. Forcing
// noise folders into a catch-all bucket would pollute every result, so they
// simply do not appear.
//
// Every input file lands in at most one category.
func ByFolder(files []datatypes.DiscoveredFile) map[string][]datatypes.DiscoveredFile {
	byDir := make(map[string][]datatypes.DiscoveredFile)
	for _, f := range files {
		byDir[filepath.Dir(f.Path)] = append(byDir[filepath.Dir(f.Path)], f)
	}

	out := make(map[string][]datatypes.DiscoveredFile)
	for _, members := range byDir {
		hits := make(map[string]int, len(categoryKeywords))
		for _, f := range members {
			if cat, ok := matchKeywords(f.Name); ok {
				hits[cat]++
			}
		}
		winner, best := "", 0
		for _, cat := range FixedVocabulary {
			if hits[cat] > best {
				winner, best = cat, hits[cat]
			}
		}
		if best == 0 {
			continue // no keyword hit anywhere in this folder
		}
		out[winner] = append(out[winner], members...)
	}
	return out
}

// ByExtension groups files into coarse type buckets by extension alone.
// Used for ad hoc runs where the caller wants a flat type breakdown.
func ByExtension(files []datatypes.DiscoveredFile) map[string][]datatypes.DiscoveredFile {
	extToGroup := make(map[string]string)
	for group, exts := range extensionGroups {
		for _, ext := range exts {
			extToGroup[ext] = group
		}
	}

	out := make(map[string][]datatypes.DiscoveredFile)
	for _, f := range files {
		group, ok := extToGroup[f.Ext]
		if !ok {
			continue
		}
		out[group] = append(out[group], f)
	}
	return out
}

// matchKeywords returns the first category whose keyword list matches the
// filename, in vocabulary order so results are deterministic.
func matchKeywords(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, cat := range FixedVocabulary {
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(lower, kw) {
				return cat, true
			}
		}
	}
	return "", false
}
