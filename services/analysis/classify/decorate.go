// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/curatorhq/curator/services/analysis/datatypes"
)

// maxFilesPerCategory caps the member list carried on the wire. Count always
// reflects the full membership.
const maxFilesPerCategory = 50

// categoryIcons maps category names (or name fragments) to display icons.
var categoryIcons = map[string]string{
	CategoryAcademicPaper: "📄",
	CategorySurveyReport:  "📊",
	CategoryBook:          "📚",
	CategoryPolicy:        "📋",
	CategoryRegulation:    "⚖️",
	"Documents":           "📄",
	"Spreadsheets":        "📈",
	"Presentations":       "🖥️",
	"Images":              "🖼️",
	"Audio":               "🎵",
	"Video":               "🎬",
	"Code & Data":         "💻",
	CategoryOverflow:      "📁",
}

// BuildCategories converts a raw category map into decorated, ordered
// Category values: largest first, stable color per name, icon per name,
// member list truncated for transport.
func BuildCategories(raw map[string][]datatypes.DiscoveredFile) []datatypes.Category {
	out := make([]datatypes.Category, 0, len(raw))
	for name, files := range raw {
		members := files
		if len(members) > maxFilesPerCategory {
			members = members[:maxFilesPerCategory]
		}
		out = append(out, datatypes.Category{
			Name:  name,
			Color: colorFor(name),
			Icon:  iconFor(name),
			Count: len(files),
			Files: members,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// colorFor derives a stable display color from the category name. The same
// name always yields the same color; channels are floored so colors stay
// readable on dark text.
func colorFor(name string) string {
	sum := sha256.Sum256([]byte(name))
	r, g, b := sum[0], sum[1], sum[2]
	if r < 100 {
		r += 100
	}
	if g < 100 {
		g += 100
	}
	if b < 100 {
		b += 100
	}
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

// iconFor picks an icon by exact name, then by fragment, then a default.
func iconFor(name string) string {
	if icon, ok := categoryIcons[name]; ok {
		return icon
	}
	for key, icon := range categoryIcons {
		if strings.Contains(name, key) || strings.Contains(key, name) {
			return icon
		}
	}
	return "📁"
}
