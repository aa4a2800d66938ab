// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curatorhq/curator/services/analysis/datatypes"
)

type recordingAlerter struct {
	alerts []string
}

func (r *recordingAlerter) Add(level, message string, extra map[string]any) {
	r.alerts = append(r.alerts, level+": "+message)
}

func TestClassifierFallsBackToRules(t *testing.T) {
	// Point the external strategy at a dead endpoint so it fails fast.
	ext := NewExternal("http://127.0.0.1:1/v1", "test-key", "deepseek-chat", 200*time.Millisecond)
	alerter := &recordingAlerter{}
	c := New(ext, alerter)

	files := []datatypes.DiscoveredFile{
		file("/res/papers/thesis_2024.pdf"),
		file("/res/reports/survey.pdf"),
	}

	got, err := c.Classify(context.Background(), files)
	require.NoError(t, err, "fallback must not surface the strategy failure")

	assert.Len(t, got, 2)
	assert.Len(t, got[CategoryAcademicPaper], 1)
	assert.Len(t, got[CategorySurveyReport], 1)
	require.Len(t, alerter.alerts, 1, "fallback must raise exactly one alert")
	assert.Contains(t, alerter.alerts[0], "warning")
}

func TestClassifierWithoutExternal(t *testing.T) {
	c := New(nil, nil)

	got, err := c.Classify(context.Background(), []datatypes.DiscoveredFile{
		file("/res/papers/thesis.pdf"),
	})
	require.NoError(t, err)
	assert.Len(t, got[CategoryAcademicPaper], 1)
}

func TestClassifierCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(nil, nil).Classify(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCapCategories(t *testing.T) {
	raw := make(map[string][]datatypes.DiscoveredFile)
	// 12 categories of increasing size: 1, 2, ..., 12 files.
	for i := 1; i <= 12; i++ {
		name := fmt.Sprintf("Cat %02d", i)
		for j := 0; j < i; j++ {
			raw[name] = append(raw[name], file(fmt.Sprintf("/res/%s/f%d.pdf", name, j)))
		}
	}

	got := capCategories(raw)

	require.Len(t, got, MaxCategories)
	require.Contains(t, got, CategoryOverflow)

	// The 8 largest categories survive untouched; the 4 smallest
	// (1+2+3+4 = 10 files) merge into the overflow bucket.
	assert.Len(t, got[CategoryOverflow], 10)
	assert.Len(t, got["Cat 12"], 12)
	assert.NotContains(t, got, "Cat 01")

	total := 0
	for _, members := range got {
		total += len(members)
	}
	assert.Equal(t, 78, total, "capping must not lose files")
}

func TestCapCategoriesNoop(t *testing.T) {
	raw := map[string][]datatypes.DiscoveredFile{
		CategoryAcademicPaper: {file("/res/a/paper.pdf")},
	}
	got := capCategories(raw)
	assert.Equal(t, raw, got)
}
