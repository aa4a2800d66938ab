// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classify buckets discovered files into named categories.
//
// # Description
//
// Two strategies, tried in order: an external semantic classifier behind an
// OpenAI-compatible API, then a deterministic local rule engine. The external
// strategy gets exactly one attempt with a hard timeout; any failure is a
// visible branch (ErrExternalUnavailable), never an exception-style abort,
// and degrades to the rules with a warning-level alert.
package classify

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/curatorhq/curator/services/analysis/datatypes"
)

// MaxCategories bounds the distinct category count delivered downstream.
// Results beyond the cap have their smallest buckets merged into an
// overflow bucket.
const MaxCategories = 9

var tracer = otel.Tracer("analysis.classify")

var (
	classifyRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "classify",
		Name:      "runs_total",
		Help:      "Classification runs by strategy used",
	}, []string{"strategy"})

	classifyFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "classify",
		Name:      "fallbacks_total",
		Help:      "External strategy failures that degraded to local rules",
	})
)

// Alerter receives operator-visible notices. The alerts service implements it.
type Alerter interface {
	Add(level, message string, extra map[string]any)
}

// Classifier is the hybrid external-then-rules strategy.
//
// A nil External skips straight to the rules; a nil Alerter drops notices.
type Classifier struct {
	external *External
	alerts   Alerter
}

// New builds a Classifier. Both arguments may be nil.
func New(external *External, alerts Alerter) *Classifier {
	return &Classifier{external: external, alerts: alerts}
}

// Classify assigns every input file to at most one named category.
//
// # Outputs
//
//   - map: category name → member files. Files that no rule keyword matches
//     are legitimately absent; no catch-all bucket is synthesized.
//   - error: Only on context cancellation. Strategy failures degrade, they
//     do not propagate.
func (c *Classifier) Classify(ctx context.Context, files []datatypes.DiscoveredFile) (map[string][]datatypes.DiscoveredFile, error) {
	ctx, span := tracer.Start(ctx, "classify.Classify")
	defer span.End()
	span.SetAttributes(attribute.Int("files", len(files)))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.external != nil {
		result, err := c.external.Classify(ctx, files)
		if err == nil {
			classifyRuns.WithLabelValues("external").Inc()
			span.SetAttributes(attribute.String("strategy", "external"))
			return capCategories(result), nil
		}
		if !errors.Is(err, ErrExternalUnavailable) {
			// Context cancellation during the external call.
			return nil, err
		}
		classifyFallbacks.Inc()
		slog.Warn("external classification failed, using local rules", "error", err)
		if c.alerts != nil {
			c.alerts.Add("warning", "external classifier failed, fell back to local rules",
				map[string]any{"error": err.Error()})
		}
	}

	classifyRuns.WithLabelValues("rules").Inc()
	span.SetAttributes(attribute.String("strategy", "rules"))
	return capCategories(ByFolder(files)), nil
}

// capCategories merges the smallest buckets into the overflow bucket when the
// distinct category count exceeds MaxCategories.
func capCategories(raw map[string][]datatypes.DiscoveredFile) map[string][]datatypes.DiscoveredFile {
	if len(raw) <= MaxCategories {
		return raw
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(raw[names[i]]) != len(raw[names[j]]) {
			return len(raw[names[i]]) > len(raw[names[j]])
		}
		return names[i] < names[j]
	})

	out := make(map[string][]datatypes.DiscoveredFile, MaxCategories)
	for _, name := range names[:MaxCategories-1] {
		out[name] = raw[name]
	}
	var overflow []datatypes.DiscoveredFile
	for _, name := range names[MaxCategories-1:] {
		overflow = append(overflow, raw[name]...)
	}
	out[CategoryOverflow] = append(out[CategoryOverflow], overflow...)
	return out
}
