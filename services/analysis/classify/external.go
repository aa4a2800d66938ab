// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/curatorhq/curator/services/analysis/datatypes"
)

// ErrExternalUnavailable marks a failure of the external strategy. Callers
// branch on it to fall back to local rules; it is never a task failure.
var ErrExternalUnavailable = errors.New("external classifier unavailable")

const (
	// sampleCap bounds how many files are sent to the external service.
	sampleCap = 100

	// DefaultTimeout bounds the single external attempt. An unbounded wait
	// here would wedge the whole run, which is a correctness bug.
	DefaultTimeout = 60 * time.Second
)

var jsonFence = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// External classifies file samples through an OpenAI-compatible chat endpoint.
//
// The service must answer with a JSON object mapping category names from the
// fixed vocabulary to lists of integer indices into the submitted sample.
// Anything else (transport error, non-JSON body, wrong shape) is a strategy
// failure reported as ErrExternalUnavailable. Exactly one attempt is made.
type External struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewExternal builds an external classifier client.
//
// # Inputs
//
//   - baseURL: OpenAI-compatible endpoint, e.g. "https://api.deepseek.com/v1".
//     Empty uses the upstream default.
//   - apiKey: Bearer credential. Required.
//   - model: Chat model name, e.g. "deepseek-chat".
//   - timeout: Per-attempt budget. Non-positive uses DefaultTimeout.
func NewExternal(baseURL, apiKey, model string, timeout time.Duration) *External {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &External{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}
}

// Classify sends a capped sample and maps the returned indices back to files.
//
// Indices outside the sample range are discarded. A file is assigned to at
// most one category; later duplicate assignments are ignored.
func (e *External) Classify(ctx context.Context, files []datatypes.DiscoveredFile) (map[string][]datatypes.DiscoveredFile, error) {
	if len(files) == 0 {
		return map[string][]datatypes.DiscoveredFile{}, nil
	}

	sample := sampleFiles(files, sampleCap)
	prompt := buildPrompt(sample)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are a file classification expert. You may only use the five given categories. Reply with the JSON object only, no extra prose.",
			},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		slog.Warn("external classifier call failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrExternalUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrExternalUnavailable)
	}

	indices, err := parseIndexMap(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("external classifier returned unparsable reply", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrExternalUnavailable, err)
	}

	out := make(map[string][]datatypes.DiscoveredFile)
	assigned := make(map[int]bool)
	for _, cat := range FixedVocabulary {
		for _, idx := range indices[cat] {
			if idx < 0 || idx >= len(sample) || assigned[idx] {
				continue
			}
			assigned[idx] = true
			out[cat] = append(out[cat], sample[idx])
		}
	}
	slog.Info("external classification complete",
		"sampled", len(sample),
		"assigned", len(assigned),
		"categories", len(out),
	)
	return out, nil
}

// sampleFiles picks up to n files uniformly without replacement.
func sampleFiles(files []datatypes.DiscoveredFile, n int) []datatypes.DiscoveredFile {
	if len(files) <= n {
		return files
	}
	perm := rand.Perm(len(files))[:n]
	sample := make([]datatypes.DiscoveredFile, 0, n)
	for _, i := range perm {
		sample = append(sample, files[i])
	}
	return sample
}

// buildPrompt renders the fixed-vocabulary instruction plus the indexed
// sample listing.
func buildPrompt(sample []datatypes.DiscoveredFile) string {
	type entry struct {
		Index int    `json:"index"`
		Name  string `json:"name"`
		Path  string `json:"path"`
	}
	entries := make([]entry, len(sample))
	for i, f := range sample {
		entries[i] = entry{Index: i, Name: f.Name, Path: f.Path}
	}
	listing, _ := json.MarshalIndent(entries, "", "  ")

	var b strings.Builder
	b.WriteString("Classify each file below into exactly one of these five categories, based on its name and path:\n")
	for i, cat := range FixedVocabulary {
		fmt.Fprintf(&b, "%d. %s\n", i+1, cat)
	}
	b.WriteString("\nOnly these five categories are allowed. Reply with a JSON object of this exact shape:\n{\n")
	for i, cat := range FixedVocabulary {
		fmt.Fprintf(&b, "  %q: [file index list]", cat)
		if i < len(FixedVocabulary)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}\n\nFiles:\n")
	b.Write(listing)
	return b.String()
}

// parseIndexMap extracts the category→indices object from a model reply,
// tolerating a markdown code fence around the JSON.
func parseIndexMap(reply string) (map[string][]int, error) {
	body := strings.TrimSpace(reply)
	if m := jsonFence.FindStringSubmatch(body); m != nil {
		body = m[1]
	} else if start := strings.Index(body, "{"); start >= 0 {
		if end := strings.LastIndex(body, "}"); end > start {
			body = body[start : end+1]
		}
	}

	var indices map[string][]int
	if err := json.Unmarshal([]byte(body), &indices); err != nil {
		return nil, fmt.Errorf("decode index map: %w", err)
	}
	return indices, nil
}
