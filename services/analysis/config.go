// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/curatorhq/curator/services/analysis/monitor"
	"github.com/curatorhq/curator/services/analysis/ratelimit"
	"github.com/curatorhq/curator/services/analysis/scanner"
	"github.com/curatorhq/curator/services/analysis/store"
)

// Config holds engine configuration.
//
// # Description
//
// Config centralizes all settings for the analysis engine. Values can be
// populated from environment variables via FromEnv, from flags, or
// programmatically for testing. Zero values use defaults applied by New().
type Config struct {
	// Port is the HTTP server port. Default: 8090
	Port int `validate:"gte=0,lte=65535"`

	// Roots are the directories whose resources are discovered and
	// classified. At least one is required.
	Roots []string `validate:"min=1,dive,required"`

	// MaxDepth bounds ad hoc scans. Zero or negative means unbounded.
	MaxDepth int

	// ScanWorkers is the scan worker pool size. Default: scanner.DefaultMaxWorkers
	ScanWorkers int `validate:"gte=0,lte=64"`

	// QueueWorkers is the analysis queue concurrency.
	// Default: ratelimit.DefaultConcurrency
	QueueWorkers int `validate:"gte=0,lte=32"`

	// DataDir is where durable task and result state lives.
	// Default: "./data"
	DataDir string

	// ResultTTL is how long an ad hoc result stays fresh. Default: 1h
	ResultTTL time.Duration

	// AutoResultTTL is how long an autonomous result stays fresh. Default: 24h
	AutoResultTTL time.Duration

	// MonitorEnabled starts the directory monitor. Default: true via FromEnv.
	MonitorEnabled bool

	// MonitorDebounce is the settle window after filesystem events.
	// Default: monitor.DefaultDebounce
	MonitorDebounce time.Duration

	// MonitorCooldown is the minimum spacing between automatic triggers.
	// Default: monitor.DefaultCooldown
	MonitorCooldown time.Duration

	// ClassifierBaseURL is the OpenAI-compatible endpoint for semantic
	// classification. Empty disables the external strategy entirely and
	// every run uses local rules.
	ClassifierBaseURL string

	// ClassifierAPIKey authenticates against ClassifierBaseURL.
	ClassifierAPIKey string

	// ClassifierModel is the chat model name. Default: "deepseek-chat"
	ClassifierModel string

	// ClassifierTimeout bounds one classification request.
	// Default: classify.DefaultTimeout
	ClassifierTimeout time.Duration

	// OTelEndpoint is the OpenTelemetry collector endpoint. Empty disables
	// trace export (spans become no-ops).
	OTelEndpoint string

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string
}

var validate = validator.New()

// FromEnv builds a Config from CURATOR_* environment variables.
func FromEnv() Config {
	return Config{
		Port:              getEnvInt("CURATOR_PORT", 8090),
		Roots:             splitList(getEnvString("CURATOR_ROOTS", "./resources")),
		MaxDepth:          getEnvInt("CURATOR_MAX_DEPTH", 2),
		ScanWorkers:       getEnvInt("CURATOR_SCAN_WORKERS", scanner.DefaultMaxWorkers),
		QueueWorkers:      getEnvInt("CURATOR_QUEUE_WORKERS", ratelimit.DefaultConcurrency),
		DataDir:           getEnvString("CURATOR_DATA_DIR", "./data"),
		ResultTTL:         getEnvDuration("CURATOR_RESULT_TTL", store.DefaultTTL),
		AutoResultTTL:     getEnvDuration("CURATOR_AUTO_RESULT_TTL", store.DefaultAutoTTL),
		MonitorEnabled:    getEnvBool("CURATOR_MONITOR_ENABLED", true),
		MonitorDebounce:   getEnvDuration("CURATOR_MONITOR_DEBOUNCE", monitor.DefaultDebounce),
		MonitorCooldown:   getEnvDuration("CURATOR_MONITOR_COOLDOWN", monitor.DefaultCooldown),
		ClassifierBaseURL: getEnvString("CURATOR_CLASSIFIER_URL", ""),
		ClassifierAPIKey:  getEnvString("CURATOR_CLASSIFIER_API_KEY", ""),
		ClassifierModel:   getEnvString("CURATOR_CLASSIFIER_MODEL", "deepseek-chat"),
		ClassifierTimeout: getEnvDuration("CURATOR_CLASSIFIER_TIMEOUT", 60*time.Second),
		OTelEndpoint:      getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		GinMode:           getEnvString("GIN_MODE", ""),
	}
}

// Validate checks structural constraints. Defaults must already be applied.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
