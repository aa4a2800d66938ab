// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis wires the discovery and classification engine together:
// scanner, classifier, task manager, result store, rate limiter, queue,
// directory monitor, and the HTTP surface on top of them.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/curatorhq/curator/services/analysis/alerts"
	"github.com/curatorhq/curator/services/analysis/classify"
	"github.com/curatorhq/curator/services/analysis/datatypes"
	"github.com/curatorhq/curator/services/analysis/monitor"
	"github.com/curatorhq/curator/services/analysis/ratelimit"
	"github.com/curatorhq/curator/services/analysis/routes"
	"github.com/curatorhq/curator/services/analysis/scanner"
	"github.com/curatorhq/curator/services/analysis/storage/badger"
	"github.com/curatorhq/curator/services/analysis/store"
	"github.com/curatorhq/curator/services/analysis/task"
)

// ErrInvalidPath aliases the shared sentinel for callers of this package.
var ErrInvalidPath = datatypes.ErrInvalidPath

const serviceName = "curator-analysis"

// Service is the engine lifecycle contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should only
// be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine

	// Close releases background resources (monitor, queue, database,
	// trace exporter). Safe to call after Run returns.
	Close()
}

// Engine coordinates every analysis component. It implements
// handlers.Engine and Service.
type Engine struct {
	config Config
	router *gin.Engine

	db         *badger.DB
	scanner    *scanner.Scanner
	classifier *classify.Classifier
	limiter    *ratelimit.Limiter
	queue      *ratelimit.Queue
	store      *store.Store
	manager    *task.Manager
	monitor    *monitor.Monitor
	alerts     *alerts.Service

	cancel        context.CancelFunc
	tracerCleanup func(context.Context)
}

// New builds a fully wired engine.
//
// # Description
//
// Applies configuration defaults, validates, opens the durable store, and
// constructs every component. The directory monitor starts watching
// immediately when enabled; the HTTP server starts on Run.
func New(cfg Config) (*Engine, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{config: cfg, cancel: cancel}

	if cfg.OTelEndpoint != "" {
		cleanup, err := initTracer(cfg.OTelEndpoint)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		e.tracerCleanup = cleanup
	}

	db, err := badger.Open(badger.DefaultConfig(filepath.Join(cfg.DataDir, "curator")))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}
	e.db = db

	e.alerts = alerts.NewService(0)
	e.scanner = scanner.New(cfg.ScanWorkers)
	e.store = store.New(db,
		store.WithTTLs(cfg.ResultTTL, cfg.AutoResultTTL),
		store.WithSnapshotFile(filepath.Join(cfg.DataDir, "snapshots")))
	e.limiter = ratelimit.DefaultLimiter()
	e.queue = ratelimit.NewQueue(ctx, cfg.QueueWorkers)

	var external *classify.External
	if cfg.ClassifierBaseURL != "" && cfg.ClassifierAPIKey != "" {
		external = classify.NewExternal(cfg.ClassifierBaseURL, cfg.ClassifierAPIKey,
			cfg.ClassifierModel, cfg.ClassifierTimeout)
		slog.Info("external classifier enabled",
			"endpoint", cfg.ClassifierBaseURL, "model", cfg.ClassifierModel)
	} else {
		slog.Info("external classifier not configured, using local rules only")
	}
	e.classifier = classify.New(external, e.alerts)

	repo := task.NewBadgerRepository(db)
	e.manager = task.NewManager(repo, e.limiter, e.queue, e.store, e.alerts)

	if cfg.MonitorEnabled {
		mon, err := monitor.New(cfg.Roots, e.scanner, e.autoTrigger, &monitor.Options{
			Debounce: cfg.MonitorDebounce,
			Cooldown: cfg.MonitorCooldown,
		})
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to create directory monitor: %w", err)
		}
		e.monitor = mon
		if err := mon.Start(ctx); err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to start directory monitor: %w", err)
		}
	}

	e.initRouter()
	return e, nil
}

// Run starts the HTTP server and blocks until it stops.
func (e *Engine) Run() error {
	defer e.Close()

	addr := fmt.Sprintf(":%d", e.config.Port)
	slog.Info("starting analysis server", "port", e.config.Port, "roots", e.config.Roots)
	return e.router.Run(addr)
}

// Router returns the configured Gin engine for testing.
func (e *Engine) Router() *gin.Engine {
	return e.router
}

// Close stops the monitor, drains the queue, and closes the database.
// Safe to call more than once.
func (e *Engine) Close() {
	if e.monitor != nil {
		e.monitor.Stop()
	}
	if e.manager != nil {
		e.manager.StopAll()
	}
	if e.queue != nil {
		e.queue.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			slog.Warn("durable store close error", "error", err)
		}
		e.db = nil
	}
	if e.tracerCleanup != nil {
		e.tracerCleanup(context.Background())
		e.tracerCleanup = nil
	}
}

// =============================================================================
// Operations consumed by the HTTP handlers
// =============================================================================

// StartAnalysis begins an ad hoc analysis of one directory.
//
// # Outputs
//
//   - *Task: Pending task (already queued) on success.
//   - error: ErrInvalidPath, task.ErrAlreadyRunning, or
//     ratelimit.ErrRateLimited.
func (e *Engine) StartAnalysis(ctx context.Context, dir string) (*datatypes.Task, error) {
	scope, err := normalizeDir(dir)
	if err != nil {
		return nil, err
	}
	return e.manager.Start(ctx, scope, datatypes.KindResourceAnalysis,
		e.directoryRunner([]string{scope}, e.config.MaxDepth))
}

// StartAuto begins the autonomous full scan over every configured root.
func (e *Engine) StartAuto(ctx context.Context) (*datatypes.Task, error) {
	return e.manager.Start(ctx, datatypes.ScopeAuto, datatypes.KindAutoResourceAnalysis,
		e.directoryRunner(e.config.Roots, 0))
}

// StartSourceAnalysis analyzes the folders behind one source type of the
// latest autonomous result.
func (e *Engine) StartSourceAnalysis(ctx context.Context, sourceType string, limit int) (*datatypes.Task, error) {
	sourceType = strings.TrimSpace(sourceType)
	if sourceType == "" {
		return nil, fmt.Errorf("%w: empty source type", ErrInvalidPath)
	}
	scope := "source:" + sourceType
	return e.manager.Start(ctx, scope, datatypes.KindSourceAnalysis,
		e.sourceRunner(sourceType, limit))
}

// TaskStatus returns the stored state of one task.
func (e *Engine) TaskStatus(ctx context.Context, taskID string) (*datatypes.Task, error) {
	return e.manager.Status(ctx, taskID)
}

// CancelTask requests cancellation of one running task.
func (e *Engine) CancelTask(taskID string) error {
	return e.manager.Cancel(taskID)
}

// StopScope cancels the running task for a scope, returning how many were
// stopped (0 or 1). Directory scopes are normalized the same way Start
// normalized them, so stopping by the path the caller started with works.
func (e *Engine) StopScope(scope string) int {
	return e.manager.StopScope(normalizeScope(scope))
}

// StopAll cancels every running task.
func (e *Engine) StopAll() int {
	return e.manager.StopAll()
}

// LatestResult returns the freshest stored snapshot for a scope.
func (e *Engine) LatestResult(ctx context.Context, scope string) (*datatypes.ScopeSnapshot, error) {
	return e.store.Get(ctx, normalizeScope(scope))
}

// Output returns the latest autonomous result. When it is stale or missing,
// an autonomous run is kicked off and started=true is returned alongside
// store.ErrNotAvailable.
func (e *Engine) Output(ctx context.Context) (*datatypes.ScopeSnapshot, bool, error) {
	snap, err := e.store.Get(ctx, datatypes.ScopeAuto)
	if err == nil {
		return snap, false, nil
	}
	if !errors.Is(err, store.ErrNotAvailable) {
		return nil, false, err
	}

	if _, startErr := e.StartAuto(ctx); startErr != nil {
		if errors.Is(startErr, task.ErrAlreadyRunning) || errors.Is(startErr, ratelimit.ErrRateLimited) {
			// A run is already on its way; the caller polls.
			return nil, true, err
		}
		return nil, false, startErr
	}
	return nil, true, err
}

// MonitorStatus reports the directory monitor state.
func (e *Engine) MonitorStatus() monitor.Status {
	if e.monitor == nil {
		return monitor.Status{}
	}
	return e.monitor.Status()
}

// RecentAlerts lists up to n recent alerts, newest first.
func (e *Engine) RecentAlerts(n int) []alerts.Alert {
	return e.alerts.Recent(n)
}

// =============================================================================
// Runners
// =============================================================================

// directoryRunner is the scan-classify-decorate pipeline shared by ad hoc
// and autonomous runs.
func (e *Engine) directoryRunner(roots []string, maxDepth int) task.Runner {
	return func(ctx context.Context, report func(int)) (*datatypes.AnalysisResult, error) {
		report(5)
		files, err := e.scanner.Scan(ctx, roots, maxDepth)
		if err != nil {
			return nil, err
		}
		report(50)

		groups, err := e.classifier.Classify(ctx, files)
		if err != nil {
			return nil, err
		}
		report(90)

		return &datatypes.AnalysisResult{
			Categories: classify.BuildCategories(groups),
		}, nil
	}
}

// sourceRunner re-lists the folders behind the categories of the latest
// autonomous result that match sourceType.
func (e *Engine) sourceRunner(sourceType string, limit int) task.Runner {
	return func(ctx context.Context, report func(int)) (*datatypes.AnalysisResult, error) {
		report(5)
		snap, err := e.store.Get(ctx, datatypes.ScopeAuto)
		if err != nil {
			return nil, fmt.Errorf("no autonomous result to analyze: %w", err)
		}

		matched := matchCategories(snap.Categories, sourceType)
		if len(matched) == 0 {
			return nil, fmt.Errorf("no category matches source type %q", sourceType)
		}
		report(30)

		var cats []datatypes.Category
		for _, cat := range matched {
			dirs := parentDirs(cat.Files)
			if len(dirs) == 0 {
				continue
			}
			files, err := e.scanner.Scan(ctx, dirs, 1)
			if err != nil {
				return nil, err
			}
			if limit > 0 && len(files) > limit {
				files = files[:limit]
			}
			cats = append(cats, datatypes.Category{
				Name:  cat.Name,
				Color: cat.Color,
				Icon:  cat.Icon,
				Count: len(files),
				Files: files,
			})
		}
		report(90)

		return &datatypes.AnalysisResult{Categories: cats}, nil
	}
}

// autoTrigger is the monitor callback. Admission rejections are expected
// during bursts and swallowed.
func (e *Engine) autoTrigger(ctx context.Context) {
	if _, err := e.StartAuto(ctx); err != nil {
		if errors.Is(err, task.ErrAlreadyRunning) || errors.Is(err, ratelimit.ErrRateLimited) {
			slog.Debug("automatic analysis coalesced", "reason", err.Error())
			return
		}
		slog.Error("automatic analysis trigger failed", "error", err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func matchCategories(cats []datatypes.Category, sourceType string) []datatypes.Category {
	want := strings.ToLower(sourceType)
	var out []datatypes.Category
	for _, cat := range cats {
		if strings.Contains(strings.ToLower(cat.Name), want) {
			out = append(out, cat)
		}
	}
	return out
}

func parentDirs(files []datatypes.DiscoveredFile) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range files {
		dir := filepath.Dir(f.Path)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		out = append(out, dir)
	}
	return out
}

// normalizeScope maps directory scopes onto the canonical absolute form used
// as the task and store key. The auto scope and source scopes pass through,
// as does anything that no longer resolves to a directory.
func normalizeScope(scope string) string {
	if scope == datatypes.ScopeAuto || strings.HasPrefix(scope, "source:") {
		return scope
	}
	if abs, err := normalizeDir(scope); err == nil {
		return abs
	}
	return scope
}

// normalizeDir resolves dir to an absolute path and verifies it is a
// directory. The absolute path doubles as the task scope key.
func normalizeDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, dir)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, dir)
	}
	return abs, nil
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8090
	}
	if cfg.ScanWorkers == 0 {
		cfg.ScanWorkers = scanner.DefaultMaxWorkers
	}
	if cfg.QueueWorkers == 0 {
		cfg.QueueWorkers = ratelimit.DefaultConcurrency
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.ResultTTL == 0 {
		cfg.ResultTTL = store.DefaultTTL
	}
	if cfg.AutoResultTTL == 0 {
		cfg.AutoResultTTL = store.DefaultAutoTTL
	}
	if cfg.MonitorDebounce == 0 {
		cfg.MonitorDebounce = monitor.DefaultDebounce
	}
	if cfg.MonitorCooldown == 0 {
		cfg.MonitorCooldown = monitor.DefaultCooldown
	}
	if cfg.ClassifierModel == "" {
		cfg.ClassifierModel = "deepseek-chat"
	}
	if cfg.ClassifierTimeout == 0 {
		cfg.ClassifierTimeout = classify.DefaultTimeout
	}
	return cfg
}

func (e *Engine) initRouter() {
	if e.config.GinMode != "" {
		gin.SetMode(e.config.GinMode)
	}
	e.router = gin.Default()
	e.router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(e.router, e)
}

// initTracer sets up the OTLP trace exporter.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

var _ Service = (*Engine)(nil)
