// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package task owns the lifecycle of every analysis run.
//
// # State machine
//
//	pending → running → {completed, failed, cancelled}
//
// Terminal states are reached exactly once. Any run whose driving goroutine
// exits (normally, by error, by cancellation, or by panic) leaves its task
// in a terminal state; there is no "stuck in running" by construction.
//
// # Admission
//
// Start consults the rate limiter and a per-scope running registry. Both
// rejections are synchronous, typed answers (ErrRateLimited,
// ErrAlreadyRunning), not task failures. Independent scopes never serialize
// each other; the registry holds one lock only long enough to check-and-set.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/curatorhq/curator/services/analysis/datatypes"
	"github.com/curatorhq/curator/services/analysis/ratelimit"
)

// ErrAlreadyRunning is returned when a scope already has a non-terminal task.
var ErrAlreadyRunning = errors.New("analysis already running for scope")

// cancelledByCaller is the error string recorded on cancelled tasks.
const cancelledByCaller = "stopped by caller"

var (
	tasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "tasks",
		Name:      "started_total",
		Help:      "Tasks admitted, by kind",
	}, []string{"kind"})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "tasks",
		Name:      "finished_total",
		Help:      "Tasks reaching a terminal state, by kind and status",
	}, []string{"kind", "status"})

	tasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "tasks",
		Name:      "rejected_total",
		Help:      "Admission rejections, by reason",
	}, []string{"reason"})
)

// Runner executes the scan→classify sequence for one run. It reports
// progress through report (values are clamped monotonically) and must
// observe ctx at its checkpoints.
type Runner func(ctx context.Context, report func(progress int)) (*datatypes.AnalysisResult, error)

// SnapshotWriter persists the categorization produced by a completed run.
// The result store implements it.
type SnapshotWriter interface {
	Put(ctx context.Context, scope string, snap datatypes.ScopeSnapshot) error
}

// Alerter receives operator-visible notices about failed runs.
type Alerter interface {
	Add(level, message string, extra map[string]any)
}

// running tracks one admitted, not-yet-terminal run.
type running struct {
	taskID string
	cancel context.CancelFunc
}

// Manager is the single source of truth for analysis run state.
type Manager struct {
	repo    Repository
	limiter *ratelimit.Limiter
	queue   *ratelimit.Queue
	writer  SnapshotWriter
	alerts  Alerter

	mu       sync.Mutex
	byScope  map[string]*running
	progress map[string]int // last reported progress per task id, for clamping
}

// NewManager wires a Manager. alerts may be nil.
func NewManager(repo Repository, limiter *ratelimit.Limiter, queue *ratelimit.Queue, writer SnapshotWriter, alerts Alerter) *Manager {
	return &Manager{
		repo:     repo,
		limiter:  limiter,
		queue:    queue,
		writer:   writer,
		alerts:   alerts,
		byScope:  make(map[string]*running),
		progress: make(map[string]int),
	}
}

// Start admits and launches a new run for scope.
//
// # Outputs
//
//   - *datatypes.Task: The created task (status pending, soon running).
//   - error: ErrAlreadyRunning, ratelimit.ErrRateLimited, or a persistence
//     error from recording the task.
func (m *Manager) Start(ctx context.Context, scope string, kind datatypes.TaskKind, runner Runner) (*datatypes.Task, error) {
	// The scope guard runs before the limiter so that a duplicate start never
	// burns a window slot the eventual legitimate restart will need.
	m.mu.Lock()
	if _, busy := m.byScope[scope]; busy {
		m.mu.Unlock()
		tasksRejected.WithLabelValues("already_running").Inc()
		return nil, ErrAlreadyRunning
	}
	if err := m.limiter.Allow(limiterKey(kind)); err != nil {
		m.mu.Unlock()
		tasksRejected.WithLabelValues("rate_limited").Inc()
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	id := uuid.NewString()
	m.byScope[scope] = &running{taskID: id, cancel: cancel}
	m.progress[id] = 0
	m.mu.Unlock()

	t := &datatypes.Task{
		ID:        id,
		Kind:      kind,
		Status:    datatypes.StatusPending,
		Scope:     scope,
		StartTime: time.Now(),
	}
	if err := m.repo.Upsert(ctx, t); err != nil {
		m.release(scope, id)
		cancel()
		return nil, fmt.Errorf("record task: %w", err)
	}

	tasksStarted.WithLabelValues(string(kind)).Inc()
	slog.Info("analysis task admitted", "task_id", id, "scope", scope, "kind", kind)

	if err := m.queue.Enqueue(id, func(context.Context) error {
		return m.drive(runCtx, t, runner)
	}); err != nil {
		// Queue shut down between admission and submission: terminal-fail
		// the task rather than leave it pending forever.
		m.Fail(ctx, t, err)
		cancel()
		return nil, err
	}
	return t, nil
}

// drive executes one run and guarantees a terminal transition on exit.
func (m *Manager) drive(ctx context.Context, t *datatypes.Task, runner Runner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis run panic: %v", r)
			m.Fail(context.WithoutCancel(ctx), t, err)
		}
	}()

	if cerr := ctx.Err(); cerr != nil {
		m.markCancelled(context.WithoutCancel(ctx), t)
		return nil
	}

	t.Status = datatypes.StatusRunning
	t.Progress = 5
	m.setProgress(t.ID, 5)
	if uerr := m.repo.Upsert(ctx, t); uerr != nil {
		m.Fail(context.WithoutCancel(ctx), t, uerr)
		return uerr
	}

	result, rerr := runner(ctx, func(p int) { m.Advance(ctx, t, p) })
	base := context.WithoutCancel(ctx)
	switch {
	case rerr != nil && errors.Is(rerr, context.Canceled):
		m.markCancelled(base, t)
	case rerr != nil:
		m.Fail(base, t, rerr)
		return rerr
	case ctx.Err() != nil:
		m.markCancelled(base, t)
	default:
		if cerr := m.Complete(base, t, result); cerr != nil {
			return cerr
		}
	}
	return nil
}

// setProgress records progress without persisting, keeping the clamp floor
// in step with direct status writes.
func (m *Manager) setProgress(taskID string, p int) {
	m.mu.Lock()
	if prev, ok := m.progress[taskID]; ok && p > prev {
		m.progress[taskID] = p
	}
	m.mu.Unlock()
}

// Advance raises the task's progress. Values are clamped to
// [previous, 100] and ignored once the task is terminal.
func (m *Manager) Advance(ctx context.Context, t *datatypes.Task, progress int) {
	m.mu.Lock()
	prev, tracked := m.progress[t.ID]
	if !tracked || t.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	if progress < prev {
		progress = prev
	}
	if progress > 100 {
		progress = 100
	}
	m.progress[t.ID] = progress
	m.mu.Unlock()

	t.Progress = progress
	if err := m.repo.Upsert(ctx, t); err != nil {
		slog.Warn("progress update not persisted", "task_id", t.ID, "error", err)
	}
}

// Complete writes the snapshot through the result store and lands the task
// in completed. A persistence failure fails the task instead: the durable
// store is the authority and a result that did not reach it did not happen.
func (m *Manager) Complete(ctx context.Context, t *datatypes.Task, result *datatypes.AnalysisResult) error {
	now := time.Now()
	snap := datatypes.ScopeSnapshot{
		Scope:       t.Scope,
		CompletedAt: now,
		Categories:  result.Categories,
		Status:      datatypes.StatusCompleted,
	}
	if err := m.writer.Put(ctx, t.Scope, snap); err != nil {
		m.Fail(ctx, t, fmt.Errorf("persist snapshot: %w", err))
		return err
	}

	t.Status = datatypes.StatusCompleted
	t.Progress = 100
	t.EndTime = &now
	t.Result = result
	m.finalize(ctx, t)
	slog.Info("analysis task completed",
		"task_id", t.ID,
		"scope", t.Scope,
		"categories", len(result.Categories),
	)
	return nil
}

// Fail lands the task in failed with the error message recorded.
func (m *Manager) Fail(ctx context.Context, t *datatypes.Task, cause error) {
	now := time.Now()
	t.Status = datatypes.StatusFailed
	t.EndTime = &now
	t.Error = cause.Error()
	m.finalize(ctx, t)
	slog.Error("analysis task failed", "task_id", t.ID, "scope", t.Scope, "error", cause)
	if m.alerts != nil {
		m.alerts.Add("error", "analysis task failed",
			map[string]any{"task_id": t.ID, "scope": t.Scope, "error": cause.Error()})
	}
}

// Cancel signals the run for taskID to stop. The driving goroutine observes
// the signal at its next checkpoint and lands the task in cancelled.
// Cancelling an unknown or already-terminal task returns ErrTaskNotFound.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.byScope {
		if run.taskID == taskID {
			run.cancel()
			return nil
		}
	}
	return ErrTaskNotFound
}

// StopScope cancels every active run for scope and returns how many were
// signalled.
func (m *Manager) StopScope(scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.byScope[scope]; ok {
		run.cancel()
		return 1
	}
	return 0
}

// StopAll cancels every active run. Used on shutdown.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.byScope {
		run.cancel()
	}
	return len(m.byScope)
}

// Status returns the persisted task record.
func (m *Manager) Status(ctx context.Context, taskID string) (*datatypes.Task, error) {
	return m.repo.Get(ctx, taskID)
}

// RunningScope reports whether scope has an active run.
func (m *Manager) RunningScope(scope string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byScope[scope]
	return ok
}

// markCancelled lands the task in cancelled.
func (m *Manager) markCancelled(ctx context.Context, t *datatypes.Task) {
	now := time.Now()
	t.Status = datatypes.StatusCancelled
	t.EndTime = &now
	t.Error = cancelledByCaller
	m.finalize(ctx, t)
	slog.Info("analysis task cancelled", "task_id", t.ID, "scope", t.Scope)
}

// finalize persists the terminal state and releases the scope slot.
func (m *Manager) finalize(ctx context.Context, t *datatypes.Task) {
	if err := m.repo.Upsert(ctx, t); err != nil {
		// The in-memory record is already terminal; losing the persisted
		// update degrades restart recovery but must not wedge the scope.
		slog.Error("terminal state not persisted", "task_id", t.ID, "error", err)
	}
	m.release(t.Scope, t.ID)
	tasksFinished.WithLabelValues(string(t.Kind), string(t.Status)).Inc()
}

// release frees the scope slot if it is still held by taskID.
func (m *Manager) release(scope, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.byScope[scope]; ok && run.taskID == taskID {
		run.cancel()
		delete(m.byScope, scope)
	}
	delete(m.progress, taskID)
}

func limiterKey(kind datatypes.TaskKind) string {
	if kind == datatypes.KindAutoResourceAnalysis {
		return ratelimit.KeyAutoAnalyze
	}
	return ratelimit.KeyAnalyze
}
