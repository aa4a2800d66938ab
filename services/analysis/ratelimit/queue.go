// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("task queue closed")

// DefaultConcurrency is the queue's default worker count.
const DefaultConcurrency = 3

// Job is one unit of queued work. The job owns its error reporting: queue
// execution errors are recorded here for polling, and the job body is
// expected to land its task in a terminal state itself.
type Job func(ctx context.Context) error

// JobState is the queue-side status of an enqueued job.
type JobState struct {
	ID   string
	Done bool
	Err  error
}

// Queue is a bounded-concurrency FIFO worker pool.
//
// # Description
//
// Admitted jobs are buffered on a channel and executed by a fixed set of
// workers in submission order. A job is never silently dropped: every
// enqueued id resolves to a JobState, and execution errors are retained
// until queried.
//
// # Thread Safety
//
// Safe for concurrent use.
type Queue struct {
	jobs chan queued

	mu     sync.Mutex
	states map[string]JobState

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

type queued struct {
	id  string
	job Job
}

// NewQueue starts a queue with the given worker count (DefaultConcurrency if
// non-positive). Workers run until Stop or ctx cancellation.
func NewQueue(ctx context.Context, workers int) *Queue {
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	q := &Queue{
		jobs:   make(chan queued, 64),
		states: make(map[string]JobState),
		done:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	return q
}

// Enqueue submits a job under the given id and returns immediately.
func (q *Queue) Enqueue(id string, job Job) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	q.mu.Lock()
	q.states[id] = JobState{ID: id}
	q.mu.Unlock()

	select {
	case q.jobs <- queued{id: id, job: job}:
		return nil
	case <-q.done:
		q.mu.Lock()
		delete(q.states, id)
		q.mu.Unlock()
		return ErrQueueClosed
	}
}

// State returns the queue-side state for a job id.
func (q *Queue) State(id string) (JobState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.states[id]
	return state, ok
}

// Stop prevents new submissions and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, n int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			// Drain what is already queued before exiting so admitted
			// jobs are never dropped.
			for {
				select {
				case item := <-q.jobs:
					q.run(ctx, item)
				default:
					return
				}
			}
		case item := <-q.jobs:
			q.run(ctx, item)
		}
	}
}

func (q *Queue) run(ctx context.Context, item queued) {
	defer func() {
		if r := recover(); r != nil {
			q.finish(item.id, fmt.Errorf("job panic: %v", r))
			slog.Error("queued job panicked", "job_id", item.id, "panic", r)
		}
	}()

	slog.Debug("running queued job", "job_id", item.id)
	err := item.job(ctx)
	q.finish(item.id, err)
	if err != nil {
		slog.Warn("queued job failed", "job_id", item.id, "error", err)
	}
}

func (q *Queue) finish(id string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if state, ok := q.states[id]; ok {
		state.Done = true
		state.Err = err
		q.states[id] = state
	}
}
