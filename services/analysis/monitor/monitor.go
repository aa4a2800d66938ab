// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package monitor watches resource roots for changes and triggers automatic
// re-analysis when the classifiable file population actually changes.
package monitor

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/curatorhq/curator/services/analysis/datatypes"
)

var (
	eventsSeen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "monitor",
		Name:      "events_total",
		Help:      "Filesystem events observed on watched roots.",
	})
	triggersFired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "monitor",
		Name:      "triggers_total",
		Help:      "Automatic analysis triggers fired after debounce and cooldown.",
	})
	triggersSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Subsystem: "monitor",
		Name:      "triggers_suppressed_total",
		Help:      "Per-root evaluations that did not contribute a trigger.",
	}, []string{"reason"})
)

const (
	// DefaultDebounce is how long to wait for the filesystem to settle
	// before re-counting.
	DefaultDebounce = 2 * time.Second

	// DefaultCooldown is the minimum spacing between automatic triggers.
	DefaultCooldown = 5 * time.Minute

	eventBufferSize = 1000
)

var ignoredDirs = []string{".git", "node_modules", ".idea", "__pycache__"}

// Counter reports how many classifiable files live under a root.
type Counter interface {
	Count(ctx context.Context, root string) (int, error)
}

// TriggerFunc starts an automatic analysis run. It must not block.
type TriggerFunc func(ctx context.Context)

// Status is a point-in-time view of the monitor, one entry per root.
// LastTriggered is the newest per-root trigger time.
type Status struct {
	Running       bool           `json:"running"`
	Roots         []RootStatus   `json:"roots"`
	LastTriggered *time.Time     `json:"lastTriggered,omitempty"`
	Settings      StatusSettings `json:"settings"`
}

// RootStatus describes one watched root.
type RootStatus struct {
	Root          string     `json:"root"`
	FileCount     int        `json:"fileCount"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
}

// StatusSettings echoes the active debounce and cooldown windows.
type StatusSettings struct {
	DebounceSeconds float64 `json:"debounceSeconds"`
	CooldownSeconds float64 `json:"cooldownSeconds"`
}

// Options configures a Monitor.
type Options struct {
	// Debounce is how long to wait for more events before re-counting.
	// Default: DefaultDebounce.
	Debounce time.Duration

	// Cooldown is the minimum time between fired triggers.
	// Default: DefaultCooldown.
	Cooldown time.Duration
}

// Monitor watches a set of roots and fires trigger when the classifiable
// file count changes.
//
// # Description
//
// Events are collected into a buffer. When the debounce window expires
// without new events, the monitor re-counts classifiable files per root. A
// trigger fires when any root's count differs from its last known count and
// that root's cooldown since its previous trigger has elapsed. Roots are
// tracked independently; one combined trigger fires per batch.
//
// # Thread Safety
//
// Safe for concurrent use. The trigger is called from a single goroutine.
type Monitor struct {
	roots    []string
	counter  Counter
	trigger  TriggerFunc
	debounce time.Duration
	cooldown time.Duration

	watcher *fsnotify.Watcher

	events   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu            sync.RWMutex
	running       bool
	counts        map[string]int
	lastTriggered map[string]time.Time

	now func() time.Time
}

// New creates a monitor for the given roots. Call Start to begin watching.
func New(roots []string, counter Counter, trigger TriggerFunc, opts *Options) (*Monitor, error) {
	debounce := DefaultDebounce
	cooldown := DefaultCooldown
	if opts != nil {
		if opts.Debounce > 0 {
			debounce = opts.Debounce
		}
		if opts.Cooldown > 0 {
			cooldown = opts.Cooldown
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Monitor{
		roots:         roots,
		counter:       counter,
		trigger:       trigger,
		debounce:      debounce,
		cooldown:      cooldown,
		watcher:       watcher,
		events:        make(chan struct{}, eventBufferSize),
		done:          make(chan struct{}),
		counts:        make(map[string]int),
		lastTriggered: make(map[string]time.Time),
		now:           time.Now,
	}, nil
}

// Start begins watching. It records the baseline file counts so that the
// first debounced batch compares against the state at startup, then spawns
// the event processor and the debounce loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	for _, root := range m.roots {
		if err := m.addRecursive(root); err != nil {
			slog.Warn("monitor could not watch root", "root", root, "error", err)
		}
	}
	m.recount(ctx)

	go m.processEvents(ctx)
	go m.debounceLoop(ctx)

	return nil
}

// Stop stops the monitor. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.watcher.Close()

		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	})
}

// Status returns the current monitor state.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		Running: m.running,
		Settings: StatusSettings{
			DebounceSeconds: m.debounce.Seconds(),
			CooldownSeconds: m.cooldown.Seconds(),
		},
	}
	for _, root := range m.roots {
		rs := RootStatus{Root: root, FileCount: m.counts[root]}
		if at, ok := m.lastTriggered[root]; ok {
			t := at
			rs.LastTriggered = &t
		}
		st.Roots = append(st.Roots, rs)
		if rs.LastTriggered != nil && (st.LastTriggered == nil || rs.LastTriggered.After(*st.LastTriggered)) {
			st.LastTriggered = rs.LastTriggered
		}
	}
	return st
}

func (m *Monitor) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if shouldIgnore(path) {
			return filepath.SkipDir
		}
		return m.watcher.Add(path)
	})
}

func shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, name := range ignoredDirs {
		if base == name {
			return true
		}
		if strings.Contains(path, string(filepath.Separator)+name+string(filepath.Separator)) {
			return true
		}
	}
	return strings.HasPrefix(base, ".") && base != "."
}

// processEvents filters fsnotify events down to ones that can change the
// classifiable file population and signals the debouncer.
func (m *Monitor) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if shouldIgnore(event.Name) {
				continue
			}

			// New directories need to join the watch set regardless of
			// whether they hold classifiable files yet.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = m.addRecursive(event.Name)
				}
			}

			if !relevant(event) {
				continue
			}
			eventsSeen.Inc()

			select {
			case m.events <- struct{}{}:
			default:
				// Buffer full; the pending signal already guarantees a
				// recount, so dropping is harmless.
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("monitor watch error", "error", err)
		}
	}
}

// relevant reports whether an event can change the file count. Directory
// creations count because their contents arrive unwatched.
func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
		return false
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return true
		}
	}
	return datatypes.Classifiable(event.Name)
}

// debounceLoop batches event signals and evaluates a trigger after the
// debounce window expires.
func (m *Monitor) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-m.events:
			if timer == nil {
				timer = time.NewTimer(m.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			m.evaluate(ctx)
		}
	}
}

// evaluate re-counts each root and fires the trigger when any root's count
// changed and that root's cooldown has elapsed.
//
// A root inside its cooldown is not re-counted at all: its baseline stays at
// the count of the last fired trigger, so a change landing during the
// cooldown still fires on the first evaluation after the cooldown expires.
func (m *Monitor) evaluate(ctx context.Context) {
	now := m.now()
	fire := false

	for _, root := range m.roots {
		m.mu.RLock()
		previous := m.counts[root]
		last, triggered := m.lastTriggered[root]
		m.mu.RUnlock()

		if triggered && now.Sub(last) < m.cooldown {
			triggersSuppressed.WithLabelValues("cooldown").Inc()
			slog.Debug("monitor: root in cooldown", "root", root)
			continue
		}

		current, err := m.counter.Count(ctx, root)
		if err != nil {
			slog.Warn("monitor count failed", "root", root, "error", err)
			continue
		}
		if current == previous {
			triggersSuppressed.WithLabelValues("unchanged").Inc()
			continue
		}

		m.mu.Lock()
		m.counts[root] = current
		m.lastTriggered[root] = now
		m.mu.Unlock()

		slog.Info("monitor: file count changed",
			"root", root, "previous", previous, "current", current)
		fire = true
	}

	if fire {
		triggersFired.Inc()
		m.trigger(ctx)
	}
}

func (m *Monitor) recount(ctx context.Context) {
	counts := make(map[string]int, len(m.roots))
	for _, root := range m.roots {
		n, err := m.counter.Count(ctx, root)
		if err != nil {
			slog.Warn("monitor count failed", "root", root, "error", err)
			m.mu.RLock()
			n = m.counts[root]
			m.mu.RUnlock()
		}
		counts[root] = n
	}

	m.mu.Lock()
	m.counts = counts
	m.mu.Unlock()
}
