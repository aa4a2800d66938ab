// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/curatorhq/curator/services/analysis/datatypes"
	"github.com/curatorhq/curator/services/analysis/storage/badger"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

const taskKeyPrefix = "task/"

// Repository persists task records so orchestration state survives restarts.
//
// All writes are upserts on the task id; records are never deleted by the
// engine (retention is a collaborator concern).
type Repository interface {
	// Get returns the task by id, or ErrTaskNotFound.
	Get(ctx context.Context, id string) (*datatypes.Task, error)

	// Upsert writes the task record, replacing any previous version.
	Upsert(ctx context.Context, t *datatypes.Task) error

	// FindRunning returns the non-terminal task for a scope, or ErrTaskNotFound.
	FindRunning(ctx context.Context, scope string) (*datatypes.Task, error)

	// LatestCompleted returns the most recently completed task of a kind,
	// or ErrTaskNotFound.
	LatestCompleted(ctx context.Context, kind datatypes.TaskKind) (*datatypes.Task, error)
}

// BadgerRepository stores tasks as JSON documents in BadgerDB.
//
// The scan queries iterate the task prefix; task volume here is tens per
// day, so secondary indexes are not worth their upkeep.
type BadgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository wraps an open database.
func NewBadgerRepository(db *badger.DB) *BadgerRepository {
	return &BadgerRepository{db: db}
}

func taskKey(id string) []byte {
	return []byte(taskKeyPrefix + id)
}

// Get implements Repository.
func (r *BadgerRepository) Get(ctx context.Context, id string) (*datatypes.Task, error) {
	var t datatypes.Task
	err := r.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(taskKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// Upsert implements Repository.
func (r *BadgerRepository) Upsert(ctx context.Context, t *datatypes.Task) error {
	if strings.Contains(t.ID, "/") {
		return fmt.Errorf("invalid task id %q", t.ID)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	err = r.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set(taskKey(t.ID), raw)
	})
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// FindRunning implements Repository.
func (r *BadgerRepository) FindRunning(ctx context.Context, scope string) (*datatypes.Task, error) {
	var found *datatypes.Task
	err := r.scan(ctx, func(t *datatypes.Task) bool {
		if t.Scope == scope && !t.Status.Terminal() {
			found = t
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrTaskNotFound
	}
	return found, nil
}

// LatestCompleted implements Repository.
func (r *BadgerRepository) LatestCompleted(ctx context.Context, kind datatypes.TaskKind) (*datatypes.Task, error) {
	var latest *datatypes.Task
	err := r.scan(ctx, func(t *datatypes.Task) bool {
		if t.Kind != kind || t.Status != datatypes.StatusCompleted || t.EndTime == nil {
			return true
		}
		if latest == nil || t.EndTime.After(*latest.EndTime) {
			latest = t
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrTaskNotFound
	}
	return latest, nil
}

// scan iterates all task records; visit returns false to stop early.
func (r *BadgerRepository) scan(ctx context.Context, visit func(*datatypes.Task) bool) error {
	return r.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(taskKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var t datatypes.Task
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			})
			if err != nil {
				return fmt.Errorf("decode task record: %w", err)
			}
			if !visit(&t) {
				return nil
			}
		}
		return nil
	})
}
