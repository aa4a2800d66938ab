// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers holds the Gin HTTP handlers for the analysis engine.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/curatorhq/curator/services/analysis/alerts"
	"github.com/curatorhq/curator/services/analysis/datatypes"
	"github.com/curatorhq/curator/services/analysis/monitor"
	"github.com/curatorhq/curator/services/analysis/ratelimit"
	"github.com/curatorhq/curator/services/analysis/store"
	"github.com/curatorhq/curator/services/analysis/task"
)

// Engine is the slice of the analysis engine the HTTP surface consumes.
type Engine interface {
	StartAnalysis(ctx context.Context, dir string) (*datatypes.Task, error)
	StartAuto(ctx context.Context) (*datatypes.Task, error)
	StartSourceAnalysis(ctx context.Context, sourceType string, limit int) (*datatypes.Task, error)
	TaskStatus(ctx context.Context, taskID string) (*datatypes.Task, error)
	CancelTask(taskID string) error
	StopScope(scope string) int
	StopAll() int
	LatestResult(ctx context.Context, scope string) (*datatypes.ScopeSnapshot, error)
	Output(ctx context.Context) (*datatypes.ScopeSnapshot, bool, error)
	MonitorStatus() monitor.Status
	RecentAlerts(n int) []alerts.Alert
}

type startAnalysisRequest struct {
	Directory string `json:"directory" binding:"required"`
}

type stopAnalysisRequest struct {
	Scope string `json:"scope" binding:"required"`
}

type sourceAnalysisRequest struct {
	SourceType string `json:"source_type" binding:"required"`
	Limit      int    `json:"limit"`
}

// StartAnalysis launches an ad hoc analysis of one directory.
func StartAnalysis(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startAnalysisRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "directory is required"})
			return
		}

		t, err := engine.StartAnalysis(c.Request.Context(), req.Directory)
		if err != nil {
			respondStartError(c, err)
			return
		}
		slog.Info("analysis started", "taskId", t.ID, "scope", t.Scope)
		c.JSON(http.StatusAccepted, gin.H{"task_id": t.ID, "status": t.Status})
	}
}

// StartAutoAnalysis launches the autonomous full scan.
func StartAutoAnalysis(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := engine.StartAuto(c.Request.Context())
		if err != nil {
			respondStartError(c, err)
			return
		}
		slog.Info("autonomous analysis started", "taskId", t.ID)
		c.JSON(http.StatusAccepted, gin.H{"task_id": t.ID, "status": t.Status})
	}
}

// StartSourceAnalysis launches a per-source-type analysis over the latest
// autonomous result.
func StartSourceAnalysis(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sourceAnalysisRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source_type is required"})
			return
		}

		t, err := engine.StartSourceAnalysis(c.Request.Context(), req.SourceType, req.Limit)
		if err != nil {
			respondStartError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": t.ID, "status": t.Status})
	}
}

// GetTaskStatus returns the stored state of one task.
func GetTaskStatus(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("taskId")

		t, err := engine.TaskStatus(c.Request.Context(), taskID)
		if err != nil {
			if errors.Is(err, task.ErrTaskNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
				return
			}
			slog.Error("failed to load task", "taskId", taskID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// StopTask cancels one running task.
func StopTask(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("taskId")

		if err := engine.CancelTask(taskID); err != nil {
			if errors.Is(err, task.ErrTaskNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "task not found or not running"})
				return
			}
			slog.Error("failed to cancel task", "taskId", taskID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel task"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "stopping", "task_id": taskID})
	}
}

// StopAnalysis cancels the running task for a scope, or every running task
// when no scope is given.
func StopAnalysis(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stopAnalysisRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Scope == "" {
			stopped := engine.StopAll()
			c.JSON(http.StatusOK, gin.H{"stopped_count": stopped})
			return
		}

		stopped := engine.StopScope(req.Scope)
		c.JSON(http.StatusOK, gin.H{"stopped_count": stopped, "scope": req.Scope})
	}
}

// GetOutput returns the latest autonomous result, kicking off a run when it
// is stale or missing.
func GetOutput(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, started, err := engine.Output(c.Request.Context())
		if err == nil {
			c.JSON(http.StatusOK, snap)
			return
		}
		if errors.Is(err, store.ErrNotAvailable) {
			c.JSON(http.StatusAccepted, gin.H{
				"status":  "not_available",
				"started": started,
			})
			return
		}
		slog.Error("failed to load autonomous result", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
	}
}

// GetResult returns the freshest stored snapshot for a scope.
func GetResult(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := c.Param("scope")

		snap, err := engine.LatestResult(c.Request.Context(), scope)
		if err != nil {
			if errors.Is(err, store.ErrNotAvailable) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no result available", "scope": scope})
				return
			}
			slog.Error("failed to load result", "scope", scope, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// GetMonitoringStatus reports the directory monitor state.
func GetMonitoringStatus(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, engine.MonitorStatus())
	}
}

// ListAlerts lists recent operator alerts, newest first.
func ListAlerts(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		c.JSON(http.StatusOK, gin.H{"alerts": engine.RecentAlerts(n)})
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondStartError maps admission errors onto HTTP status codes.
func respondStartError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "analysis already running"})
	case errors.Is(err, ratelimit.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	case errors.Is(err, store.ErrNotAvailable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, datatypes.ErrInvalidPath):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("failed to start analysis", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start analysis"})
	}
}
