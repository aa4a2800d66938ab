// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/curatorhq/curator/services/analysis/handlers"
)

// SetupRoutes registers the analysis HTTP surface on router.
func SetupRoutes(router *gin.Engine, engine handlers.Engine) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		analysis := v1.Group("/analysis")
		{
			analysis.POST("", handlers.StartAnalysis(engine))
			analysis.POST("/auto", handlers.StartAutoAnalysis(engine))
			analysis.POST("/source", handlers.StartSourceAnalysis(engine))
			analysis.POST("/stop", handlers.StopAnalysis(engine))
			analysis.GET("/output", handlers.GetOutput(engine))
			analysis.GET("/results/:scope", handlers.GetResult(engine))

			tasks := analysis.Group("/tasks")
			{
				tasks.GET("/:taskId", handlers.GetTaskStatus(engine))
				tasks.POST("/:taskId/stop", handlers.StopTask(engine))
			}
		}
		v1.GET("/monitoring/status", handlers.GetMonitoringStatus(engine))
		v1.GET("/alerts", handlers.ListAlerts(engine))
	}
}
