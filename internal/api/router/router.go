package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/analysis-pipeline/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(CorrelationMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	opsHandler := handler.NewOpsHandler(deps)
	jobHandler := handler.NewJobHandler(deps)
	adminHandler := handler.NewAdminHandler(deps)

	r.GET("/health", opsHandler.Health)
	r.GET("/metrics", opsHandler.Metrics)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs/counts - Primary queue counts
			jobs.GET("/counts", jobHandler.GetJobCounts)

			// GET /api/v1/jobs/events - Live updates for every job
			jobs.GET("/events", jobHandler.StreamAll)

			// GET /api/v1/jobs/history - Most recent executions
			jobs.GET("/history", jobHandler.GetRecentHistory)

			// GET /api/v1/jobs/summary - Windowed success and duration summary
			jobs.GET("/summary", jobHandler.GetSummary)

			// GET /api/v1/jobs/:job_id - Execution record of one job
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		projects := v1.Group("/projects/:project_id/jobs")
		{
			projects.GET("/events", jobHandler.StreamProject)
			projects.GET("/history", jobHandler.GetProjectHistory)
		}

		admin := v1.Group("/admin")
		{
			// POST /api/v1/admin/jobs/:job_id/requeue - Retry a failed or dead-lettered job
			admin.POST("/jobs/:job_id/requeue", adminHandler.Requeue)

			admin.GET("/dead-letters", adminHandler.ListDeadLetters)
		}
	}

	return r
}

// SetupOpsRouter serves health and metrics for processes without a public API
func SetupOpsRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CorrelationMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))

	opsHandler := handler.NewOpsHandler(deps)
	r.GET("/health", opsHandler.Health)
	r.GET("/metrics", opsHandler.Metrics)

	return r
}
