package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trannm/ingest-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		overall := "healthy"
		components := gin.H{}
		for name, check := range deps.HealthChecks {
			if err := check(); err != nil {
				status = http.StatusServiceUnavailable
				overall = "degraded"
				components[name] = err.Error()
				continue
			}
			components[name] = "ok"
		}
		c.JSON(status, gin.H{
			"status":     overall,
			"service":    "ingest-api-service",
			"components": components,
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	wsHandler := handler.NewWSHandler(deps)

	// Progress stream
	r.GET("/ws", wsHandler.Serve)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a new job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List the caller's jobs
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/stats - Queue depths, counters, resources
			jobs.GET("/stats", jobHandler.GetStats)

			// GET /api/v1/jobs/:job_id - Get job status
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		// POST /api/v1/realtime/token - Mint a realtime connection token
		v1.POST("/realtime/token", jobHandler.IssueToken)
	}

	return r
}
