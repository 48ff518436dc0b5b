package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"taskqd/internal/manager"
)

// Dependencies carries what the handlers need.
type Dependencies struct {
	Manager  *manager.Manager
	Logger   *slog.Logger
	APIToken string
}

// SetupRouter configures and returns the Gin router with all routes.
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "taskqd",
		})
	})

	h := NewHandler(deps)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(deps.APIToken))
	{
		queues := v1.Group("/queues")
		{
			queues.POST("", h.CreateQueue)
			queues.GET("", h.ListQueues)
			queues.DELETE("/:name", h.RemoveQueue)
			queues.GET("/:name/stats", h.QueueStats)

			queues.POST("/:name/jobs", h.AddJob)
			queues.GET("/:name/jobs/:job_id", h.GetJob)
			queues.DELETE("/:name/jobs/:job_id", h.RemoveJob)

			queues.POST("/:name/http-tasks", h.AddHTTPTask)

			queues.POST("/:name/workers", h.StartWorker)
			queues.POST("/:name/http-workers", h.StartHTTPWorker)
			queues.DELETE("/:name/workers", h.StopWorker)
		}

		v1.GET("/stats", h.AllStats)
		v1.GET("/system", h.SystemInfo)
		v1.POST("/webhooks/test", h.TestWebhook)
	}

	return r
}
