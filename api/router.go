package api

import (
	"github.com/gin-gonic/gin"

	"restorapi/config"
)

func SetupRouter(cfg *config.Config, svc Services) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = 32 << 20
	h := NewHandler(cfg, svc)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	auth := AuthMiddleware(cfg)

	v1 := r.Group("/api/v1")
	v1.Use(auth)
	{
		// Jobs
		v1.POST("/jobs", h.handleSubmitJob)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.POST("/preview", h.handlePreview)

		// Models
		v1.GET("/models", h.handleListModels)
		v1.POST("/models/unload", h.handleUnloadModels)
		v1.GET("/models/strategy", h.handleLoadingStrategy)

		// Result cache
		v1.GET("/cache", h.handleCacheStatus)
		v1.POST("/cache/clear", h.handleClearCache)
		v1.POST("/cache/confirm-download", h.handleConfirmDownload)
		v1.POST("/cache/heartbeat", h.handleHeartbeat)
	}

	r.GET("/results/*path", auth, h.handleGetResult)
	r.GET("/ws/stream", auth, h.handleLiveStream)
	return r
}
