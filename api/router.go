package api

import (
	"net/http"

	"mediatask/config"
	"mediatask/task"

	"github.com/gin-gonic/gin"
)

func SetupRouter(tm *task.Manager, cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())
	h := NewHandler(tm, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.DELETE("/tasks/:taskId", h.handleDeleteTask)

		v1.PATCH("/tasks/:taskId/pause", h.handlePauseTask)
		v1.PATCH("/tasks/:taskId/resume", h.handleResumeTask)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)

		v1.POST("/tasks/:taskId/save", h.handleSaveTask)
		v1.GET("/tasks/:taskId/record", h.handleGetRecord)
		v1.GET("/tasks/:taskId/cuts", h.handleGetCuts)
		v1.GET("/tasks/:taskId/view", h.handleViewTask)
		v1.GET("/tasks/:taskId/output", h.handleGetOutput)
	}
	return r
}
