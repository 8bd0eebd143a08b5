package api

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"mediatask/config"
	"mediatask/task"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	taskManager *task.Manager
	cfg         *config.Config
}

func NewHandler(tm *task.Manager, cfg *config.Config) *Handler {
	return &Handler{
		taskManager: tm,
		cfg:         cfg,
	}
}

// errorStatus maps task errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrBusy),
		errors.Is(err, task.ErrNotProcessing),
		errors.Is(err, task.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, task.ErrEngineClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errorStatus(err), gin.H{"error": err.Error()})
}

func (h *Handler) entry(c *gin.Context) (*task.Entry, bool) {
	e, found := h.taskManager.Get(c.Param("taskId"))
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return nil, false
	}
	return e, true
}

// handleCreateTask accepts a task record as the request body and queues it.
func (h *Handler) handleCreateTask(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Task record required"})
		return
	}

	e, err := h.taskManager.Submit(c.Request.Context(), data)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": "Failed to create task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": e.ID, "taskDir": e.Task.TaskDir()})
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	entries := h.taskManager.List()
	views := make([]task.View, 0, len(entries))
	for _, e := range entries {
		views = append(views, e.View())
	}
	c.JSON(http.StatusOK, views)
}

// handleGetTaskStatus retrieves the status of a single task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, e.View())
}

func (h *Handler) handlePauseTask(c *gin.Context) {
	if err := h.taskManager.Pause(c.Param("taskId")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task pause requested"})
}

func (h *Handler) handleResumeTask(c *gin.Context) {
	if err := h.taskManager.Resume(c.Param("taskId")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task resumed"})
}

// handleCancelTask cancels a task.
func (h *Handler) handleCancelTask(c *gin.Context) {
	if err := h.taskManager.Cancel(c.Param("taskId")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested"})
}

func (h *Handler) handleSaveTask(c *gin.Context) {
	path, err := h.taskManager.Save(c.Param("taskId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

// handleGetRecord returns the task's persisted record as it would be saved.
func (h *Handler) handleGetRecord(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := e.Task.SaveAsJSON(&buf); err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", buf.Bytes())
}

func (h *Handler) handleGetCuts(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	sd, ok := e.Task.(*task.SceneDetect)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Task is not a scene detection task"})
		return
	}
	cuts, err := sd.CutPoints()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threshold": sd.Threshold(), "cuts": cuts})
}

// handleViewTask renders the task panel into a viewport of the requested size.
func (h *Handler) handleViewTask(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	width, err := strconv.Atoi(c.DefaultQuery("width", "80"))
	if err != nil || width <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid width"})
		return
	}
	height, err := strconv.Atoi(c.DefaultQuery("height", "24"))
	if err != nil || height <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid height"})
		return
	}

	vp := &task.Viewport{Width: width, Height: height}
	discard := e.Task.Render(vp)
	c.JSON(http.StatusOK, gin.H{
		"summary": e.Task.Summary(),
		"content": vp.Content,
		"discard": discard,
	})
}

// handleGetOutput serves a finished stabilization result.
func (h *Handler) handleGetOutput(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	v, ok := e.Task.(*task.Vidstab)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Task produces no output file"})
		return
	}
	if v.State() != task.StateDone {
		c.JSON(http.StatusConflict, gin.H{"error": "Output not ready", "state": v.State()})
		return
	}
	c.FileAttachment(v.OutputPath(), v.Name()+"_"+task.OutputFile)
}

// handleDeleteTask cancels and forgets a task, deleting its directory with
// purge=true.
func (h *Handler) handleDeleteTask(c *gin.Context) {
	purge, _ := strconv.ParseBool(c.DefaultQuery("purge", "false"))
	if err := h.taskManager.Remove(c.Request.Context(), c.Param("taskId"), purge); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task removed", "purged": purge})
}
