package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"restorapi/config"
	"restorapi/model"
	"restorapi/restore"
	"restorapi/results"
	"restorapi/storage"
	"restorapi/task"
)

const resultsPrefix = "/results/"

// Services are the components the HTTP layer exposes.
type Services struct {
	Tasks   *task.Manager
	Models  *model.Cache
	Tracker *results.Tracker
	Sweeper *results.Sweeper
	Store   *storage.Store
	Stream  FrameRestorer
}

// FrameRestorer restores single frames for the live stream.
type FrameRestorer interface {
	RestoreDataURL(ctx context.Context, inst model.Instance, dataURL string) (string, error)
}

type Handler struct {
	Services
	cfg          *config.Config
	defaultModel string
	upgrader     websocket.Upgrader
}

func NewHandler(cfg *config.Config, svc Services) *Handler {
	h := &Handler{
		Services: svc,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Frames come from browser pages on other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if keys := cfg.ModelKeys(); len(keys) > 0 {
		h.defaultModel = keys[0]
		if _, ok := cfg.Models["denoise_b"]; ok {
			h.defaultModel = "denoise_b"
		}
	}
	return h
}

// handleSubmitJob accepts a multipart upload and queues a restoration job.
func (h *Handler) handleSubmitJob(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A file is required"})
		return
	}

	fileType := results.FileType(c.DefaultPostForm("fileType", string(results.Image)))
	if !fileType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported fileType %q", fileType)})
		return
	}
	if h.cfg.MaxInputSize > 0 && fileHeader.Size > h.cfg.MaxInputSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("File exceeds limit of %d bytes", h.cfg.MaxInputSize)})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read uploaded file"})
		return
	}
	defer f.Close()

	t, err := h.Tasks.Submit(task.JobRequest{
		FileType: fileType,
		ModelKey: c.DefaultPostForm("modelKey", h.defaultModel),
		TaskType: c.DefaultPostForm("taskType", "denoise"),
		Filename: fileHeader.Filename,
		Input:    f,
	})
	switch {
	case errors.Is(err, task.ErrInvalidJob):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, task.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID, "message": "Processing task started."})
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	tasks := h.Tasks.List()
	for i := range tasks {
		h.buildDownloadURL(c, &tasks[i])
	}
	c.JSON(http.StatusOK, tasks)
}

// buildDownloadURL constructs the full URL for a completed task's file.
func (h *Handler) buildDownloadURL(c *gin.Context, t *task.Task) {
	if t.Status != task.StatusCompleted || t.ResultPath == "" {
		return
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	t.DownloadURL = baseURL + resultsPrefix + t.ResultPath
}

// handleGetTaskStatus retrieves the status of a single task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	t, err := h.Tasks.Get(c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	h.buildDownloadURL(c, &t)
	c.JSON(http.StatusOK, t)
}

// handleGetResult serves a stored upload or result file.
func (h *Handler) handleGetResult(c *gin.Context) {
	p := storage.Clean(c.Param("path"))
	root, _, _ := strings.Cut(p, "/")
	if root != results.Image.Root() && root != results.Video.Root() {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	f, err := h.Store.Open(p)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(p)))
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

// handlePreview returns a downscaled JPEG of an uploaded image.
func (h *Handler) handlePreview(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A file is required"})
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read uploaded file"})
		return
	}
	defer f.Close()

	img, err := restore.Decode(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := restore.Preview(img)
	if err != nil {
		log.Printf("Could not generate preview: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not generate preview from file."})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}
