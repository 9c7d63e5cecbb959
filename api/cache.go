package api

import (
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"restorapi/results"
)

type confirmDownloadRequest struct {
	ResultPath string `json:"resultPath" binding:"required"`
}

type heartbeatRequest struct {
	TaskID string `json:"taskId" binding:"required"`
}

type unloadModelsRequest struct {
	Keys []string `json:"keys"`
}

type clearCacheRequest struct {
	FileTypes []results.FileType `json:"fileTypes"`
}

// resultKey accepts a store path or a download URL path and returns the store path.
func resultKey(p string) string {
	if i := strings.Index(p, resultsPrefix); i >= 0 {
		p = p[i+len(resultsPrefix):]
	}
	return p
}

func (h *Handler) handleConfirmDownload(c *gin.Context) {
	var req confirmDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.Tracker.ConfirmDownload(resultKey(req.ResultPath))
	if errors.Is(err, results.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Result path not found in tracker."})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Download confirmed."})
}

// handleHeartbeat keeps a viewed result alive. An unknown task is acknowledged,
// since the client may already have downloaded or cleared it.
func (h *Handler) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.Tracker.Heartbeat(req.TaskID) {
		c.JSON(http.StatusOK, gin.H{"status": "heartbeat_received"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "task_not_found_ok"})
}

func (h *Handler) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.Models.Status()})
}

// handleUnloadModels unloads the given models, or every loaded one when the
// list is empty. Models in use are skipped.
func (h *Handler) handleUnloadModels(c *gin.Context) {
	var req unloadModelsRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if len(req.Keys) == 0 {
		log.Println("Received request to unload all models.")
	} else {
		log.Printf("Attempting to unload specific models: %v", req.Keys)
	}
	res := h.Models.Unload(req.Keys)
	if res.Unloaded == nil {
		res.Unloaded = []string{}
	}
	if res.Skipped == nil {
		res.Skipped = []string{}
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleLoadingStrategy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"loadAllOnStartup": h.Models.Eager()})
}

func (h *Handler) handleCacheStatus(c *gin.Context) {
	usage, err := h.Sweeper.Usage()
	if err != nil {
		log.Printf("Error getting cache status: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to calculate cache size."})
		return
	}

	toMB := func(b int64) float64 {
		return math.Round(float64(b)/(1024*1024)*100) / 100
	}
	c.JSON(http.StatusOK, gin.H{
		"bytesByFileType": usage.BytesByFileType,
		"imageCacheMb":    toMB(usage.BytesByFileType[results.Image]),
		"videoCacheMb":    toMB(usage.BytesByFileType[results.Video]),
		"freeDiskBytes":   usage.FreeDiskBytes,
		"trackedFiles":    len(h.Tracker.Records()),
	})
}

// handleClearCache deletes every unprotected file of the requested types.
func (h *Handler) handleClearCache(c *gin.Context) {
	var req clearCacheRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	for _, ft := range req.FileTypes {
		if !ft.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported fileType %q", ft)})
			return
		}
	}

	res, err := h.Sweeper.Sweep(c.Request.Context(), req.FileTypes)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to clear cache: %v", err)})
		return
	}
	c.JSON(http.StatusOK, res)
}
