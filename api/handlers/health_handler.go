package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/langliu/video-downloader/internal/app"
)

// Version is reported by the health endpoint
var Version = "dev"

// ReadinessCheck probes one dependency
type ReadinessCheck func(ctx context.Context) error

// HealthHandler handles health check requests
type HealthHandler struct {
	queueMgr *app.QueueManager
	checks   map[string]ReadinessCheck
}

// NewHealthHandler creates a new health handler. queueMgr may be nil when
// the server runs without consumers.
func NewHealthHandler(queueMgr *app.QueueManager, checks map[string]ReadinessCheck) *HealthHandler {
	return &HealthHandler{
		queueMgr: queueMgr,
		checks:   checks,
	}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Queue   struct {
		Running bool `json:"running"`
	} `json:"queue"`
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:  "ok",
		Version: Version,
	}
	if h.queueMgr != nil {
		response.Queue.Running = h.queueMgr.IsRunning()
	}

	c.JSON(http.StatusOK, response)
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.queueMgr != nil && !h.queueMgr.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "queue manager not running",
		})
		return
	}

	failures := make(map[string]string)
	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
		cancel()
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"checks": failures,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
