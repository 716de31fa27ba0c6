package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/langliu/video-downloader/internal/app"
	"go.uber.org/zap"
)

// BatchHandler drives client-path batch sessions
type BatchHandler struct {
	batchMgr *app.BatchManager
	logger   *zap.Logger
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(batchMgr *app.BatchManager, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{batchMgr: batchMgr, logger: logger}
}

// CreateBatchRequest starts a batch from source links
type CreateBatchRequest struct {
	Links  []string `json:"links" binding:"required"`
	Folder string   `json:"folder,omitempty"`
}

// CreateBatch handles POST /api/v1/batches
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, result, err := h.batchMgr.StartBatch(c.Request.Context(), req.Links, req.Folder)
	if err != nil {
		if result != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "resolve": result})
			return
		}
		respondError(c, h.logger, "Failed to start batch", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session": session.Snapshot(),
		"resolve": result,
	})
}

// ListBatches handles GET /api/v1/batches
func (h *BatchHandler) ListBatches(c *gin.Context) {
	c.JSON(http.StatusOK, h.batchMgr.List())
}

// GetBatch handles GET /api/v1/batches/:id
func (h *BatchHandler) GetBatch(c *gin.Context) {
	session, err := h.batchMgr.Get(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get batch", err)
		return
	}

	c.JSON(http.StatusOK, session.Snapshot())
}

// RetryTask handles POST /api/v1/batches/:id/tasks/:taskId/retry
func (h *BatchHandler) RetryTask(c *gin.Context) {
	if err := h.batchMgr.Retry(c.Param("id"), c.Param("taskId")); err != nil {
		respondError(c, h.logger, "Failed to retry task", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "task queued for retry"})
}

// DeleteBatch handles DELETE /api/v1/batches/:id
func (h *BatchHandler) DeleteBatch(c *gin.Context) {
	if err := h.batchMgr.Remove(c.Param("id")); err != nil {
		respondError(c, h.logger, "Failed to remove batch", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "batch removed"})
}

// Events handles GET /api/v1/batches/:id/events, streaming snapshots over a
// WebSocket until the batch settles or the client goes away.
func (h *BatchHandler) Events(c *gin.Context) {
	session, err := h.batchMgr.Get(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get batch", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	updates, cancel := session.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case snapshot, ok := <-updates:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch finished"))
				return
			}
			if err := conn.WriteJSON(snapshot); err != nil {
				h.logger.Debug("Failed to send snapshot", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
