package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/langliu/video-downloader/internal/app"
	"github.com/langliu/video-downloader/internal/domain"
	"go.uber.org/zap"
)

// JobHandler handles queue job HTTP requests
type JobHandler struct {
	queueMgr *app.QueueManager
	logger   *zap.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(queueMgr *app.QueueManager, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		queueMgr: queueMgr,
		logger:   logger,
	}
}

// SubmitJobsRequest represents a batch submission
type SubmitJobsRequest struct {
	URLs []string `json:"urls" binding:"required"`
}

// SubmitJobsResponse acknowledges a batch submission
type SubmitJobsResponse struct {
	Accepted int                `json:"accepted"`
	Jobs     []*domain.QueueJob `json:"jobs"`
}

// SubmitJobs handles POST /api/v1/jobs
func (h *JobHandler) SubmitJobs(c *gin.Context) {
	var req SubmitJobsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobs, err := h.queueMgr.SubmitBatch(c.Request.Context(), req.URLs)
	if err != nil {
		respondError(c, h.logger, "Failed to submit jobs", err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitJobsResponse{Accepted: len(jobs), Jobs: jobs})
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	filter := domain.JobFilter{}

	if status := c.Query("status"); status != "" {
		switch s := domain.JobStatus(status); s {
		case domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted, domain.JobStatusFailed:
			filter.Status = s
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		filter.Limit = limit
	}

	jobs, err := h.queueMgr.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, "Failed to list jobs", err)
		return
	}

	c.JSON(http.StatusOK, jobs)
}

// GetStats handles GET /api/v1/jobs/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	stats, err := h.queueMgr.GetStats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to get stats", err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetJob handles GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.queueMgr.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// RetryJob handles POST /api/v1/jobs/:id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	id := c.Param("id")

	job, err := h.queueMgr.RetryJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "Failed to retry job", err)
		return
	}

	c.JSON(http.StatusAccepted, job)
}
