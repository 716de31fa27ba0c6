package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/langliu/video-downloader/internal/app"
	"github.com/langliu/video-downloader/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// VideoHandler serves stored media and link resolution
type VideoHandler struct {
	repo       domain.MediaRepository
	storage    domain.ObjectStorage
	resolveSvc *app.ResolveService
	urlExpiry  time.Duration
	logger     *zap.Logger
}

// NewVideoHandler creates a new video handler
func NewVideoHandler(
	repo domain.MediaRepository,
	storage domain.ObjectStorage,
	resolveSvc *app.ResolveService,
	urlExpiry time.Duration,
	logger *zap.Logger,
) *VideoHandler {
	return &VideoHandler{
		repo:       repo,
		storage:    storage,
		resolveSvc: resolveSvc,
		urlExpiry:  urlExpiry,
		logger:     logger,
	}
}

// ListVideos handles GET /api/v1/videos
func (h *VideoHandler) ListVideos(c *gin.Context) {
	page := queryInt(c, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(c, "pageSize", defaultPageSize)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	ctx := c.Request.Context()
	records, total, err := h.repo.ListMedia(ctx, (page-1)*pageSize, pageSize)
	if err != nil {
		respondError(c, h.logger, "Failed to list videos", err)
		return
	}

	expiresAt := time.Now().Add(h.urlExpiry)
	items := make([]*domain.MediaListItem, 0, len(records))
	for _, record := range records {
		accessURL, err := h.storage.SignedURL(ctx, record.StorageKey, h.urlExpiry)
		if err != nil {
			respondError(c, h.logger, "Failed to sign media URL", err)
			return
		}
		items = append(items, &domain.MediaListItem{
			MediaRecord: record,
			AccessURL:   accessURL,
			ExpiresAt:   expiresAt,
		})
	}

	c.JSON(http.StatusOK, domain.MediaPage{
		Items:    items,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	})
}

// ResolveRequest asks for the media behind a list of links
type ResolveRequest struct {
	Links []string `json:"links" binding:"required"`
}

// Resolve handles POST /api/v1/videos/resolve
func (h *VideoHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.resolveSvc.ResolveBatch(c.Request.Context(), req.Links)
	if err != nil {
		respondError(c, h.logger, "Failed to resolve links", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
