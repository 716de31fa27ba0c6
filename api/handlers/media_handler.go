package handlers

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// SignedObjectStore verifies signed links and opens the objects behind them
type SignedObjectStore interface {
	Verify(key, expires, signature string, now time.Time) error
	Open(key string) (afero.File, error)
}

// MediaHandler serves objects kept by the local storage backend
type MediaHandler struct {
	store  SignedObjectStore
	logger *zap.Logger
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(store SignedObjectStore, logger *zap.Logger) *MediaHandler {
	return &MediaHandler{store: store, logger: logger}
}

// Serve handles GET /media/*key
func (h *MediaHandler) Serve(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")

	if err := h.store.Verify(key, c.Query("expires"), c.Query("signature"), time.Now()); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	file, err := h.store.Open(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "media not found"})
			return
		}
		h.logger.Error("Failed to open media", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open media"})
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open media"})
		return
	}

	if contentType := mime.TypeByExtension(path.Ext(key)); contentType != "" {
		c.Header("Content-Type", contentType)
	}
	http.ServeContent(c.Writer, c.Request, path.Base(key), info.ModTime(), file)
}
