package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/langliu/video-downloader/internal/domain"
	"go.uber.org/zap"
)

// respondError maps domain errors onto HTTP status codes
func respondError(c *gin.Context, log *zap.Logger, msg string, err error) {
	var inputErr *domain.InputError
	switch {
	case errors.As(err, &inputErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrJobNotRetryable),
		errors.Is(err, domain.ErrTaskNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error(msg, zap.Error(err))
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
