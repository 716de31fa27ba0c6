package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langliu/video-downloader/api/handlers"
	"github.com/langliu/video-downloader/api/middleware"
	"github.com/langliu/video-downloader/internal/app"
	"github.com/langliu/video-downloader/internal/domain"
	"github.com/langliu/video-downloader/pkg/logger"
)

// Dependencies wires the HTTP layer to the application services
type Dependencies struct {
	QueueMgr   *app.QueueManager
	BatchMgr   *app.BatchManager
	ResolveSvc *app.ResolveService
	MediaRepo  domain.MediaRepository
	Storage    domain.ObjectStorage
	URLExpiry  time.Duration

	// SignedStore serves /media links; nil unless the local storage backend is active
	SignedStore handlers.SignedObjectStore

	// LogReader serves category logs; nil when no logs directory is configured
	LogReader *logger.LogReader

	ReadinessChecks map[string]handlers.ReadinessCheck
	MultiLogger     *logger.MultiLogger
	Logger          *zap.Logger
}

// SetupRouter sets up the HTTP router
func SetupRouter(deps Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	if deps.MultiLogger != nil {
		router.Use(middleware.AccessLogger(deps.MultiLogger))
	} else {
		router.Use(middleware.Logger(deps.Logger))
	}
	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.CORS())

	// Health endpoints
	healthHandler := handlers.NewHealthHandler(deps.QueueMgr, deps.ReadinessChecks)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	if deps.SignedStore != nil {
		mediaHandler := handlers.NewMediaHandler(deps.SignedStore, deps.Logger)
		router.GET("/media/*key", mediaHandler.Serve)
		router.HEAD("/media/*key", mediaHandler.Serve)
	}

	v1 := router.Group("/api/v1")
	{
		if deps.QueueMgr != nil {
			jobHandler := handlers.NewJobHandler(deps.QueueMgr, deps.Logger)
			jobs := v1.Group("/jobs")
			{
				jobs.POST("", jobHandler.SubmitJobs)
				jobs.GET("", jobHandler.ListJobs)
				jobs.GET("/stats", jobHandler.GetStats)
				jobs.GET("/:id", jobHandler.GetJob)
				jobs.POST("/:id/retry", jobHandler.RetryJob)
			}
		}

		videoHandler := handlers.NewVideoHandler(deps.MediaRepo, deps.Storage, deps.ResolveSvc, deps.URLExpiry, deps.Logger)
		videos := v1.Group("/videos")
		{
			videos.GET("", videoHandler.ListVideos)
			videos.POST("/resolve", videoHandler.Resolve)
		}

		if deps.BatchMgr != nil {
			batchHandler := handlers.NewBatchHandler(deps.BatchMgr, deps.Logger)
			batches := v1.Group("/batches")
			{
				batches.POST("", batchHandler.CreateBatch)
				batches.GET("", batchHandler.ListBatches)
				batches.GET("/:id", batchHandler.GetBatch)
				batches.GET("/:id/events", batchHandler.Events)
				batches.POST("/:id/tasks/:taskId/retry", batchHandler.RetryTask)
				batches.DELETE("/:id", batchHandler.DeleteBatch)
			}
		}

		if deps.LogReader != nil {
			logHandler := handlers.NewLogHandler(deps.LogReader)
			logStream := handlers.NewLogWebSocketHandler(deps.LogReader, deps.Logger)
			logs := v1.Group("/logs")
			{
				logs.GET("/categories", logHandler.GetCategories)
				logs.GET("/:category", logHandler.GetLogs)
				logs.GET("/:category/search", logHandler.SearchLogs)
				logs.GET("/:category/export", logHandler.ExportLogs)
				logs.GET("/:category/stream", logStream.HandleWebSocket)
			}
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
