package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/langliu/video-downloader/api"
	"github.com/langliu/video-downloader/api/handlers"
	"github.com/langliu/video-downloader/internal/app"
	"github.com/langliu/video-downloader/internal/domain"
	"github.com/langliu/video-downloader/internal/infrastructure"
	"github.com/langliu/video-downloader/pkg/logger"
)

var (
	version    = "dev"
	configPath = flag.String("config", "", "Path to config file (defaults to ./configs, $HOME/.video-downloader, /etc/video-downloader)")
)

func main() {
	flag.Parse()
	handlers.Version = version

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config, err := app.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Category log files are optional; without them every category goes to the main logger
	var multiLog *logger.MultiLogger
	var logReader *logger.LogReader
	if config.Logging.LogsDir != "" {
		multiLog, err = logger.NewMultiLogger(logger.MultiLoggerConfig{
			Level:   config.Logging.Level,
			LogsDir: config.Logging.LogsDir,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize category logs: %w", err)
		}
		logReader = logger.NewLogReader(afero.NewOsFs(), config.Logging.LogsDir)
	} else {
		multiLog = logger.NewMultiLoggerFrom(log)
	}
	defer multiLog.Close()

	log.Info("Starting video downloader server",
		zap.String("version", version),
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port),
		zap.String("database", config.Database.Driver),
		zap.String("queue_backend", config.Queue.Backend),
		zap.String("storage_backend", config.Storage.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := infrastructure.OpenRepository(config.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()

	checks := map[string]handlers.ReadinessCheck{
		"database": repo.Ping,
	}

	osFs := afero.NewOsFs()

	var storage domain.ObjectStorage
	var signedStore handlers.SignedObjectStore
	switch config.Storage.Backend {
	case "s3":
		s3Storage, err := infrastructure.NewS3Storage(ctx, &config.Storage.S3)
		if err != nil {
			return fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		storage = s3Storage
		checks["storage"] = s3Storage.Ping
	default:
		localStorage, err := infrastructure.NewLocalStorage(osFs,
			config.Storage.Local.BaseDir,
			config.Server.PublicURL,
			config.Storage.Local.SigningSecret)
		if err != nil {
			return fmt.Errorf("failed to initialize local storage: %w", err)
		}
		if config.Storage.Local.SigningSecret == "" {
			log.Warn("No signing secret configured, media links will not survive a restart")
		}
		storage = localStorage
		signedStore = localStorage
	}

	resolver := infrastructure.NewParserClient(&config.Resolver, log.Named("resolver"))
	fetcher := infrastructure.NewHTTPFetcher(osFs,
		filepath.Join(os.TempDir(), "video-downloader"),
		config.Download.UserAgent,
		log.Named("fetcher"))

	processor := app.NewJobProcessor(repo, resolver, fetcher, storage, app.JobProcessorConfig{
		RemoteFetchTimeout: config.Queue.RemoteFetchTimeout,
		StoreTimeout:       config.Queue.StoreTimeout,
		KeyPrefix:          config.Storage.KeyPrefix,
	}, log.Named("processor"))

	var broker domain.JobBroker
	switch config.Queue.Backend {
	case "asynq":
		asynqBroker := infrastructure.NewAsynqBroker(repo, infrastructure.AsynqBrokerConfig{
			Redis:              config.Redis,
			Queue:              config.Queue.Name,
			Workers:            config.Queue.Workers,
			CompletedRetention: config.Queue.CompletedRetention,
			Policy:             config.Queue.RetryPolicy(),
		}, log.Named("broker"))
		defer asynqBroker.Close()
		broker = asynqBroker
		checks["redis"] = asynqBroker.Ping
	default:
		broker = infrastructure.NewDatabaseBroker(repo, infrastructure.DatabaseBrokerConfig{
			Workers:           config.Queue.Workers,
			PollInterval:      config.Queue.PollInterval,
			HeartbeatInterval: config.Queue.HeartbeatInterval,
			StallInterval:     config.Queue.StallInterval,
			Policy:            config.Queue.RetryPolicy(),
		}, log.Named("broker"))
	}

	var notifier domain.Notifier
	if config.Notification.Enabled {
		notifier = infrastructure.NewNotificationService(&config.Notification, log.Named("notification"))
	}

	queueMgr := app.NewQueueManager(repo, broker, processor, &config.Queue, multiLog)
	queueMgr.SetMaxBatch(config.Download.MaxBatchLinks)
	if notifier != nil {
		queueMgr.SetNotifier(notifier)
	}

	resolveSvc := app.NewResolveService(resolver, config.Download.ResolveLimit, log.Named("resolve"))

	var preferred domain.MediaSaver
	if config.Download.OutputDir != "" {
		preferred = infrastructure.NewFolderSaver(osFs, config.Download.OutputDir)
	}
	orch := app.NewBatchOrchestrator(fetcher, preferred,
		infrastructure.NewDefaultSaver(osFs, config.Download.FallbackDir),
		app.BatchOrchestratorConfig{
			Concurrency:  config.Download.Concurrency,
			GroupDelay:   config.Download.GroupDelay,
			FetchTimeout: config.Download.FetchTimeout,
		}, log.Named("batch"))
	if notifier != nil {
		orch.SetNotifier(notifier)
	}
	batchMgr := app.NewBatchManager(ctx, resolveSvc, orch, func(dir string) domain.MediaSaver {
		return infrastructure.NewFolderSaver(osFs, dir)
	}, log.Named("batch"))
	batchMgr.SetRetention(config.Download.SessionRetention)

	if config.Queue.AutoStartWorkers {
		if err := queueMgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start queue manager: %w", err)
		}
	}

	router := api.SetupRouter(api.Dependencies{
		QueueMgr:        queueMgr,
		BatchMgr:        batchMgr,
		ResolveSvc:      resolveSvc,
		MediaRepo:       repo,
		Storage:         storage,
		URLExpiry:       config.Storage.SignedURLExpiry,
		SignedStore:     signedStore,
		LogReader:       logReader,
		ReadinessChecks: checks,
		MultiLogger:     multiLog,
		Logger:          log,
	})

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server failed", zap.Error(err))
	}

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	if queueMgr.IsRunning() {
		if err := queueMgr.Stop(); err != nil {
			log.Error("Error stopping queue manager", zap.Error(err))
		}
	}

	// Abandons batch sessions still in flight
	cancel()

	log.Info("Server exited")
	return nil
}
