package app

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/langliu/video-downloader/internal/domain"
	"go.uber.org/zap"
)

// JobProcessorConfig bounds the remote phases of a job
type JobProcessorConfig struct {
	RemoteFetchTimeout time.Duration
	StoreTimeout       time.Duration
	KeyPrefix          string
}

// JobProcessor resolves, fetches and stores the media behind one queued job
type JobProcessor struct {
	repo     domain.MediaRepository
	resolver domain.VideoResolver
	fetcher  domain.MediaFetcher
	storage  domain.ObjectStorage
	config   JobProcessorConfig
	logger   *zap.Logger
}

// NewJobProcessor creates a new job processor
func NewJobProcessor(
	repo domain.MediaRepository,
	resolver domain.VideoResolver,
	fetcher domain.MediaFetcher,
	storage domain.ObjectStorage,
	config JobProcessorConfig,
	logger *zap.Logger,
) *JobProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobProcessor{
		repo:     repo,
		resolver: resolver,
		fetcher:  fetcher,
		storage:  storage,
		config:   config,
		logger:   logger,
	}
}

// Process handles one delivered job. It has the shape of domain.JobHandler.
func (p *JobProcessor) Process(ctx context.Context, job *domain.QueueJob) (domain.JobOutcome, error) {
	payload, err := job.DecodedPayload()
	if err != nil {
		return "", err
	}

	switch payload.Kind {
	case domain.JobKindDownload:
		return p.processDownload(ctx, payload.Download)
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownJobKind, payload.Kind)
	}
}

func (p *JobProcessor) processDownload(ctx context.Context, payload *domain.DownloadPayload) (domain.JobOutcome, error) {
	sourceURL := payload.SourceURL
	if err := domain.ValidateSourceURL(sourceURL); err != nil {
		return "", err
	}

	existing, err := p.repo.FindMediaBySourceURL(ctx, sourceURL)
	if err != nil {
		return "", fmt.Errorf("failed to look up media: %w", err)
	}
	if existing != nil {
		p.logger.Info("Media already stored, skipping",
			zap.String("job_id", payload.JobID),
			zap.String("url", sourceURL),
			zap.String("media_id", existing.ID))
		return domain.OutcomeSkippedExisting, nil
	}

	meta, err := p.resolver.Resolve(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	if !meta.HasMedia() {
		p.logger.Warn("Resolver returned no media address",
			zap.String("job_id", payload.JobID),
			zap.String("url", sourceURL))
		return domain.OutcomeNoMedia, nil
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, p.config.RemoteFetchTimeout)
	media, err := p.fetcher.Fetch(fetchCtx, meta.PlayAddress, nil)
	cancelFetch()
	if err != nil {
		return "", err
	}
	defer func() {
		if err := media.Discard(); err != nil {
			p.logger.Warn("Failed to remove spool file", zap.String("path", media.Path), zap.Error(err))
		}
	}()

	key := p.storageKey(media)
	if err := p.store(ctx, key, media); err != nil {
		return "", err
	}

	record := domain.NewMediaRecord(sourceURL, meta, key, media)
	if err := p.repo.CreateMedia(ctx, record); err != nil {
		p.deleteObject(ctx, key)
		if errors.Is(err, domain.ErrDuplicateRecord) {
			if err := p.repo.TouchMedia(ctx, sourceURL); err != nil {
				p.logger.Warn("Failed to touch media record", zap.String("url", sourceURL), zap.Error(err))
			}
			p.logger.Info("Media stored concurrently by another job",
				zap.String("job_id", payload.JobID),
				zap.String("url", sourceURL))
			return domain.OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("failed to save media record: %w", err)
	}

	p.logger.Info("Media stored",
		zap.String("job_id", payload.JobID),
		zap.String("url", sourceURL),
		zap.String("key", key),
		zap.Int64("size", media.Size))

	return domain.OutcomeStored, nil
}

// store uploads the spooled payload under its own deadline
func (p *JobProcessor) store(ctx context.Context, key string, media *domain.FetchedMedia) error {
	file, err := media.Open()
	if err != nil {
		return &domain.StoreError{Key: key, Err: err}
	}
	defer file.Close()

	storeCtx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()

	if err := p.storage.Put(storeCtx, key, file, media.Size, media.ContentType); err != nil {
		return &domain.StoreError{
			Key:     key,
			Timeout: errors.Is(storeCtx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
	}
	return nil
}

func (p *JobProcessor) deleteObject(ctx context.Context, key string) {
	if err := p.storage.Delete(ctx, key); err != nil {
		p.logger.Warn("Failed to delete orphaned object", zap.String("key", key), zap.Error(err))
	}
}

func (p *JobProcessor) storageKey(media *domain.FetchedMedia) string {
	ext := media.Extension
	if ext == "" {
		ext = ".mp4"
	}
	return path.Join(p.config.KeyPrefix, uuid.New().String()+ext)
}
