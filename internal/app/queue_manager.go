package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/langliu/video-downloader/internal/domain"
	"github.com/langliu/video-downloader/pkg/logger"
)

// failureNotifying is implemented by brokers that report terminal failures
type failureNotifying interface {
	OnFailure(hook domain.JobFailureHook)
}

// QueueManager is the producer side of the work queue and owns the consumer lifecycle
type QueueManager struct {
	repo        domain.JobRepository
	broker      domain.JobBroker
	processor   *JobProcessor
	config      *domain.QueueConfig
	maxBatch    int
	notifier    domain.Notifier
	multiLogger *logger.MultiLogger
	mu          sync.RWMutex
	running     bool
	cancel      context.CancelFunc
	workerWg    sync.WaitGroup
}

// NewQueueManager creates a new queue manager
func NewQueueManager(
	repo domain.JobRepository,
	broker domain.JobBroker,
	processor *JobProcessor,
	config *domain.QueueConfig,
	multiLogger *logger.MultiLogger,
) *QueueManager {
	if multiLogger == nil {
		multiLogger = logger.NewNopMultiLogger()
	}
	qm := &QueueManager{
		repo:        repo,
		broker:      broker,
		processor:   processor,
		config:      config,
		multiLogger: multiLogger,
	}
	if fb, ok := broker.(failureNotifying); ok {
		fb.OnFailure(qm.onJobFailed)
	}
	return qm
}

// SetNotifier enables desktop notifications for terminally failed jobs
func (qm *QueueManager) SetNotifier(notifier domain.Notifier) {
	qm.notifier = notifier
}

// SetMaxBatch caps the number of URLs accepted per submission; zero means no cap
func (qm *QueueManager) SetMaxBatch(n int) {
	qm.maxBatch = n
}

// Start starts consuming jobs. Jobs left pending from a previous run are
// published again so brokers with their own transport pick them up.
func (qm *QueueManager) Start(ctx context.Context) error {
	qm.mu.Lock()
	if qm.running {
		qm.mu.Unlock()
		return fmt.Errorf("queue manager already running")
	}
	qm.running = true
	ctx, qm.cancel = context.WithCancel(ctx)
	qm.mu.Unlock()

	qm.multiLogger.LogQueueEvent("queue_started",
		zap.String("backend", qm.config.Backend),
		zap.Int("workers", qm.config.Workers))

	pending, err := qm.repo.ListJobs(ctx, domain.JobFilter{Status: domain.JobStatusPending, Limit: -1})
	if err != nil {
		qm.multiLogger.LogAppError("Failed to load pending jobs", zap.Error(err))
	} else if len(pending) > 0 {
		if err := qm.broker.Publish(ctx, pending); err != nil {
			qm.multiLogger.LogAppError("Failed to republish pending jobs", zap.Error(err))
		} else {
			qm.multiLogger.LogQueueEvent("jobs_recovered", zap.Int("count", len(pending)))
		}
	}

	qm.workerWg.Add(1)
	go func() {
		defer qm.workerWg.Done()
		if err := qm.broker.Run(ctx, qm.handle); err != nil {
			qm.multiLogger.LogAppError("Job broker stopped with error", zap.Error(err))
		}
		qm.mu.Lock()
		qm.running = false
		qm.mu.Unlock()
	}()

	return nil
}

// Stop stops consuming and waits for in-flight jobs
func (qm *QueueManager) Stop() error {
	qm.mu.RLock()
	running, cancel := qm.running, qm.cancel
	qm.mu.RUnlock()
	if !running {
		return fmt.Errorf("queue manager not running")
	}

	cancel()
	qm.broker.Shutdown()
	qm.workerWg.Wait()

	qm.multiLogger.LogQueueEvent("queue_stopped")
	return nil
}

// IsRunning returns whether the queue manager is running
func (qm *QueueManager) IsRunning() bool {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.running
}

// SubmitBatch normalizes and validates urls, persists one job per URL and
// publishes them. Blank entries and repeats are dropped; any invalid URL
// rejects the whole batch before anything is written.
func (qm *QueueManager) SubmitBatch(ctx context.Context, urls []string) ([]*domain.QueueJob, error) {
	cleaned := domain.NormalizeURLList(urls)
	for _, u := range cleaned {
		if err := domain.ValidateSourceURL(u); err != nil {
			return nil, err
		}
	}
	if len(cleaned) == 0 {
		return nil, &domain.InputError{Reason: "no urls provided"}
	}
	if qm.maxBatch > 0 && len(cleaned) > qm.maxBatch {
		return nil, &domain.InputError{Reason: fmt.Sprintf("at most %d urls per batch", qm.maxBatch)}
	}

	jobs := make([]*domain.QueueJob, 0, len(cleaned))
	for _, u := range cleaned {
		job, err := domain.NewDownloadJob(u, qm.config.MaxAttempts)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := qm.repo.CreateJobs(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to create jobs: %w", err)
	}

	if err := qm.broker.Publish(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to publish jobs: %w", err)
	}

	for _, job := range jobs {
		qm.multiLogger.LogQueueEvent("job_enqueued",
			zap.String("job_id", job.ID),
			zap.String("url", job.SourceURL),
			zap.Int("max_attempts", job.MaxAttempts))
	}

	return jobs, nil
}

// GetJob retrieves a job by ID
func (qm *QueueManager) GetJob(ctx context.Context, id string) (*domain.QueueJob, error) {
	return qm.repo.FindJobByID(ctx, id)
}

// ListJobs lists jobs with an optional status filter
func (qm *QueueManager) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.QueueJob, error) {
	return qm.repo.ListJobs(ctx, filter)
}

// GetStats returns queue statistics
func (qm *QueueManager) GetStats(ctx context.Context) (*domain.JobStats, error) {
	return qm.repo.GetJobStats(ctx)
}

// RetryJob re-arms a failed job and publishes it again
func (qm *QueueManager) RetryJob(ctx context.Context, id string) (*domain.QueueJob, error) {
	job, err := qm.repo.ResetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := qm.broker.Publish(ctx, []*domain.QueueJob{job}); err != nil {
		return nil, fmt.Errorf("failed to publish job: %w", err)
	}

	qm.multiLogger.LogQueueEvent("job_requeued",
		zap.String("job_id", job.ID),
		zap.String("url", job.SourceURL))

	return job, nil
}

// handle runs one delivered job through the processor
func (qm *QueueManager) handle(ctx context.Context, job *domain.QueueJob) (domain.JobOutcome, error) {
	qm.multiLogger.LogQueueEvent("job_started",
		zap.String("job_id", job.ID),
		zap.String("url", job.SourceURL),
		zap.Int("attempt", job.AttemptCount))

	outcome, err := qm.processor.Process(ctx, job)
	if err != nil {
		qm.multiLogger.LogQueueEvent("job_attempt_failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptCount),
			zap.Bool("permanent", domain.IsPermanent(err)),
			zap.Error(err))
		return "", err
	}

	qm.multiLogger.LogQueueEvent("job_completed",
		zap.String("job_id", job.ID),
		zap.String("url", job.SourceURL),
		zap.String("outcome", string(outcome)))
	return outcome, nil
}

// onJobFailed is invoked by the broker once a job is terminally failed
func (qm *QueueManager) onJobFailed(job *domain.QueueJob, reason string) {
	qm.multiLogger.LogQueueEvent("job_failed",
		zap.String("job_id", job.ID),
		zap.String("url", job.SourceURL),
		zap.Int("attempts", job.AttemptCount),
		zap.String("reason", reason))
	qm.multiLogger.LogAppError("Job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("reason", reason))

	if qm.notifier != nil {
		qm.notifier.NotifyJobFailed(job.SourceURL, errors.New(reason))
	}
}
