package infrastructure

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/langliu/video-downloader/internal/domain"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// DatabaseBrokerConfig tunes the polling broker
type DatabaseBrokerConfig struct {
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StallInterval     time.Duration
	Policy            domain.RetryPolicy
}

// DatabaseBroker delivers jobs by leasing rows from the job table. Workers
// heartbeat their lease; a reaper requeues jobs whose lease went stale.
type DatabaseBroker struct {
	repo      domain.JobRepository
	config    DatabaseBrokerConfig
	logger    *zap.Logger
	onFailure domain.JobFailureHook

	wake chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDatabaseBroker creates a broker over repo
func NewDatabaseBroker(repo domain.JobRepository, config DatabaseBrokerConfig, logger *zap.Logger) *DatabaseBroker {
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &DatabaseBroker{
		repo:   repo,
		config: config,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// OnFailure registers a hook for terminally failed jobs
func (b *DatabaseBroker) OnFailure(hook domain.JobFailureHook) {
	b.onFailure = hook
}

// Publish wakes idle workers; jobs are already persisted
func (b *DatabaseBroker) Publish(ctx context.Context, jobs []*domain.QueueJob) error {
	if len(jobs) == 0 {
		return nil
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run starts the workers and the stall reaper and blocks until stopped
func (b *DatabaseBroker) Run(ctx context.Context, handler domain.JobHandler) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return errors.New("broker already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	defer func() {
		cancel()
		b.mu.Lock()
		b.cancel = nil
		b.mu.Unlock()
		close(done)
	}()

	b.logger.Info("Database broker started", zap.Int("workers", b.config.Workers))

	var wg conc.WaitGroup
	for i := 0; i < b.config.Workers; i++ {
		workerID := i
		wg.Go(func() {
			b.worker(ctx, workerID, handler)
		})
	}
	wg.Go(func() {
		b.reaper(ctx)
	})
	wg.Wait()

	b.logger.Info("Database broker stopped")
	return nil
}

// Shutdown stops the workers and waits for in-flight jobs to finish
func (b *DatabaseBroker) Shutdown() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *DatabaseBroker) worker(ctx context.Context, workerID int, handler domain.JobHandler) {
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		token := uuid.New().String()
		job, err := b.repo.ClaimNextJob(ctx, token, time.Now())
		if err != nil && ctx.Err() == nil {
			b.logger.Error("Failed to claim job", zap.Int("worker", workerID), zap.Error(err))
		}

		if job != nil {
			b.process(ctx, job, token, handler)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		case <-ticker.C:
		}
	}
}

// process runs one leased job. In-flight jobs outlive broker shutdown; only
// a lost lease cancels them.
func (b *DatabaseBroker) process(parent context.Context, job *domain.QueueJob, token string, handler domain.JobHandler) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	var leaseLost bool
	var leaseMu sync.Mutex
	stopHeartbeat := make(chan struct{})
	heartbeatDone := make(chan struct{})

	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(b.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-ticker.C:
				err := b.repo.HeartbeatJob(ctx, job.ID, token, time.Now())
				if errors.Is(err, domain.ErrLeaseLost) {
					b.logger.Warn("Job lease lost, cancelling", zap.String("job_id", job.ID))
					leaseMu.Lock()
					leaseLost = true
					leaseMu.Unlock()
					cancel()
					return
				}
				if err != nil {
					b.logger.Warn("Failed to heartbeat job", zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}()

	outcome, handleErr := b.safeHandle(ctx, handler, job)

	close(stopHeartbeat)
	<-heartbeatDone

	leaseMu.Lock()
	lost := leaseLost
	leaseMu.Unlock()
	if lost {
		b.logger.Warn("Discarding result of job with lost lease", zap.String("job_id", job.ID))
		return
	}

	settleCtx := context.WithoutCancel(parent)
	var err error
	switch {
	case handleErr == nil:
		err = b.repo.CompleteJob(settleCtx, job.ID, token, outcome, b.config.Policy.RemoveOnComplete)
	case domain.IsPermanent(handleErr) || job.AttemptsExhausted():
		err = b.repo.FailJob(settleCtx, job.ID, token, handleErr.Error())
		if err == nil && b.onFailure != nil {
			b.onFailure(job, handleErr.Error())
		}
	default:
		delay := b.config.Policy.Backoff(job.AttemptCount)
		err = b.repo.RetryJob(settleCtx, job.ID, token, handleErr.Error(), time.Now().Add(delay))
		b.logger.Info("Job scheduled for retry",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptCount),
			zap.Duration("delay", delay),
			zap.Error(handleErr))
	}

	if errors.Is(err, domain.ErrLeaseLost) {
		b.logger.Warn("Job lease lost before settling", zap.String("job_id", job.ID))
	} else if err != nil {
		b.logger.Error("Failed to settle job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// safeHandle converts handler panics into job errors
func (b *DatabaseBroker) safeHandle(ctx context.Context, handler domain.JobHandler, job *domain.QueueJob) (outcome domain.JobOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Job handler panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
			err = errors.New("job handler panicked")
		}
	}()
	return handler(ctx, job)
}

func (b *DatabaseBroker) reaper(ctx context.Context) {
	ticker := time.NewTicker(b.config.StallInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reapStalled(ctx)
		}
	}
}

func (b *DatabaseBroker) reapStalled(ctx context.Context) {
	staleBefore := time.Now().Add(-b.config.StallInterval)
	requeued, failed, err := b.repo.RequeueStalledJobs(ctx, staleBefore, b.config.Policy.MaxStalledCount)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("Failed to requeue stalled jobs", zap.Error(err))
		}
		return
	}

	for _, job := range requeued {
		b.logger.Warn("Stalled job requeued",
			zap.String("job_id", job.ID),
			zap.Int("stalled_count", job.StalledCount))
	}
	for _, job := range failed {
		b.logger.Error("Stalled job failed",
			zap.String("job_id", job.ID),
			zap.Int("stalled_count", job.StalledCount))
		if b.onFailure != nil {
			b.onFailure(job, job.LastError)
		}
	}

	if len(requeued) > 0 {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}
