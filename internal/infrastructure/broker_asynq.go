package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/langliu/video-downloader/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TaskTypeDownload is the asynq task type carrying download payloads
const TaskTypeDownload = "video:download"

// AsynqBrokerConfig tunes the Redis-backed broker
type AsynqBrokerConfig struct {
	Redis              domain.RedisConfig
	Queue              string
	Workers            int
	CompletedRetention time.Duration
	Policy             domain.RetryPolicy
}

// taskEnqueuer is the part of asynq.Client used to publish jobs
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// taskInspector is the part of asynq.Inspector used to replace settled tasks
type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

// AsynqBroker delivers jobs through asynq and mirrors their state into the
// job repository so the HTTP API reads one source of truth.
type AsynqBroker struct {
	config    AsynqBrokerConfig
	repo      domain.JobRepository
	client    taskEnqueuer
	inspector taskInspector
	redis     *redis.Client
	logger    *zap.Logger
	onFailure domain.JobFailureHook

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAsynqBroker creates a broker connected to the configured Redis
func NewAsynqBroker(repo domain.JobRepository, config AsynqBrokerConfig, logger *zap.Logger) *AsynqBroker {
	return &AsynqBroker{
		config:    config,
		repo:      repo,
		client:    asynq.NewClient(config.redisOpt()),
		inspector: asynq.NewInspector(config.redisOpt()),
		redis: redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		}),
		logger: logger,
	}
}

func (c AsynqBrokerConfig) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// OnFailure registers a hook for terminally failed jobs
func (b *AsynqBroker) OnFailure(hook domain.JobFailureHook) {
	b.onFailure = hook
}

// Ping checks Redis connectivity
func (b *AsynqBroker) Ping(ctx context.Context) error {
	return b.redis.Ping(ctx).Err()
}

// Publish enqueues one asynq task per job, keyed by job ID. A job whose
// previous task Redis still keeps as archived or completed (a manual retry)
// replaces that task; a task still queued or running is left alone.
func (b *AsynqBroker) Publish(ctx context.Context, jobs []*domain.QueueJob) error {
	for _, job := range jobs {
		err := b.enqueue(ctx, job)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			err = b.replaceSettled(ctx, job)
		}
		if err != nil {
			return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
		}
	}
	return nil
}

func (b *AsynqBroker) enqueue(ctx context.Context, job *domain.QueueJob) error {
	task := asynq.NewTask(TaskTypeDownload, []byte(job.Payload))

	opts := []asynq.Option{
		asynq.TaskID(job.ID),
		asynq.Queue(b.config.Queue),
		asynq.MaxRetry(maxRetry(job.MaxAttempts)),
	}
	if !b.config.Policy.RemoveOnComplete && b.config.CompletedRetention > 0 {
		opts = append(opts, asynq.Retention(b.config.CompletedRetention))
	}

	_, err := b.client.EnqueueContext(ctx, task, opts...)
	return err
}

func (b *AsynqBroker) replaceSettled(ctx context.Context, job *domain.QueueJob) error {
	info, err := b.inspector.GetTaskInfo(b.config.Queue, job.ID)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
		return b.enqueue(ctx, job)
	case err != nil:
		return err
	}

	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		b.logger.Debug("Job already queued", zap.String("job_id", job.ID), zap.String("state", info.State.String()))
		return nil
	}

	if err := b.inspector.DeleteTask(b.config.Queue, job.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return fmt.Errorf("failed to remove settled task: %w", err)
	}
	b.logger.Info("Replaced settled task", zap.String("job_id", job.ID), zap.String("state", info.State.String()))

	err = b.enqueue(ctx, job)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Run starts an asynq server and blocks until stopped
func (b *AsynqBroker) Run(ctx context.Context, handler domain.JobHandler) error {
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

	policy := b.config.Policy
	srv := asynq.NewServer(b.config.redisOpt(), asynq.Config{
		Concurrency: b.config.Workers,
		Queues: map[string]int{
			b.config.Queue: 1,
		},
		RetryDelayFunc: func(n int, e error, t *asynq.Task) time.Duration {
			return policy.Backoff(n + 1)
		},
		Logger: b.logger.Sugar(),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeDownload, func(taskCtx context.Context, t *asynq.Task) error {
		return b.processTask(taskCtx, t, handler)
	})

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	b.logger.Info("Asynq broker started",
		zap.String("queue", b.config.Queue),
		zap.Int("workers", b.config.Workers))

	<-ctx.Done()
	srv.Shutdown()

	b.logger.Info("Asynq broker stopped")
	return nil
}

// Shutdown stops the server and waits for in-flight tasks
func (b *AsynqBroker) Shutdown() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close releases the Redis connections
func (b *AsynqBroker) Close() error {
	b.redis.Close()
	b.inspector.Close()
	return b.client.Close()
}

// delivery is the asynq metadata of one task execution
type delivery struct {
	id         string
	retried    int
	maxRetries int
	payload    []byte
}

func (b *AsynqBroker) processTask(ctx context.Context, t *asynq.Task, handler domain.JobHandler) error {
	d := delivery{payload: t.Payload()}
	d.id, _ = asynq.GetTaskID(ctx)
	d.retried, _ = asynq.GetRetryCount(ctx)
	d.maxRetries, _ = asynq.GetMaxRetry(ctx)
	return b.deliver(ctx, d, handler)
}

// deliver mirrors one execution into the repository around handler. The
// returned error tells asynq whether to retry.
func (b *AsynqBroker) deliver(ctx context.Context, d delivery, handler domain.JobHandler) error {
	id, retried, maxRetries := d.id, d.retried, d.maxRetries
	token := uuid.New().String()
	settleCtx := context.WithoutCancel(ctx)

	mirrored := true
	if err := b.repo.StartJob(ctx, id, token, retried+1, time.Now()); err != nil {
		mirrored = false
		b.logger.Warn("Job not mirrored in repository", zap.String("job_id", id), zap.Error(err))
	}

	payload, err := domain.DecodePayload(d.payload)
	if err != nil {
		if mirrored {
			b.settleFailure(settleCtx, id, token, err.Error(), nil)
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	job, err := b.repo.FindJobByID(ctx, id)
	if err != nil {
		job = &domain.QueueJob{
			ID:           id,
			Kind:         payload.Kind,
			Payload:      string(d.payload),
			SourceURL:    payload.Download.SourceURL,
			Status:       domain.JobStatusProcessing,
			AttemptCount: retried + 1,
			MaxAttempts:  maxRetries + 1,
		}
	}

	outcome, handleErr := handler(ctx, job)
	if !mirrored {
		return handleErr
	}

	switch {
	case handleErr == nil:
		if err := b.repo.CompleteJob(settleCtx, id, token, outcome, b.config.Policy.RemoveOnComplete); err != nil {
			b.logger.Error("Failed to settle job", zap.String("job_id", id), zap.Error(err))
		}
		return nil
	case domain.IsPermanent(handleErr):
		b.settleFailure(settleCtx, id, token, handleErr.Error(), job)
		return fmt.Errorf("%v: %w", handleErr, asynq.SkipRetry)
	case retried >= maxRetries:
		b.settleFailure(settleCtx, id, token, handleErr.Error(), job)
		return handleErr
	default:
		next := time.Now().Add(b.config.Policy.Backoff(retried + 1))
		if err := b.repo.RetryJob(settleCtx, id, token, handleErr.Error(), next); err != nil {
			b.logger.Error("Failed to settle job", zap.String("job_id", id), zap.Error(err))
		}
		return handleErr
	}
}

func (b *AsynqBroker) settleFailure(ctx context.Context, id, token, reason string, job *domain.QueueJob) {
	if err := b.repo.FailJob(ctx, id, token, reason); err != nil && !errors.Is(err, domain.ErrLeaseLost) {
		b.logger.Error("Failed to settle job", zap.String("job_id", id), zap.Error(err))
	}
	if job != nil && b.onFailure != nil {
		b.onFailure(job, reason)
	}
}

// maxRetry converts total attempts into asynq's retry count
func maxRetry(maxAttempts int) int {
	if maxAttempts <= 1 {
		return 0
	}
	return maxAttempts - 1
}
