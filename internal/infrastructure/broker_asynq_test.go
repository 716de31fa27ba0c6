package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langliu/video-downloader/internal/domain"
)

// fakeTaskQueue implements taskEnqueuer and taskInspector over a map of task states
type fakeTaskQueue struct {
	mu       sync.Mutex
	states   map[string]asynq.TaskState
	enqueued []string
	deleted  []string
}

func newFakeTaskQueue() *fakeTaskQueue {
	return &fakeTaskQueue{states: make(map[string]asynq.TaskState)}
}

func (q *fakeTaskQueue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	var id string
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			id = opt.Value().(string)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.states[id]; ok {
		return nil, asynq.ErrTaskIDConflict
	}
	q.states[id] = asynq.TaskStatePending
	q.enqueued = append(q.enqueued, id)
	return &asynq.TaskInfo{ID: id, State: asynq.TaskStatePending}, nil
}

func (q *fakeTaskQueue) GetTaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.states[id]
	if !ok {
		return nil, fmt.Errorf("asynq: %w", asynq.ErrTaskNotFound)
	}
	return &asynq.TaskInfo{ID: id, Queue: queue, State: state}, nil
}

func (q *fakeTaskQueue) DeleteTask(queue, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.states[id]; !ok {
		return fmt.Errorf("asynq: %w", asynq.ErrTaskNotFound)
	}
	delete(q.states, id)
	q.deleted = append(q.deleted, id)
	return nil
}

func (q *fakeTaskQueue) Close() error {
	return nil
}

func newTestAsynqBroker(repo domain.JobRepository, queue *fakeTaskQueue, removeOnComplete bool) *AsynqBroker {
	return &AsynqBroker{
		config: AsynqBrokerConfig{
			Queue:   "video",
			Workers: 1,
			Policy: domain.RetryPolicy{
				MaxAttempts:      3,
				BackoffBase:      time.Second,
				RemoveOnComplete: removeOnComplete,
			},
		},
		repo:      repo,
		client:    queue,
		inspector: queue,
		logger:    zap.NewNop(),
	}
}

func TestMaxRetry(t *testing.T) {
	assert.Equal(t, 0, maxRetry(0))
	assert.Equal(t, 0, maxRetry(1))
	assert.Equal(t, 2, maxRetry(3))
	assert.Equal(t, 4, maxRetry(5))
}

func TestAsynqBrokerConfig_RedisOpt(t *testing.T) {
	config := AsynqBrokerConfig{
		Redis: domain.RedisConfig{Addr: "redis:6379", Password: "secret", DB: 2},
	}

	opt := config.redisOpt()
	assert.Equal(t, "redis:6379", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 2, opt.DB)
}

func TestAsynqBroker_PublishReplacesSettledTasks(t *testing.T) {
	queue := newFakeTaskQueue()
	broker := newTestAsynqBroker(nil, queue, true)

	archived := &domain.QueueJob{ID: "archived", MaxAttempts: 3, Payload: "{}"}
	completed := &domain.QueueJob{ID: "completed", MaxAttempts: 3, Payload: "{}"}
	queued := &domain.QueueJob{ID: "queued", MaxAttempts: 3, Payload: "{}"}
	fresh := &domain.QueueJob{ID: "fresh", MaxAttempts: 3, Payload: "{}"}
	queue.states["archived"] = asynq.TaskStateArchived
	queue.states["completed"] = asynq.TaskStateCompleted
	queue.states["queued"] = asynq.TaskStateRetry

	require.NoError(t, broker.Publish(context.Background(), []*domain.QueueJob{archived, completed, queued, fresh}))

	assert.ElementsMatch(t, []string{"archived", "completed"}, queue.deleted)
	assert.ElementsMatch(t, []string{"archived", "completed", "fresh"}, queue.enqueued)
	assert.Equal(t, asynq.TaskStatePending, queue.states["archived"])
	assert.Equal(t, asynq.TaskStateRetry, queue.states["queued"], "a task still waiting is left alone")
}

func TestAsynqBroker_ManualRetryRedeliversArchivedJob(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	job := newTestJob(t, "https://v.example.com/a", 1)
	require.NoError(t, repo.CreateJobs(ctx, []*domain.QueueJob{job}))

	queue := newFakeTaskQueue()
	broker := newTestAsynqBroker(repo, queue, true)
	require.NoError(t, broker.Publish(ctx, []*domain.QueueJob{job}))

	err := broker.deliver(ctx, delivery{id: job.ID, payload: []byte(job.Payload)},
		func(context.Context, *domain.QueueJob) (domain.JobOutcome, error) {
			return "", &domain.ResolveError{URL: job.SourceURL, Reason: "blocked"}
		})
	require.Error(t, err)
	queue.states[job.ID] = asynq.TaskStateArchived

	reset, err := repo.ResetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, []*domain.QueueJob{reset}))

	assert.Equal(t, []string{job.ID}, queue.deleted)
	assert.Equal(t, []string{job.ID, job.ID}, queue.enqueued)
}

func TestAsynqBroker_DeliverMirrorsSuccess(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	job := newTestJob(t, "https://v.example.com/a", 3)
	require.NoError(t, repo.CreateJobs(ctx, []*domain.QueueJob{job}))
	broker := newTestAsynqBroker(repo, newFakeTaskQueue(), false)

	var seen *domain.QueueJob
	err := broker.deliver(ctx, delivery{id: job.ID, retried: 1, maxRetries: 2, payload: []byte(job.Payload)},
		func(_ context.Context, delivered *domain.QueueJob) (domain.JobOutcome, error) {
			seen = delivered
			return domain.OutcomeStored, nil
		})
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, job.SourceURL, seen.SourceURL)
	assert.Equal(t, domain.JobStatusProcessing, seen.Status)

	stored, err := repo.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, domain.OutcomeStored, stored.Outcome)
	assert.Equal(t, 2, stored.AttemptCount)
}

func TestAsynqBroker_DeliverRemovesCompletedJob(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	job := newTestJob(t, "https://v.example.com/a", 3)
	require.NoError(t, repo.CreateJobs(ctx, []*domain.QueueJob{job}))
	broker := newTestAsynqBroker(repo, newFakeTaskQueue(), true)

	err := broker.deliver(ctx, delivery{id: job.ID, maxRetries: 2, payload: []byte(job.Payload)},
		func(context.Context, *domain.QueueJob) (domain.JobOutcome, error) {
			return domain.OutcomeStored, nil
		})
	require.NoError(t, err)

	_, err = repo.FindJobByID(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestAsynqBroker_DeliverSchedulesRetry(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	job := newTestJob(t, "https://v.example.com/a", 3)
	require.NoError(t, repo.CreateJobs(ctx, []*domain.QueueJob{job}))
	broker := newTestAsynqBroker(repo, newFakeTaskQueue(), true)

	var hooked int
	broker.OnFailure(func(*domain.QueueJob, string) { hooked++ })

	err := broker.deliver(ctx, delivery{id: job.ID, retried: 0, maxRetries: 2, payload: []byte(job.Payload)},
		func(context.Context, *domain.QueueJob) (domain.JobOutcome, error) {
			return "", &domain.DownloadError{URL: job.SourceURL, Kind: domain.DownloadErrorNetwork}
		})
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	stored, err := repo.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, stored.Status)
	assert.Contains(t, stored.LastError, "network")
	assert.Equal(t, 0, hooked)
}

func TestAsynqBroker_DeliverFailsOnLastAttempt(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	job := newTestJob(t, "https://v.example.com/a", 3)
	require.NoError(t, repo.CreateJobs(ctx, []*domain.QueueJob{job}))
	broker := newTestAsynqBroker(repo, newFakeTaskQueue(), true)

	var reasons []string
	broker.OnFailure(func(_ *domain.QueueJob, reason string) { reasons = append(reasons, reason) })

	err := broker.deliver(ctx, delivery{id: job.ID, retried: 2, maxRetries: 2, payload: []byte(job.Payload)},
		func(context.Context, *domain.QueueJob) (domain.JobOutcome, error) {
			return "", &domain.ResolveError{URL: job.SourceURL, Reason: "blocked"}
		})
	require.Error(t, err)

	stored, err := repo.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.AttemptCount)
	assert.Contains(t, stored.LastError, "blocked")
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "blocked")
}

func TestAsynqBroker_DeliverSkipsRetryForPermanentErrors(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	job := newTestJob(t, "https://v.example.com/a", 5)
	require.NoError(t, repo.CreateJobs(ctx, []*domain.QueueJob{job}))
	broker := newTestAsynqBroker(repo, newFakeTaskQueue(), true)

	err := broker.deliver(ctx, delivery{id: job.ID, maxRetries: 4, payload: []byte(job.Payload)},
		func(context.Context, *domain.QueueJob) (domain.JobOutcome, error) {
			return "", &domain.InputError{Reason: "unsupported url"}
		})
	assert.ErrorIs(t, err, asynq.SkipRetry)

	stored, err := repo.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestAsynqBroker_DeliverRejectsUndecodablePayload(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	job := newTestJob(t, "https://v.example.com/a", 5)
	require.NoError(t, repo.CreateJobs(ctx, []*domain.QueueJob{job}))
	broker := newTestAsynqBroker(repo, newFakeTaskQueue(), true)

	called := false
	err := broker.deliver(ctx, delivery{id: job.ID, maxRetries: 4, payload: []byte("not json")},
		func(context.Context, *domain.QueueJob) (domain.JobOutcome, error) {
			called = true
			return domain.OutcomeStored, nil
		})
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.False(t, called)

	stored, err := repo.FindJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
}
