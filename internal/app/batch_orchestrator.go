package app

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/langliu/video-downloader/internal/domain"
)

// BatchOrchestratorConfig controls group-wise batch downloads
type BatchOrchestratorConfig struct {
	Concurrency  int
	GroupDelay   time.Duration
	FetchTimeout time.Duration
}

// BatchOrchestrator downloads batches of media addresses in groups of at most
// Concurrency, saving each payload to the preferred saver or the fallback.
type BatchOrchestrator struct {
	fetcher   domain.MediaFetcher
	preferred domain.MediaSaver
	fallback  domain.MediaSaver
	config    BatchOrchestratorConfig
	notifier  domain.Notifier
	logger    *zap.Logger
}

// NewBatchOrchestrator creates a new orchestrator. preferred may be nil.
func NewBatchOrchestrator(
	fetcher domain.MediaFetcher,
	preferred domain.MediaSaver,
	fallback domain.MediaSaver,
	config BatchOrchestratorConfig,
	logger *zap.Logger,
) *BatchOrchestrator {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchOrchestrator{
		fetcher:   fetcher,
		preferred: preferred,
		fallback:  fallback,
		config:    config,
		logger:    logger,
	}
}

// SetNotifier enables a desktop notification when a batch finishes
func (o *BatchOrchestrator) SetNotifier(notifier domain.Notifier) {
	o.notifier = notifier
}

// SessionOption customises a single batch session
type SessionOption func(*BatchSession)

// WithPreferredSaver overrides the orchestrator's preferred saver for one session
func WithPreferredSaver(saver domain.MediaSaver) SessionOption {
	return func(s *BatchSession) {
		s.preferred = saver
	}
}

// NewSession creates a session with one pending task per item
func (o *BatchOrchestrator) NewSession(items []domain.BatchItem, opts ...SessionOption) *BatchSession {
	s := &BatchSession{
		id:          uuid.New().String(),
		orch:        o,
		preferred:   o.preferred,
		index:       make(map[string]*domain.DownloadTask, len(items)),
		subscribers: make(map[int]chan domain.Snapshot),
		doneCh:      make(chan struct{}),
		slots:       make(chan struct{}, o.config.Concurrency),
		createdAt:   time.Now(),
	}
	for _, item := range items {
		task := domain.NewDownloadTask(item)
		s.tasks = append(s.tasks, task)
		s.index[task.ID] = task
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BatchSession is one batch of download tasks and its snapshot stream
type BatchSession struct {
	id        string
	orch      *BatchOrchestrator
	preferred domain.MediaSaver
	createdAt time.Time
	slots     chan struct{} // download slots shared by Run and Retry

	mu          sync.Mutex
	tasks       []*domain.DownloadTask
	index       map[string]*domain.DownloadTask
	seq         int64
	subscribers map[int]chan domain.Snapshot
	nextSub     int
	started     bool
	running     bool
	retries     int
	done        bool
	doneCh      chan struct{}
	settledAt   time.Time
}

// ID returns the session ID
func (s *BatchSession) ID() string {
	return s.id
}

// CreatedAt returns when the session was created
func (s *BatchSession) CreatedAt() time.Time {
	return s.createdAt
}

// Run downloads every task group by group and blocks until the session settles.
// Calling Run again waits for the first run instead of starting another.
func (s *BatchSession) Run(ctx context.Context) domain.Snapshot {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		<-s.Done()
		return s.Snapshot()
	}
	s.started = true
	s.running = true
	tasks := append([]*domain.DownloadTask(nil), s.tasks...)
	s.mu.Unlock()

	n := s.orch.config.Concurrency
	for start := 0; start < len(tasks); start += n {
		if ctx.Err() != nil {
			s.abandon(tasks[start:], ctx.Err())
			break
		}

		end := start + n
		if end > len(tasks) {
			end = len(tasks)
		}

		var wg conc.WaitGroup
		for _, task := range tasks[start:end] {
			id := task.ID
			wg.Go(func() {
				s.runTask(ctx, id)
			})
		}
		wg.Wait()

		if end < len(tasks) && s.orch.config.GroupDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.orch.config.GroupDelay):
			}
		}
	}

	s.mu.Lock()
	s.running = false
	s.settleLocked()
	done := s.doneCh
	s.mu.Unlock()

	<-done
	snapshot := s.Snapshot()

	counts := snapshot.Counts()
	s.orch.logger.Info("Batch finished",
		zap.String("session_id", s.id),
		zap.Int("completed", counts[domain.TaskStatusCompleted]),
		zap.Int("failed", counts[domain.TaskStatusFailed]))
	if s.orch.notifier != nil {
		s.orch.notifier.NotifyBatchCompleted(counts[domain.TaskStatusCompleted], counts[domain.TaskStatusFailed])
	}

	return snapshot
}

// Retry queues one failed task to run again in the background. The rerun
// waits for a free download slot, so it never exceeds the session's
// concurrency. ctx bounds the rerun.
func (s *BatchSession) Retry(ctx context.Context, taskID string) error {
	s.mu.Lock()
	task, ok := s.index[taskID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if task.Status != domain.TaskStatusFailed {
		s.mu.Unlock()
		return domain.ErrTaskNotRetryable
	}

	task.MarkQueued()
	s.retries++
	if s.done {
		s.done = false
		s.doneCh = make(chan struct{})
	}
	s.publishLocked()
	s.mu.Unlock()

	s.orch.logger.Info("Retrying task",
		zap.String("session_id", s.id),
		zap.String("task_id", taskID))

	go func() {
		s.runTask(ctx, taskID)

		s.mu.Lock()
		s.retries--
		s.settleLocked()
		s.mu.Unlock()
	}()

	return nil
}

// Snapshot returns the current state of every task
func (s *BatchSession) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SettledSince reports whether the session is settled and for how long
func (s *BatchSession) SettledSince() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		return 0, false
	}
	return time.Since(s.settledAt), true
}

// Done is closed once no task is pending or downloading
func (s *BatchSession) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneCh
}

// Subscribe returns a channel of snapshots, starting with the current one.
// Slow readers only see the latest snapshot; the final snapshot is always
// delivered before the channel is closed.
func (s *BatchSession) Subscribe() (<-chan domain.Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan domain.Snapshot, 1)
	ch <- s.snapshotLocked()
	if s.done {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
}

// runTask is the single-task path shared by Run and Retry. It holds a
// download slot from Downloading until the task settles.
func (s *BatchSession) runTask(ctx context.Context, taskID string) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.mutate(taskID, func(t *domain.DownloadTask) bool {
			t.MarkFailed(fmt.Errorf("batch cancelled: %w", ctx.Err()))
			return true
		})
		return
	}
	defer func() { <-s.slots }()

	s.mutate(taskID, func(t *domain.DownloadTask) bool {
		t.MarkDownloading()
		return true
	})
	s.downloadTask(ctx, taskID)
}

func (s *BatchSession) downloadTask(ctx context.Context, taskID string) {
	s.mu.Lock()
	task := *s.index[taskID]
	s.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, s.orch.config.FetchTimeout)
	media, err := s.orch.fetcher.Fetch(fetchCtx, task.SourceURL, func(percent int) {
		s.mutate(taskID, func(t *domain.DownloadTask) bool {
			return t.SetProgress(percent)
		})
	})
	cancel()
	if err != nil {
		s.orch.logger.Warn("Download failed",
			zap.String("session_id", s.id),
			zap.String("task_id", taskID),
			zap.String("url", task.SourceURL),
			zap.Error(err))
		s.mutate(taskID, func(t *domain.DownloadTask) bool {
			t.MarkFailed(err)
			return true
		})
		return
	}
	defer func() {
		if err := media.Discard(); err != nil {
			s.orch.logger.Warn("Failed to remove spool file", zap.String("path", media.Path), zap.Error(err))
		}
	}()

	filename := domain.SanitizeFilename(saveName(&task, media), media.Extension)
	savedPath, err := s.save(ctx, filename, media)
	if err != nil {
		s.mutate(taskID, func(t *domain.DownloadTask) bool {
			t.MarkFailed(err)
			return true
		})
		return
	}

	s.mutate(taskID, func(t *domain.DownloadTask) bool {
		t.MarkCompleted(savedPath)
		return true
	})
}

// saveName picks the file stem: the title when there is one, otherwise the
// name the origin suggested
func saveName(task *domain.DownloadTask, media *domain.FetchedMedia) string {
	if !task.Untitled() || media.Filename == "" {
		return task.DisplayName
	}
	return strings.TrimSuffix(media.Filename, path.Ext(media.Filename))
}

// save tries the preferred saver, then the fallback
func (s *BatchSession) save(ctx context.Context, filename string, media *domain.FetchedMedia) (string, error) {
	if s.preferred != nil {
		path, err := s.preferred.Save(ctx, filename, media)
		if err == nil {
			return path, nil
		}
		s.orch.logger.Warn("Saving to selected folder failed, using default location",
			zap.String("session_id", s.id),
			zap.String("filename", filename),
			zap.Error(err))
	}

	if s.orch.fallback == nil {
		return "", fmt.Errorf("failed to save %s: no download location configured", filename)
	}
	path, err := s.orch.fallback.Save(ctx, filename, media)
	if err != nil {
		return "", fmt.Errorf("failed to save %s: %w", filename, err)
	}
	return path, nil
}

// abandon fails tasks that never started because ctx ended
func (s *BatchSession) abandon(tasks []*domain.DownloadTask, cause error) {
	for _, task := range tasks {
		s.mutate(task.ID, func(t *domain.DownloadTask) bool {
			if t.Status != domain.TaskStatusPending {
				return false
			}
			t.MarkFailed(fmt.Errorf("batch cancelled: %w", cause))
			return true
		})
	}
}

// mutate applies fn to a task and publishes when fn reports a change
func (s *BatchSession) mutate(taskID string, fn func(*domain.DownloadTask) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.index[taskID]
	if !ok {
		return
	}
	if fn(task) {
		s.publishLocked()
	}
}

// settleLocked marks the session done once nothing is left in flight
func (s *BatchSession) settleLocked() {
	if s.done || s.running || s.retries > 0 {
		return
	}
	s.done = true
	s.settledAt = time.Now()
	s.publishLocked()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	close(s.doneCh)
}

// publishLocked hands the latest snapshot to every subscriber without blocking
func (s *BatchSession) publishLocked() {
	s.seq++
	snapshot := s.snapshotLocked()
	for _, ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (s *BatchSession) snapshotLocked() domain.Snapshot {
	tasks := make([]domain.DownloadTask, len(s.tasks))
	for i, task := range s.tasks {
		tasks[i] = *task
	}
	return domain.Snapshot{
		SessionID: s.id,
		Sequence:  s.seq,
		Tasks:     tasks,
		Done:      s.done,
	}
}
