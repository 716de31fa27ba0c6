package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langliu/video-downloader/internal/domain"
)

// FolderSaverFactory builds a saver for a user-chosen folder
type FolderSaverFactory func(dir string) domain.MediaSaver

type hostedSession struct {
	session *BatchSession
	ctx     context.Context
	cancel  context.CancelFunc
}

// BatchManager hosts client-path batch sessions for the local HTTP API
type BatchManager struct {
	ctx         context.Context
	resolver    *ResolveService
	orch        *BatchOrchestrator
	folderSaver FolderSaverFactory
	retention   time.Duration
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*hostedSession
}

// NewBatchManager creates a batch manager. Sessions run under ctx.
func NewBatchManager(
	ctx context.Context,
	resolver *ResolveService,
	orch *BatchOrchestrator,
	folderSaver FolderSaverFactory,
	logger *zap.Logger,
) *BatchManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchManager{
		ctx:         ctx,
		resolver:    resolver,
		orch:        orch,
		folderSaver: folderSaver,
		logger:      logger,
		sessions:    make(map[string]*hostedSession),
	}
}

// SetRetention forgets sessions that stayed settled for d. Zero keeps them
// until removed.
func (m *BatchManager) SetRetention(d time.Duration) {
	m.retention = d
}

// StartBatch resolves links and starts downloading every success in the
// background. folder, when set, is tried before the default location.
func (m *BatchManager) StartBatch(ctx context.Context, links []string, folder string) (*BatchSession, *ResolveResult, error) {
	result, err := m.resolver.ResolveBatch(ctx, links)
	if err != nil {
		return nil, nil, err
	}
	if result.SuccessCount == 0 {
		return nil, result, &domain.InputError{Reason: "none of the links resolved to downloadable media"}
	}

	var opts []SessionOption
	if folder != "" && m.folderSaver != nil {
		opts = append(opts, WithPreferredSaver(m.folderSaver(folder)))
	}
	session := m.orch.NewSession(result.BatchItems(), opts...)

	sessionCtx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.sessions[session.ID()] = &hostedSession{session: session, ctx: sessionCtx, cancel: cancel}
	m.mu.Unlock()

	m.logger.Info("Batch started",
		zap.String("session_id", session.ID()),
		zap.Int("tasks", result.SuccessCount),
		zap.Int("unresolved", result.FailureCount))

	go func() {
		session.Run(sessionCtx)
		if m.retention > 0 {
			m.expire(session)
		}
	}()

	return session, result, nil
}

// expire evicts session once it has stayed settled for the retention period.
// A retry reopens the session and restarts the wait.
func (m *BatchManager) expire(session *BatchSession) {
	for {
		select {
		case <-session.Done():
		case <-m.ctx.Done():
			return
		}

		wait := m.retention
		if since, settled := session.SettledSince(); settled {
			if since >= m.retention {
				m.evict(session)
				return
			}
			wait = m.retention - since
		}

		select {
		case <-time.After(wait):
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *BatchManager) evict(session *BatchSession) {
	m.mu.Lock()
	hosted, ok := m.sessions[session.ID()]
	if ok && hosted.session == session {
		delete(m.sessions, session.ID())
	}
	m.mu.Unlock()
	if !ok || hosted.session != session {
		return
	}

	hosted.cancel()
	m.logger.Debug("Batch expired", zap.String("session_id", session.ID()))
}

// Get returns a hosted session
func (m *BatchManager) Get(id string) (*BatchSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hosted, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return hosted.session, nil
}

// List returns snapshots of every session, newest first
func (m *BatchManager) List() []domain.Snapshot {
	m.mu.RLock()
	sessions := make([]*BatchSession, 0, len(m.sessions))
	for _, hosted := range m.sessions {
		sessions = append(sessions, hosted.session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt().After(sessions[j].CreatedAt())
	})

	snapshots := make([]domain.Snapshot, 0, len(sessions))
	for _, session := range sessions {
		snapshots = append(snapshots, session.Snapshot())
	}
	return snapshots
}

// Retry re-runs a failed task of a hosted session
func (m *BatchManager) Retry(sessionID, taskID string) error {
	m.mu.RLock()
	hosted, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrSessionNotFound
	}
	return hosted.session.Retry(hosted.ctx, taskID)
}

// Remove cancels a session's remaining work and forgets it
func (m *BatchManager) Remove(id string) error {
	m.mu.Lock()
	hosted, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return domain.ErrSessionNotFound
	}

	hosted.cancel()
	m.logger.Info("Batch removed", zap.String("session_id", id))
	return nil
}
