package domain

import (
	"context"
	"time"
)

// MediaRepository defines persistence of completed media records
type MediaRepository interface {
	// FindMediaBySourceURL returns nil, nil when no record exists
	FindMediaBySourceURL(ctx context.Context, sourceURL string) (*MediaRecord, error)

	// CreateMedia inserts a record, returning ErrDuplicateRecord if the source URL is taken
	CreateMedia(ctx context.Context, record *MediaRecord) error

	// TouchMedia bumps UpdatedAt on an existing record
	TouchMedia(ctx context.Context, sourceURL string) error

	// ListMedia returns a page of records, newest first, plus the total count
	ListMedia(ctx context.Context, offset, limit int) ([]*MediaRecord, int64, error)
}

// JobRepository defines persistence of queue jobs
type JobRepository interface {
	// CreateJobs inserts new jobs
	CreateJobs(ctx context.Context, jobs []*QueueJob) error

	// FindJobByID returns ErrJobNotFound when the job does not exist
	FindJobByID(ctx context.Context, id string) (*QueueJob, error)

	// ListJobs lists jobs, newest first
	ListJobs(ctx context.Context, filter JobFilter) ([]*QueueJob, error)

	// GetJobStats returns job counts by status
	GetJobStats(ctx context.Context) (*JobStats, error)

	// ClaimNextJob atomically moves the oldest due pending job to processing
	// under token and counts the attempt. It returns nil, nil when nothing is due.
	ClaimNextJob(ctx context.Context, token string, now time.Time) (*QueueJob, error)

	// StartJob marks a job delivered by an external broker as processing
	StartJob(ctx context.Context, id, token string, attempt int, now time.Time) error

	// HeartbeatJob refreshes the lease; ErrLeaseLost if token no longer owns the job
	HeartbeatJob(ctx context.Context, id, token string, now time.Time) error

	// CompleteJob finishes the job; remove deletes the row instead of keeping it
	CompleteJob(ctx context.Context, id, token string, outcome JobOutcome, remove bool) error

	// RetryJob returns the job to pending, due at nextRunAt
	RetryJob(ctx context.Context, id, token, reason string, nextRunAt time.Time) error

	// FailJob moves the job to its terminal failed state
	FailJob(ctx context.Context, id, token, reason string) error

	// RequeueStalledJobs returns processing jobs whose heartbeat predates staleBefore
	// to pending, or fails them once they stalled more than maxStalled times.
	RequeueStalledJobs(ctx context.Context, staleBefore time.Time, maxStalled int) (requeued, failed []*QueueJob, err error)

	// ResetJob re-arms a failed job for a fresh set of attempts
	ResetJob(ctx context.Context, id string) (*QueueJob, error)
}

// Repository is the full persistence gateway
type Repository interface {
	MediaRepository
	JobRepository
	Close() error
}
