package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current status of a queue job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobKind tags the payload variant carried by a job
type JobKind string

const (
	JobKindDownload JobKind = "download"
)

// JobOutcome describes how a successful job ended
type JobOutcome string

const (
	OutcomeStored          JobOutcome = "stored"
	OutcomeSkippedExisting JobOutcome = "skipped_existing"
	OutcomeDuplicate       JobOutcome = "duplicate"
	OutcomeNoMedia         JobOutcome = "no_media"
)

// JobPayload is the tagged union carried on the queue. Exactly one variant
// field is set and it must match Kind.
type JobPayload struct {
	Kind     JobKind          `json:"kind"`
	Download *DownloadPayload `json:"download,omitempty"`
}

// DownloadPayload asks a worker to resolve, fetch and store one source URL
type DownloadPayload struct {
	JobID     string `json:"jobId"`
	SourceURL string `json:"sourceUrl"`
}

// NewDownloadPayload builds a download-kind payload
func NewDownloadPayload(jobID, sourceURL string) JobPayload {
	return JobPayload{
		Kind:     JobKindDownload,
		Download: &DownloadPayload{JobID: jobID, SourceURL: sourceURL},
	}
}

// Validate checks that the variant matches the kind
func (p JobPayload) Validate() error {
	switch p.Kind {
	case JobKindDownload:
		if p.Download == nil {
			return fmt.Errorf("%s payload missing body", p.Kind)
		}
		if p.Download.SourceURL == "" {
			return fmt.Errorf("%s payload missing source url", p.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJobKind, p.Kind)
	}
}

// EncodePayload marshals a validated payload
func EncodePayload(p JobPayload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodePayload unmarshals and validates a payload
func DecodePayload(data []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return JobPayload{}, fmt.Errorf("failed to decode job payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return JobPayload{}, err
	}
	return p, nil
}

// QueueJob represents one unit of queued work
type QueueJob struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	Kind         JobKind    `json:"kind" gorm:"not null"`
	Payload      string     `json:"-" gorm:"type:text;not null"`
	SourceURL    string     `json:"sourceUrl" gorm:"not null;index"`
	Status       JobStatus  `json:"status" gorm:"not null;index"`
	AttemptCount int        `json:"attemptCount" gorm:"default:0"`
	MaxAttempts  int        `json:"maxAttempts"`
	StalledCount int        `json:"stalledCount" gorm:"default:0"`
	LastError    string     `json:"lastError,omitempty"`
	Outcome      JobOutcome `json:"outcome,omitempty"`
	LockToken    string     `json:"-" gorm:"index"`
	HeartbeatAt  *time.Time `json:"heartbeatAt,omitempty"`
	NextRunAt    time.Time  `json:"nextRunAt" gorm:"index"`
	CreatedAt    time.Time  `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt    time.Time  `json:"updatedAt" gorm:"autoUpdateTime"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// NewDownloadJob creates a pending download job for sourceURL
func NewDownloadJob(sourceURL string, maxAttempts int) (*QueueJob, error) {
	id := uuid.New().String()
	payload, err := EncodePayload(NewDownloadPayload(id, sourceURL))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &QueueJob{
		ID:          id,
		Kind:        JobKindDownload,
		Payload:     string(payload),
		SourceURL:   sourceURL,
		Status:      JobStatusPending,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DecodedPayload returns the job's tagged payload
func (j *QueueJob) DecodedPayload() (JobPayload, error) {
	return DecodePayload([]byte(j.Payload))
}

// IsTerminal checks if the job is in a terminal state
func (j *QueueJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// AttemptsExhausted reports whether no further delivery is allowed
func (j *QueueJob) AttemptsExhausted() bool {
	return j.AttemptCount >= j.MaxAttempts
}

// RetryPolicy bounds redelivery of failed and stalled jobs
type RetryPolicy struct {
	MaxAttempts      int
	BackoffBase      time.Duration
	RemoveOnComplete bool
	MaxStalledCount  int
}

// Backoff returns the delay before the next attempt after attempt failures.
// attempt is 1-based: the first retry waits BackoffBase.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > time.Hour {
			return time.Hour
		}
	}
	return delay
}

// JobFilter narrows job listings
type JobFilter struct {
	Status JobStatus
	Limit  int // 0 means 100, negative means unbounded
}

// JobStats represents queue statistics
type JobStats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
