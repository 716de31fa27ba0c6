package domain

import "context"

// JobHandler processes one delivered job. A nil error completes the job with
// the returned outcome; any error is subject to the broker's retry policy.
type JobHandler func(ctx context.Context, job *QueueJob) (JobOutcome, error)

// JobFailureHook is called once a job reaches its terminal failed state
type JobFailureHook func(job *QueueJob, reason string)

// JobBroker delivers persisted jobs to workers
type JobBroker interface {
	// Publish makes newly created jobs available for delivery
	Publish(ctx context.Context, jobs []*QueueJob) error

	// Run consumes jobs until ctx is cancelled or Shutdown is called
	Run(ctx context.Context, handler JobHandler) error

	// Shutdown stops consumption and waits for in-flight jobs
	Shutdown()
}
