package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDownloadJob(t *testing.T) {
	job, err := NewDownloadJob("https://v.example.com/1", 5)
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobKindDownload, job.Kind)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.False(t, job.IsTerminal())

	payload, err := job.DecodedPayload()
	require.NoError(t, err)
	require.NotNil(t, payload.Download)
	assert.Equal(t, job.ID, payload.Download.JobID)
	assert.Equal(t, "https://v.example.com/1", payload.Download.SourceURL)
}

func TestDecodePayload_RejectsUnknownKind(t *testing.T) {
	_, err := DecodePayload([]byte(`{"kind":"transcode"}`))
	assert.ErrorIs(t, err, ErrUnknownJobKind)

	_, err = DecodePayload([]byte(`{"kind":"download"}`))
	assert.Error(t, err)

	_, err = DecodePayload([]byte(`not json`))
	assert.Error(t, err)
}

func TestQueueJob_AttemptsExhausted(t *testing.T) {
	job := &QueueJob{MaxAttempts: 2}
	assert.False(t, job.AttemptsExhausted())
	job.AttemptCount = 2
	assert.True(t, job.AttemptsExhausted())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := RetryPolicy{BackoffBase: time.Second}

	assert.Equal(t, time.Second, policy.Backoff(0))
	assert.Equal(t, time.Second, policy.Backoff(1))
	assert.Equal(t, 2*time.Second, policy.Backoff(2))
	assert.Equal(t, 4*time.Second, policy.Backoff(3))
	assert.Equal(t, 16*time.Second, policy.Backoff(5))
	assert.Equal(t, time.Hour, policy.Backoff(40))
}
