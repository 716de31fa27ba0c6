package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRecord is returned when a media record for the source URL already exists
	ErrDuplicateRecord = errors.New("media record already exists")

	// ErrLeaseLost is returned when a worker updates a job it no longer owns
	ErrLeaseLost = errors.New("job lease lost")

	// ErrJobNotFound is returned when a job ID does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotRetryable is returned when retrying a job that has not failed
	ErrJobNotRetryable = errors.New("only failed jobs can be retried")

	// ErrUnknownJobKind is returned for payloads carrying an unsupported kind
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrSessionNotFound is returned when a batch session ID does not exist
	ErrSessionNotFound = errors.New("batch session not found")

	// ErrTaskNotFound is returned when a task ID is not part of a batch session
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotRetryable is returned when retrying a task that has not failed
	ErrTaskNotRetryable = errors.New("only failed tasks can be retried")
)

// InputError reports an empty or malformed URL. It is never retried.
type InputError struct {
	Input  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid input %q: %s", e.Input, e.Reason)
}

// ResolveError reports a failed call to the parsing service
type ResolveError struct {
	URL    string
	Code   string
	Reason string
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %s", e.URL, e.Reason)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// DownloadErrorKind classifies media fetch failures
type DownloadErrorKind string

const (
	DownloadErrorTimeout DownloadErrorKind = "timeout"
	DownloadErrorNetwork DownloadErrorKind = "network"
	DownloadErrorDNS     DownloadErrorKind = "dns"
	DownloadErrorStatus  DownloadErrorKind = "status"
	DownloadErrorIO      DownloadErrorKind = "io"
)

// DownloadError reports a failed media fetch
type DownloadError struct {
	URL        string
	Kind       DownloadErrorKind
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Kind == DownloadErrorStatus {
		return fmt.Sprintf("fetch %s: unexpected status code %d", e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Category returns a short human-readable diagnosis for the failure
func (e *DownloadError) Category() string {
	switch e.Kind {
	case DownloadErrorTimeout:
		return "request timed out, check the URL or try again later"
	case DownloadErrorDNS:
		return "domain name resolution failed, check the URL"
	case DownloadErrorNetwork:
		return "network request failed, the server may be unreachable"
	case DownloadErrorStatus:
		return fmt.Sprintf("origin server responded with status %d", e.StatusCode)
	default:
		return "failed to read media stream"
	}
}

// IsTimeout reports whether err is a timeout-typed download failure
func IsTimeout(err error) bool {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind == DownloadErrorTimeout
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Timeout
	}
	return false
}

// StoreError reports a failed write to object storage
type StoreError struct {
	Key     string
	Timeout bool
	Err     error
}

func (e *StoreError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("store %s: timed out: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err can never succeed on retry
func IsPermanent(err error) bool {
	var inputErr *InputError
	return errors.As(err, &inputErr) || errors.Is(err, ErrUnknownJobKind)
}
