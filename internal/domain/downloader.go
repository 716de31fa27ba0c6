package domain

import (
	"context"
	"io"
	"time"
)

// VideoResolver turns a source page URL into a direct media address
type VideoResolver interface {
	Resolve(ctx context.Context, sourceURL string) (*MediaMetadata, error)
}

// ProgressFunc receives download progress in percent
type ProgressFunc func(percent int)

// MediaFetcher streams a media payload to a spool file. The returned media is
// fully drained; on error nothing is left behind.
type MediaFetcher interface {
	Fetch(ctx context.Context, mediaURL string, onProgress ProgressFunc) (*FetchedMedia, error)
}

// MediaSaver persists a fetched payload under a file name and returns where it went
type MediaSaver interface {
	Save(ctx context.Context, filename string, media *FetchedMedia) (string, error)
}

// ObjectStorage defines the object store used by the server path
type ObjectStorage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Notifier sends desktop notifications
type Notifier interface {
	NotifyBatchCompleted(succeeded, failed int)
	NotifyJobFailed(sourceURL string, err error)
}
