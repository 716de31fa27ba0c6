package infrastructure

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/langliu/video-downloader/internal/domain"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// acceptedContentTypes are the media types expected from a video origin
var acceptedContentTypes = []string{"video/", "application/octet-stream", "binary/octet-stream"}

// HTTPFetcher streams remote media into spool files
type HTTPFetcher struct {
	fs        afero.Fs
	spoolDir  string
	userAgent string
	client    *http.Client
	logger    *zap.Logger
}

// NewHTTPFetcher creates a fetcher that spools into spoolDir on fs
func NewHTTPFetcher(fs afero.Fs, spoolDir, userAgent string, logger *zap.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		fs:        fs,
		spoolDir:  spoolDir,
		userAgent: userAgent,
		client:    &http.Client{},
		logger:    logger,
	}
}

// Fetch downloads mediaURL, reporting progress. The caller bounds the
// download with ctx and owns the returned spool file.
func (f *HTTPFetcher) Fetch(ctx context.Context, mediaURL string, onProgress domain.ProgressFunc) (*domain.FetchedMedia, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, &domain.DownloadError{URL: mediaURL, Kind: domain.DownloadErrorNetwork, Err: err}
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyFetchError(ctx, mediaURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.DownloadError{URL: mediaURL, Kind: domain.DownloadErrorStatus, StatusCode: resp.StatusCode}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !isAcceptedContentType(contentType) {
		f.logger.Warn("Unexpected content type for media",
			zap.String("url", mediaURL),
			zap.String("content_type", contentType))
	}

	if err := f.fs.MkdirAll(f.spoolDir, 0755); err != nil {
		return nil, &domain.DownloadError{URL: mediaURL, Kind: domain.DownloadErrorIO, Err: err}
	}
	spool, err := afero.TempFile(f.fs, f.spoolDir, "media-*.part")
	if err != nil {
		return nil, &domain.DownloadError{URL: mediaURL, Kind: domain.DownloadErrorIO, Err: err}
	}
	spoolPath := spool.Name()

	tracker := newProgressTracker(resp.ContentLength, onProgress)
	tracker.start()

	written, copyErr := io.Copy(spool, io.TeeReader(resp.Body, tracker))
	closeErr := spool.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		f.fs.Remove(spoolPath)
		return nil, classifyFetchError(ctx, mediaURL, copyErr)
	}
	tracker.finish()

	media := &domain.FetchedMedia{
		Path:        spoolPath,
		Size:        written,
		ContentType: contentType,
		Filename:    suggestedFilename(resp.Header.Get("Content-Disposition"), mediaURL),
		Extension:   ".mp4",
		FS:          f.fs,
	}
	f.sniff(media)

	f.logger.Debug("Media fetched",
		zap.String("url", mediaURL),
		zap.Int64("bytes", written),
		zap.String("content_type", media.ContentType))

	return media, nil
}

// sniff fills the extension, and the content type when the origin omitted it
func (f *HTTPFetcher) sniff(media *domain.FetchedMedia) {
	file, err := media.Open()
	if err != nil {
		return
	}
	defer file.Close()

	detected, err := mimetype.DetectReader(file)
	if err != nil {
		return
	}
	if media.ContentType == "" {
		media.ContentType = detected.String()
	}
	if strings.HasPrefix(detected.String(), "video/") && detected.Extension() != "" {
		media.Extension = detected.Extension()
	}
}

// progressTracker converts byte counts into monotonic percentages
type progressTracker struct {
	total    int64
	received int64
	last     int
	report   domain.ProgressFunc
}

func newProgressTracker(total int64, report domain.ProgressFunc) *progressTracker {
	return &progressTracker{total: total, last: -1, report: report}
}

func (p *progressTracker) Write(b []byte) (int, error) {
	p.received += int64(len(b))
	if p.total > 0 {
		percent := int(p.received * 100 / p.total)
		// 100 is reserved for a fully drained body
		if percent > 99 {
			percent = 99
		}
		p.emit(percent)
	}
	return len(b), nil
}

func (p *progressTracker) start() {
	p.emit(0)
}

func (p *progressTracker) finish() {
	p.emit(100)
}

func (p *progressTracker) emit(percent int) {
	if p.report == nil || percent <= p.last {
		return
	}
	p.last = percent
	p.report(percent)
}

// classifyFetchError maps transport failures onto download error kinds
func classifyFetchError(ctx context.Context, mediaURL string, err error) error {
	kind := domain.DownloadErrorNetwork

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = domain.DownloadErrorTimeout
	case errors.As(err, &dnsErr):
		kind = domain.DownloadErrorDNS
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = domain.DownloadErrorTimeout
	}

	return &domain.DownloadError{URL: mediaURL, Kind: kind, Err: err}
}

func isAcceptedContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, accepted := range acceptedContentTypes {
		if strings.HasPrefix(ct, accepted) {
			return true
		}
	}
	return false
}

// suggestedFilename prefers Content-Disposition, then the last URL path segment
func suggestedFilename(disposition, mediaURL string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				return path.Base(name)
			}
		}
	}

	u, err := url.Parse(mediaURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}

