package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/langliu/video-downloader/internal/domain"
	"github.com/spf13/afero"
)

// fakeMediaRepo implements domain.MediaRepository for testing
type fakeMediaRepo struct {
	mu        sync.Mutex
	records   map[string]*domain.MediaRecord
	createErr error
	touched   []string
}

func newFakeMediaRepo() *fakeMediaRepo {
	return &fakeMediaRepo{records: make(map[string]*domain.MediaRecord)}
}

func (r *fakeMediaRepo) FindMediaBySourceURL(ctx context.Context, sourceURL string) (*domain.MediaRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[sourceURL], nil
}

func (r *fakeMediaRepo) CreateMedia(ctx context.Context, record *domain.MediaRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.records[record.SourceURL]; ok {
		return domain.ErrDuplicateRecord
	}
	r.records[record.SourceURL] = record
	return nil
}

func (r *fakeMediaRepo) TouchMedia(ctx context.Context, sourceURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, sourceURL)
	return nil
}

func (r *fakeMediaRepo) ListMedia(ctx context.Context, offset, limit int) ([]*domain.MediaRecord, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*domain.MediaRecord, 0, len(r.records))
	for _, record := range r.records {
		all = append(all, record)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return []*domain.MediaRecord{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (r *fakeMediaRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// fakeResolver implements domain.VideoResolver for testing
type fakeResolver struct {
	mu      sync.Mutex
	calls   int
	resolve func(sourceURL string) (*domain.MediaMetadata, error)
}

func (r *fakeResolver) Resolve(ctx context.Context, sourceURL string) (*domain.MediaMetadata, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.resolve != nil {
		return r.resolve(sourceURL)
	}
	return &domain.MediaMetadata{
		PlayAddress: "https://cdn.example.com/" + uuid.New().String() + ".mp4",
		Title:       "title of " + sourceURL,
	}, nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeFetcher implements domain.MediaFetcher over an in-memory filesystem
type fakeFetcher struct {
	fs    afero.Fs
	body  []byte
	mu    sync.Mutex
	calls int
	// fetch overrides the default behaviour when set
	fetch func(ctx context.Context, mediaURL string, onProgress domain.ProgressFunc) error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{fs: afero.NewMemMapFs(), body: []byte("fake video payload")}
}

func (f *fakeFetcher) Fetch(ctx context.Context, mediaURL string, onProgress domain.ProgressFunc) (*domain.FetchedMedia, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.fetch != nil {
		if err := f.fetch(ctx, mediaURL, onProgress); err != nil {
			return nil, err
		}
	} else if onProgress != nil {
		onProgress(0)
		onProgress(50)
		onProgress(100)
	}

	file, err := afero.TempFile(f.fs, "/spool", "media-*.part")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if _, err := file.Write(f.body); err != nil {
		return nil, err
	}
	return &domain.FetchedMedia{
		Path:        file.Name(),
		Size:        int64(len(f.body)),
		ContentType: "video/mp4",
		Extension:   ".mp4",
		FS:          f.fs,
	}, nil
}

func (f *fakeFetcher) spoolFiles() int {
	entries, err := afero.ReadDir(f.fs, "/spool")
	if err != nil {
		return 0
	}
	return len(entries)
}

// fakeStorage implements domain.ObjectStorage in memory
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	putErr  error
	block   bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (s *fakeStorage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *fakeStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStorage) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://objects.example.com/%s?expires=%d", key, int64(expiry.Seconds())), nil
}

func (s *fakeStorage) objectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
