package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langliu/video-downloader/internal/domain"
	"github.com/langliu/video-downloader/internal/infrastructure"
)

// fakeSaver implements domain.MediaSaver for testing
type fakeSaver struct {
	mu    sync.Mutex
	dir   string
	err   error
	saved []string
}

func (s *fakeSaver) Save(ctx context.Context, filename string, media *domain.FetchedMedia) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.dir + "/" + filename
	s.saved = append(s.saved, path)
	return path, nil
}

func batchItems(n int) []domain.BatchItem {
	items := make([]domain.BatchItem, n)
	for i := range items {
		items[i] = domain.BatchItem{
			ID:          fmt.Sprintf("t%d", i),
			DisplayName: fmt.Sprintf("clip %d", i),
			SourceURL:   fmt.Sprintf("https://cdn.example.com/%d.mp4", i),
		}
	}
	return items
}

func newTestOrchestrator(fetcher domain.MediaFetcher, preferred, fallback domain.MediaSaver) *BatchOrchestrator {
	return NewBatchOrchestrator(fetcher, preferred, fallback, BatchOrchestratorConfig{
		Concurrency:  3,
		GroupDelay:   5 * time.Millisecond,
		FetchTimeout: 2 * time.Second,
	}, nil)
}

func TestBatchSession_BoundedConcurrency(t *testing.T) {
	fetcher := newFakeFetcher()
	var inFlight, maxInFlight int32
	fetcher.fetch = func(ctx context.Context, mediaURL string, onProgress domain.ProgressFunc) error {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	session := newTestOrchestrator(fetcher, nil, &fakeSaver{dir: "/downloads"}).NewSession(batchItems(7))
	snapshot := session.Run(context.Background())

	assert.True(t, snapshot.Done)
	assert.Equal(t, 7, snapshot.Counts()[domain.TaskStatusCompleted])
	assert.Equal(t, int32(3), atomic.LoadInt32(&maxInFlight))
}

func TestBatchSession_FailureIsolation(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.fetch = func(ctx context.Context, mediaURL string, onProgress domain.ProgressFunc) error {
		if strings.HasSuffix(mediaURL, "/1.mp4") {
			return &domain.DownloadError{URL: mediaURL, Kind: domain.DownloadErrorStatus, StatusCode: 404}
		}
		return nil
	}
	notifier := &recordingNotifier{}
	orch := newTestOrchestrator(fetcher, nil, &fakeSaver{dir: "/downloads"})
	orch.SetNotifier(notifier)

	snapshot := orch.NewSession(batchItems(4)).Run(context.Background())

	failed, ok := snapshot.Task("t1")
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusFailed, failed.Status)
	assert.Equal(t, 0, failed.Progress)
	assert.NotEmpty(t, failed.Error)
	assert.Equal(t, 3, snapshot.Counts()[domain.TaskStatusCompleted])
	assert.Equal(t, [][2]int{{3, 1}}, notifier.batches)
	assert.Equal(t, 0, fetcher.spoolFiles())
}

func TestBatchSession_FallbackSave(t *testing.T) {
	preferred := &fakeSaver{err: errors.New("permission denied")}
	fallback := &fakeSaver{dir: "/fallback"}

	snapshot := newTestOrchestrator(newFakeFetcher(), preferred, fallback).
		NewSession([]domain.BatchItem{{ID: "a", DisplayName: "my clip: part 1", SourceURL: "https://cdn.example.com/a.mp4"}}).
		Run(context.Background())

	task, _ := snapshot.Task("a")
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, "/fallback/my_clip__part_1.mp4", task.SavedPath)
}

func TestBatchSession_BothSaversFail(t *testing.T) {
	preferred := &fakeSaver{err: errors.New("permission denied")}
	fallback := &fakeSaver{err: errors.New("disk full")}

	snapshot := newTestOrchestrator(newFakeFetcher(), preferred, fallback).
		NewSession(batchItems(1)).
		Run(context.Background())

	task, _ := snapshot.Task("t0")
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "disk full")
}

func TestBatchSession_PreferredSaverOnAferoFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/chosen", 0755))

	fetcher := newFakeFetcher()
	orch := newTestOrchestrator(fetcher, nil, infrastructure.NewDefaultSaver(fs, "/fallback"))
	session := orch.NewSession(batchItems(1), WithPreferredSaver(infrastructure.NewFolderSaver(fs, "/chosen")))

	snapshot := session.Run(context.Background())
	task, _ := snapshot.Task("t0")
	require.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, "/chosen/clip_0.mp4", task.SavedPath)

	data, err := afero.ReadFile(fs, task.SavedPath)
	require.NoError(t, err)
	assert.Equal(t, fetcher.body, data)
}

func TestBatchSession_FetchTimeout(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.fetch = func(ctx context.Context, mediaURL string, onProgress domain.ProgressFunc) error {
		<-ctx.Done()
		return &domain.DownloadError{URL: mediaURL, Kind: domain.DownloadErrorTimeout, Err: ctx.Err()}
	}
	orch := NewBatchOrchestrator(fetcher, nil, &fakeSaver{dir: "/d"}, BatchOrchestratorConfig{
		Concurrency:  3,
		FetchTimeout: 50 * time.Millisecond,
	}, nil)

	start := time.Now()
	snapshot := orch.NewSession(batchItems(2)).Run(context.Background())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 2, snapshot.Counts()[domain.TaskStatusFailed])

	task, _ := snapshot.Task("t0")
	assert.Equal(t, "request timed out, check the URL or try again later", task.ErrorCategory)
	assert.Contains(t, task.Error, "timeout")
}

func TestBatchSession_SnapshotsAreMonotonic(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.fetch = func(ctx context.Context, mediaURL string, onProgress domain.ProgressFunc) error {
		for _, p := range []int{0, 10, 10, 40, 30, 99} {
			onProgress(p)
			time.Sleep(time.Millisecond)
		}
		onProgress(100)
		return nil
	}
	session := newTestOrchestrator(fetcher, nil, &fakeSaver{dir: "/d"}).NewSession(batchItems(5))
	updates, cancel := session.Subscribe()
	defer cancel()

	go session.Run(context.Background())

	last := make(map[string]int)
	var final domain.Snapshot
	for snapshot := range updates {
		for _, task := range snapshot.Tasks {
			if task.Status == domain.TaskStatusDownloading {
				assert.GreaterOrEqual(t, task.Progress, last[task.ID], "task %s went backwards", task.ID)
				last[task.ID] = task.Progress
			}
		}
		final = snapshot
	}

	require.True(t, final.Done, "final snapshot is delivered before close")
	for _, task := range final.Tasks {
		assert.Equal(t, domain.TaskStatusCompleted, task.Status)
		assert.Equal(t, 100, task.Progress)
	}
}

func TestBatchSession_Retry(t *testing.T) {
	var healthy atomic.Bool
	fetcher := newFakeFetcher()
	fetcher.fetch = func(ctx context.Context, mediaURL string, onProgress domain.ProgressFunc) error {
		if !healthy.Load() {
			return &domain.DownloadError{URL: mediaURL, Kind: domain.DownloadErrorNetwork}
		}
		return nil
	}
	session := newTestOrchestrator(fetcher, nil, &fakeSaver{dir: "/d"}).NewSession(batchItems(2))

	snapshot := session.Run(context.Background())
	assert.Equal(t, 2, snapshot.Counts()[domain.TaskStatusFailed])

	assert.ErrorIs(t, session.Retry(context.Background(), "missing"), domain.ErrTaskNotFound)

	healthy.Store(true)
	require.NoError(t, session.Retry(context.Background(), "t0"))

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not settle")
	}

	snapshot = session.Snapshot()
	assert.True(t, snapshot.Done)
	task, _ := snapshot.Task("t0")
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	other, _ := snapshot.Task("t1")
	assert.Equal(t, domain.TaskStatusFailed, other.Status)

	assert.ErrorIs(t, session.Retry(context.Background(), "t0"), domain.ErrTaskNotRetryable)
}

func TestBatchSession_CancelledBeforeLaterGroups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := newFakeFetcher()
	fetcher.fetch = func(context.Context, string, domain.ProgressFunc) error {
		cancel()
		return nil
	}
	orch := NewBatchOrchestrator(fetcher, nil, &fakeSaver{dir: "/d"}, BatchOrchestratorConfig{
		Concurrency:  1,
		GroupDelay:   time.Hour,
		FetchTimeout: time.Second,
	}, nil)

	snapshot := orch.NewSession(batchItems(3)).Run(ctx)

	assert.True(t, snapshot.Done)
	assert.Equal(t, 1, snapshot.Counts()[domain.TaskStatusCompleted])
	assert.Equal(t, 2, snapshot.Counts()[domain.TaskStatusFailed])
}

func TestBatchSession_SubscribeAfterDone(t *testing.T) {
	session := newTestOrchestrator(newFakeFetcher(), nil, &fakeSaver{dir: "/d"}).NewSession(batchItems(1))
	session.Run(context.Background())

	updates, cancel := session.Subscribe()
	defer cancel()

	snapshot, ok := <-updates
	require.True(t, ok)
	assert.True(t, snapshot.Done)
	_, ok = <-updates
	assert.False(t, ok)
}

func TestBatchSession_RetryWaitsForFreeSlot(t *testing.T) {
	var inFlight, maxInFlight, firstAttempts int32
	release := make(chan struct{})
	secondGroup := make(chan struct{}, 3)

	fetcher := newFakeFetcher()
	fetcher.fetch = func(ctx context.Context, mediaURL string, onProgress domain.ProgressFunc) error {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
				break
			}
		}

		switch {
		case strings.HasSuffix(mediaURL, "/0.mp4") && atomic.AddInt32(&firstAttempts, 1) == 1:
			return &domain.DownloadError{URL: mediaURL, Kind: domain.DownloadErrorNetwork}
		case strings.HasSuffix(mediaURL, "/3.mp4"), strings.HasSuffix(mediaURL, "/4.mp4"), strings.HasSuffix(mediaURL, "/5.mp4"):
			secondGroup <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	session := newTestOrchestrator(fetcher, nil, &fakeSaver{dir: "/d"}).NewSession(batchItems(6))
	go session.Run(context.Background())

	for i := 0; i < 3; i++ {
		select {
		case <-secondGroup:
		case <-time.After(5 * time.Second):
			t.Fatal("second group did not start")
		}
	}

	require.NoError(t, session.Retry(context.Background(), "t0"))
	time.Sleep(50 * time.Millisecond)

	snapshot := session.Snapshot()
	assert.Equal(t, 3, snapshot.Counts()[domain.TaskStatusDownloading])
	queued, _ := snapshot.Task("t0")
	assert.Equal(t, domain.TaskStatusPending, queued.Status)

	close(release)
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not settle")
	}

	snapshot = session.Snapshot()
	assert.Equal(t, 6, snapshot.Counts()[domain.TaskStatusCompleted])
	assert.Equal(t, int32(3), atomic.LoadInt32(&maxInFlight))
}

func TestBatchSession_UntitledItemUsesSuggestedFilename(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Disposition", `attachment; filename="holiday trip.mp4"`)
		w.Write([]byte("not really a video"))
	}))
	defer origin.Close()

	fs := afero.NewMemMapFs()
	fetcher := infrastructure.NewHTTPFetcher(fs, "/spool", "", zap.NewNop())
	orch := newTestOrchestrator(fetcher, nil, infrastructure.NewDefaultSaver(fs, "/downloads"))

	snapshot := orch.NewSession([]domain.BatchItem{
		{ID: "untitled", SourceURL: origin.URL + "/v/abc123"},
		{ID: "titled", DisplayName: "beach day", SourceURL: origin.URL + "/v/def456"},
	}).Run(context.Background())

	untitled, _ := snapshot.Task("untitled")
	require.Equal(t, domain.TaskStatusCompleted, untitled.Status, untitled.Error)
	assert.Equal(t, "/downloads/holiday_trip.mp4", untitled.SavedPath)

	titled, _ := snapshot.Task("titled")
	require.Equal(t, domain.TaskStatusCompleted, titled.Status, titled.Error)
	assert.Equal(t, "/downloads/beach_day.mp4", titled.SavedPath)
}
