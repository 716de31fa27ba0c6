//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langliu/video-downloader/api"
	"github.com/langliu/video-downloader/api/handlers"
	"github.com/langliu/video-downloader/internal/app"
	"github.com/langliu/video-downloader/internal/domain"
	"github.com/langliu/video-downloader/internal/infrastructure"
)

// mp4Payload starts with an ftyp box so content sniffing sees a video
var mp4Payload = append([]byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom"), bytes.Repeat([]byte{0x42}, 4096)...)

// newMediaOrigin serves mp4Payload for any path under /v/
func newMediaOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(mp4Payload)
	}))
	t.Cleanup(server.Close)
	return server
}

// newParsingService answers like the external parsing service: links whose
// path contains "blocked" are rejected, the rest point at origin.
func newParsingService(t *testing.T, origin string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		link, err := url.Parse(r.PostForm.Get("link"))
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		name := path.Base(link.Path)
		if strings.Contains(name, "blocked") {
			w.Write([]byte(`{"code":"9999","message":"blocked by source","data":null}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": "0001",
			"data": map[string]interface{}{
				"playAddr": origin + "/v/" + name + ".mp4",
				"desc":     "clip " + name,
				"size":     len(mp4Payload),
			},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func newResolver(endpoint string) *infrastructure.ParserClient {
	return infrastructure.NewParserClient(&domain.ResolverConfig{
		Endpoint: endpoint,
		Timeout:  5 * time.Second,
	}, zap.NewNop())
}

type stack struct {
	server   *httptest.Server
	queueMgr *app.QueueManager
}

func setupServerStack(t *testing.T) *stack {
	t.Helper()
	tmpDir := t.TempDir()

	origin := newMediaOrigin(t)
	parser := newParsingService(t, origin.URL)

	repo, err := infrastructure.NewSQLiteRepository(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	fs := afero.NewOsFs()
	storage, err := infrastructure.NewLocalStorage(fs, filepath.Join(tmpDir, "objects"), "http://media.invalid", "integration-secret")
	require.NoError(t, err)

	queueConfig := domain.DefaultConfig().Queue
	queueConfig.MaxAttempts = 2
	queueConfig.BackoffBase = 10 * time.Millisecond
	queueConfig.RemoveOnComplete = false

	broker := infrastructure.NewDatabaseBroker(repo, infrastructure.DatabaseBrokerConfig{
		Workers:           2,
		PollInterval:      20 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		StallInterval:     5 * time.Second,
		Policy:            queueConfig.RetryPolicy(),
	}, zap.NewNop())

	resolver := newResolver(parser.URL)
	fetcher := infrastructure.NewHTTPFetcher(fs, filepath.Join(tmpDir, "spool"), "integration-test", zap.NewNop())
	processor := app.NewJobProcessor(repo, resolver, fetcher, storage, app.JobProcessorConfig{
		RemoteFetchTimeout: 5 * time.Second,
		StoreTimeout:       5 * time.Second,
		KeyPrefix:          "videos",
	}, zap.NewNop())

	queueMgr := app.NewQueueManager(repo, broker, processor, &queueConfig, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, queueMgr.Start(ctx))
	t.Cleanup(func() { queueMgr.Stop() })

	router := api.SetupRouter(api.Dependencies{
		QueueMgr:    queueMgr,
		ResolveSvc:  app.NewResolveService(resolver, 4, nil),
		MediaRepo:   repo,
		Storage:     storage,
		URLExpiry:   time.Hour,
		SignedStore: storage,
		Logger:      zap.NewNop(),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &stack{server: server, queueMgr: queueMgr}
}

func (s *stack) getJSON(t *testing.T, path string, out interface{}) {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (s *stack) submit(t *testing.T, urls ...string) handlers.SubmitJobsResponse {
	t.Helper()
	data, err := json.Marshal(handlers.SubmitJobsRequest{URLs: urls})
	require.NoError(t, err)

	resp, err := http.Post(s.server.URL+"/api/v1/jobs", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result handlers.SubmitJobsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (s *stack) waitForStats(t *testing.T, completed, failed int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		var stats domain.JobStats
		s.getJSON(t, "/api/v1/jobs/stats", &stats)
		return stats.Completed == completed && stats.Failed == failed
	}, 10*time.Second, 50*time.Millisecond)
}

func TestServerPath_SubmitStoreAndServe(t *testing.T) {
	s := setupServerStack(t)

	submitted := s.submit(t,
		"https://v.example.com/share/a",
		"https://v.example.com/share/b",
		"https://v.example.com/share/blocked")
	require.Equal(t, 3, submitted.Accepted)

	s.waitForStats(t, 2, 1)

	var failed []*domain.QueueJob
	s.getJSON(t, "/api/v1/jobs?status=failed", &failed)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].AttemptCount)
	assert.Contains(t, failed[0].LastError, "blocked by source")

	var page domain.MediaPage
	s.getJSON(t, "/api/v1/videos", &page)
	require.Equal(t, int64(2), page.Total)

	for _, item := range page.Items {
		assert.True(t, strings.HasPrefix(item.Title, "clip "))
		assert.True(t, strings.HasSuffix(item.StorageKey, ".mp4"))

		accessURL, err := url.Parse(item.AccessURL)
		require.NoError(t, err)
		resp, err := http.Get(s.server.URL + accessURL.RequestURI())
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, mp4Payload, body)
	}
}

func TestServerPath_ResubmitSkipsStoredMedia(t *testing.T) {
	s := setupServerStack(t)

	s.submit(t, "https://v.example.com/share/a")
	s.waitForStats(t, 1, 0)

	again := s.submit(t, "https://v.example.com/share/a")
	s.waitForStats(t, 2, 0)

	var job domain.QueueJob
	s.getJSON(t, "/api/v1/jobs/"+again.Jobs[0].ID, &job)
	assert.Equal(t, domain.OutcomeSkippedExisting, job.Outcome)

	var page domain.MediaPage
	s.getJSON(t, "/api/v1/videos", &page)
	assert.Equal(t, int64(1), page.Total)
}

func TestServerPath_Resolve(t *testing.T) {
	s := setupServerStack(t)

	data, err := json.Marshal(handlers.ResolveRequest{Links: []string{
		"https://v.example.com/share/a,https://v.example.com/share/blocked",
	}})
	require.NoError(t, err)
	resp, err := http.Post(s.server.URL+"/api/v1/videos/resolve", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result app.ResolveResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
}
