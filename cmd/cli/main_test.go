package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langliu/video-downloader/internal/domain"
)

func withServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	previous := serverURL
	serverURL = server.URL
	t.Cleanup(func() { serverURL = previous })
}

func TestAPIRequest_DecodesSuccess(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/stats", r.URL.Path)
		w.Write([]byte(`{"total":3,"pending":1,"failed":2}`))
	})

	var stats domain.JobStats
	require.NoError(t, apiRequest(http.MethodGet, "/api/v1/jobs/stats", nil, &stats))
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestAPIRequest_ReportsServerError(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid input \"nope\": unsupported url"}`))
	})

	err := apiRequest(http.MethodPost, "/api/v1/jobs", map[string]interface{}{"urls": []string{"nope"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported url")
	assert.Contains(t, err.Error(), "400")
}

func TestReadLinks_SplitsArguments(t *testing.T) {
	links, err := readLinks([]string{"https://a.example.com/1\nhttps://a.example.com/2", "https://a.example.com/1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com/1", "https://a.example.com/2"}, links)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}
