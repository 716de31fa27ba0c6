package infrastructure

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/langliu/video-downloader/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3Storage_IncompleteConfig(t *testing.T) {
	_, err := NewS3Storage(context.Background(), &domain.S3Storage{Bucket: "videos"})
	assert.Error(t, err)
}

func TestS3Storage_SignedURL(t *testing.T) {
	storage, err := NewS3Storage(context.Background(), &domain.S3Storage{
		Endpoint:        "https://objects.example.com",
		Region:          "auto",
		Bucket:          "videos",
		AccessKeyID:     "access",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	signed, err := storage.SignedURL(context.Background(), "videos/abc.mp4", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "objects.example.com", u.Host)
	assert.Equal(t, "/videos/videos/abc.mp4", u.Path)
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}
