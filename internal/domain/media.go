package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// MediaMetadata is the result of a successful resolve call
type MediaMetadata struct {
	PlayAddress string `json:"playAddress"`
	Title       string `json:"title"`
	CoverURL    string `json:"coverUrl,omitempty"`
	MusicURL    string `json:"musicUrl,omitempty"`
	SizeHint    string `json:"sizeHint,omitempty"`
}

// HasMedia reports whether the metadata carries a downloadable address
func (m *MediaMetadata) HasMedia() bool {
	return m != nil && m.PlayAddress != ""
}

// MediaRecord is a persisted, completed media item
type MediaRecord struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	SourceURL   string    `json:"sourceUrl" gorm:"not null;uniqueIndex"`
	Title       string    `json:"title"`
	StorageKey  string    `json:"storageKey" gorm:"not null;uniqueIndex"`
	CoverURL    string    `json:"coverUrl,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt" gorm:"autoCreateTime;index"`
	UpdatedAt   time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// NewMediaRecord creates a record for media stored under storageKey
func NewMediaRecord(sourceURL string, meta *MediaMetadata, storageKey string, media *FetchedMedia) *MediaRecord {
	now := time.Now()
	record := &MediaRecord{
		ID:         uuid.New().String(),
		SourceURL:  sourceURL,
		StorageKey: storageKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if meta != nil {
		record.Title = meta.Title
		record.CoverURL = meta.CoverURL
	}
	if media != nil {
		record.ContentType = media.ContentType
		record.Size = media.Size
	}
	return record
}

// FetchedMedia is a fully drained media payload spooled to a filesystem
type FetchedMedia struct {
	Path        string
	Size        int64
	ContentType string
	Filename    string // suggested name from Content-Disposition or the URL path
	Extension   string // with leading dot, e.g. ".mp4"
	FS          afero.Fs
}

// Open opens the spooled payload for reading
func (m *FetchedMedia) Open() (afero.File, error) {
	return m.FS.Open(m.Path)
}

// Discard removes the spooled payload
func (m *FetchedMedia) Discard() error {
	if m == nil || m.FS == nil || m.Path == "" {
		return nil
	}
	return m.FS.Remove(m.Path)
}

// MediaPage is one page of the media listing
type MediaPage struct {
	Items    []*MediaListItem `json:"items"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
	Total    int64            `json:"total"`
}

// MediaListItem is a media record with a time-limited access URL
type MediaListItem struct {
	*MediaRecord
	AccessURL string    `json:"accessUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}
