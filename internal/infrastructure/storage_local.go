package infrastructure

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var (
	// ErrInvalidKey is returned for keys that escape the storage root
	ErrInvalidKey = errors.New("invalid object key")

	// ErrInvalidSignature is returned for tampered or expired media links
	ErrInvalidSignature = errors.New("invalid or expired signature")
)

// LocalStorage implements domain.ObjectStorage on a filesystem and signs
// links served by the /media route.
type LocalStorage struct {
	fs        afero.Fs
	baseDir   string
	publicURL string
	secret    []byte
}

// NewLocalStorage creates storage rooted at baseDir. An empty secret is
// replaced with a random one, so links do not survive a restart.
func NewLocalStorage(fs afero.Fs, baseDir, publicURL, secret string) (*LocalStorage, error) {
	if err := fs.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
	}

	return &LocalStorage{
		fs:        fs,
		baseDir:   baseDir,
		publicURL: strings.TrimRight(publicURL, "/"),
		secret:    key,
	}, nil
}

// Put writes an object, honouring ctx cancellation between chunks
func (s *LocalStorage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	target, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	file, err := s.fs.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create object: %w", err)
	}

	_, copyErr := io.Copy(file, &contextReader{ctx: ctx, r: body})
	closeErr := file.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		s.fs.Remove(target)
		return fmt.Errorf("failed to write object: %w", copyErr)
	}
	return nil
}

// Delete removes an object; missing objects are not an error
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	target, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(target); err != nil {
		if exists, _ := afero.Exists(s.fs, target); !exists {
			return nil
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// SignedURL returns a /media link valid until now+expiry
func (s *LocalStorage) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if _, err := s.objectPath(key); err != nil {
		return "", err
	}
	expires := time.Now().Add(expiry).Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.sign(key, expires))

	return fmt.Sprintf("%s/media/%s?%s", s.publicURL, key, q.Encode()), nil
}

// Verify checks a signature produced by SignedURL
func (s *LocalStorage) Verify(key, expires, signature string, now time.Time) error {
	ts, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if now.Unix() > ts {
		return ErrInvalidSignature
	}
	expected := s.sign(key, ts)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Open opens an object for reading
func (s *LocalStorage) Open(key string) (afero.File, error) {
	target, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	return s.fs.Open(target)
}

func (s *LocalStorage) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// objectPath maps a slash-separated key inside baseDir
func (s *LocalStorage) objectPath(key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if key == "" || cleaned == "/" || cleaned != "/"+strings.TrimPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(cleaned)), nil
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
