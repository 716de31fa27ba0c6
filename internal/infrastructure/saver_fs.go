package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/langliu/video-downloader/internal/domain"
	"github.com/spf13/afero"
)

// ErrNoFolderSelected is returned by a FolderSaver without a directory
var ErrNoFolderSelected = errors.New("no output folder selected")

// FolderSaver writes media into a user-selected directory
type FolderSaver struct {
	fs  afero.Fs
	dir string
}

// NewFolderSaver creates a saver for dir; an empty dir fails every save
func NewFolderSaver(fs afero.Fs, dir string) *FolderSaver {
	return &FolderSaver{fs: fs, dir: dir}
}

// Save copies media into the folder
func (s *FolderSaver) Save(ctx context.Context, filename string, media *domain.FetchedMedia) (string, error) {
	if s.dir == "" {
		return "", ErrNoFolderSelected
	}
	return copyIntoDir(ctx, s.fs, s.dir, filename, media)
}

// DefaultSaver writes media into the fallback downloads directory
type DefaultSaver struct {
	fs  afero.Fs
	dir string
}

// NewDefaultSaver creates the fallback saver
func NewDefaultSaver(fs afero.Fs, dir string) *DefaultSaver {
	return &DefaultSaver{fs: fs, dir: dir}
}

// Save copies media into the fallback directory, creating it if needed
func (s *DefaultSaver) Save(ctx context.Context, filename string, media *domain.FetchedMedia) (string, error) {
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	return copyIntoDir(ctx, s.fs, s.dir, filename, media)
}

// copyIntoDir writes media to dir/filename without overwriting existing files
func copyIntoDir(ctx context.Context, fs afero.Fs, dir, filename string, media *domain.FetchedMedia) (string, error) {
	info, err := fs.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("output folder unavailable: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("output folder %s is not a directory", dir)
	}

	src, err := media.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open spooled media: %w", err)
	}
	defer src.Close()

	dst, target, err := createUnique(fs, dir, filename)
	if err != nil {
		return "", err
	}

	_, copyErr := io.Copy(dst, &contextReader{ctx: ctx, r: src})
	closeErr := dst.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		fs.Remove(target)
		return "", fmt.Errorf("failed to write file: %w", copyErr)
	}

	return target, nil
}

// createUnique creates dir/filename exclusively, appending " (n)" before the
// extension until a name is free
func createUnique(fs afero.Fs, dir, filename string) (afero.File, string, error) {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	candidate := filepath.Join(dir, filename)
	for n := 1; n < 1000; n++ {
		file, err := fs.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			return file, candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("failed to create file: %w", err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
	return nil, "", fmt.Errorf("too many files named %s", filename)
}
