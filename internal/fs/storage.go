package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/pavel-fokin/files-drop/internal/files"
)

// Storage implements files.BlobStorage using the filesystem
type Storage struct {
	dataDir string
}

// NewStorage creates a new filesystem storage
func NewStorage(dataDir string) *Storage {
	return &Storage{
		dataDir: filepath.Clean(dataDir),
	}
}

// Save writes content to a new, uniquely named file and returns its path
func (s *Storage) Save(content io.Reader) (string, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return "", fmt.Errorf("%w: failed to create data directory: %w", files.ErrStorage, err)
	}

	// Names are opaque; the client filename never reaches the filesystem
	filePath := filepath.Join(s.dataDir, uuid.NewString())

	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create file: %w", files.ErrStorage, err)
	}

	if _, err := io.Copy(file, content); err != nil {
		file.Close()
		os.Remove(filePath)
		return "", fmt.Errorf("%w: failed to write file content: %w", files.ErrStorage, err)
	}

	if err := file.Close(); err != nil {
		os.Remove(filePath)
		return "", fmt.Errorf("%w: failed to close file: %w", files.ErrStorage, err)
	}

	return filePath, nil
}

// Open returns a reader for the file content
func (s *Storage) Open(path string) (io.ReadSeekCloser, error) {
	if !s.contains(path) {
		return nil, fmt.Errorf("%w: path %q is outside data directory", files.ErrNotFound, path)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, files.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to open file: %w", files.ErrStorage, err)
	}

	return file, nil
}

// Delete removes a file. A file that is already gone is not an error.
// Paths outside the data directory are never touched and count as gone.
func (s *Storage) Delete(path string) (bool, error) {
	if !s.contains(path) {
		return false, nil
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to delete file: %w", files.ErrStorage, err)
	}

	return true, nil
}

// List returns the paths of the blobs Save created in the data directory.
// Regular files whose names are not UUIDs belong to someone else and are skipped.
func (s *Storage) List() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to read data directory: %w", files.ErrStorage, err)
	}

	var paths []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		paths = append(paths, filepath.Join(s.dataDir, entry.Name()))
	}
	return paths, nil
}

// contains reports whether path resolves inside the data directory
func (s *Storage) contains(path string) bool {
	rel, err := filepath.Rel(s.dataDir, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
