package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pavel-fokin/files-drop/internal/files"
)

// entry is the on-disk shape of one record
type entry struct {
	FilePath     string `json:"filePath"`
	OriginalName string `json:"originalName"`
	CreatedAt    int64  `json:"createdAt"`
}

// JSONStore keeps the ledger in a single JSON document keyed by handle
type JSONStore struct {
	path string
}

// NewJSONStore creates a store writing to path
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Load reads and validates the document. A missing file is an empty ledger.
func (s *JSONStore) Load() (map[string]*files.File, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*files.File{}, nil
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	var entries map[string]*entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", files.ErrCorruptData, s.path, err)
	}
	if entries == nil {
		// the literal "null"
		return nil, fmt.Errorf("%w: %s: not an object", files.ErrCorruptData, s.path)
	}

	records := make(map[string]*files.File, len(entries))
	for id, e := range entries {
		if id == "" || e == nil || e.FilePath == "" || e.CreatedAt <= 0 {
			return nil, fmt.Errorf("%w: %s: malformed record %q", files.ErrCorruptData, s.path, id)
		}
		records[id] = &files.File{
			ID:        id,
			Path:      e.FilePath,
			Name:      e.OriginalName,
			CreatedAt: time.UnixMilli(e.CreatedAt),
		}
	}
	return records, nil
}

// Save serializes records and atomically replaces the document
func (s *JSONStore) Save(records map[string]*files.File) error {
	entries := make(map[string]entry, len(records))
	for id, file := range records {
		entries[id] = entry{
			FilePath:     file.Path,
			OriginalName: file.Name,
			CreatedAt:    file.CreatedAt.UnixMilli(),
		}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	if err := writeFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory,
// fsyncs it and renames it over path. The previous content survives any
// failure before the rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	success = true
	return nil
}
