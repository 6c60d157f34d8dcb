package files

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown or expired handles and missing blobs.
	ErrNotFound = errors.New("file not found")
	// ErrStorage is returned when blob storage fails to write or delete.
	ErrStorage = errors.New("blob storage failure")
	// ErrPersistence is returned when the ledger cannot be durably written.
	ErrPersistence = errors.New("ledger persistence failure")
	// ErrCorruptData is returned when the persisted ledger is not well-formed.
	ErrCorruptData = errors.New("ledger data is corrupt")
)

// File represents the metadata of a stored upload
type File struct {
	ID        string
	Path      string
	Name      string
	CreatedAt time.Time
}

// ExpiresAt returns the moment the file stops being retrievable.
func (f *File) ExpiresAt(retention time.Duration) time.Time {
	return f.CreatedAt.Add(retention)
}

// Expired reports whether the file is past its deadline at now.
func (f *File) Expired(now time.Time, retention time.Duration) bool {
	return !now.Before(f.ExpiresAt(retention))
}
