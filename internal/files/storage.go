package files

import "io"

// BlobStorage defines the interface for the physical file storage
type BlobStorage interface {
	// Save stores content under a freshly generated path and returns it
	Save(content io.Reader) (string, error)

	// Open returns a reader for the blob at path
	Open(path string) (io.ReadSeekCloser, error)

	// Delete removes the blob at path. removed is false when it was already gone.
	Delete(path string) (removed bool, err error)

	// List returns the paths of every stored blob
	List() ([]string, error)
}

// Ledger defines the interface for the durable handle to file mapping
type Ledger interface {
	// Put inserts or replaces a record and persists the whole ledger
	Put(file *File) error

	// Get looks up a record without side effects
	Get(id string) (*File, bool)

	// Remove deletes a record if present and persists the whole ledger
	Remove(id string) error

	// List returns every live record
	List() []*File

	// LoadAll repopulates memory from the durable record
	LoadAll() ([]*File, error)
}
