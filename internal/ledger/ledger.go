// Package ledger holds the live handle to file mapping in memory and mirrors
// every mutation to a durable Store as a full snapshot.
package ledger

import (
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/pavel-fokin/files-drop/internal/files"
)

// Store persists whole-ledger snapshots
type Store interface {
	// Load returns the last saved snapshot. A missing snapshot is empty.
	Load() (map[string]*files.File, error)

	// Save replaces the durable snapshot with records
	Save(records map[string]*files.File) error
}

// Ledger implements files.Ledger on top of a Store
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*files.File
	store   Store
}

// New creates an empty ledger backed by store. Call LoadAll to read
// previously persisted records.
func New(store Store) *Ledger {
	return &Ledger{
		records: make(map[string]*files.File),
		store:   store,
	}
}

// Put inserts or replaces a record and persists the ledger before returning.
// The in-memory change is rolled back if persisting fails.
func (l *Ledger) Put(file *files.File) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, existed := l.records[file.ID]
	l.records[file.ID] = file

	if err := l.store.Save(l.records); err != nil {
		if existed {
			l.records[file.ID] = prev
		} else {
			delete(l.records, file.ID)
		}
		return fmt.Errorf("%w: put %s: %w", files.ErrPersistence, file.ID, err)
	}

	return nil
}

// Get retrieves a record by handle
func (l *Ledger) Get(id string) (*files.File, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	file, ok := l.records[id]
	return file, ok
}

// Remove deletes a record and persists the ledger. Removing an absent
// handle is a no-op.
func (l *Ledger) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, ok := l.records[id]
	if !ok {
		return nil
	}
	delete(l.records, id)

	if err := l.store.Save(l.records); err != nil {
		l.records[id] = prev
		return fmt.Errorf("%w: remove %s: %w", files.ErrPersistence, id, err)
	}

	return nil
}

// LoadAll replaces the in-memory records with the persisted snapshot and
// returns them ordered by creation time.
func (l *Ledger) LoadAll() ([]*files.File, error) {
	records, err := l.store.Load()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.records = make(map[string]*files.File, len(records))
	maps.Copy(l.records, records)
	l.mu.Unlock()

	return l.List(), nil
}

// List returns a snapshot of all records ordered by creation time
func (l *Ledger) List() []*files.File {
	l.mu.RLock()
	list := make([]*files.File, 0, len(l.records))
	for _, file := range l.records {
		list = append(list, file)
	}
	l.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Len returns the number of live records
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
