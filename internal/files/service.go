package files

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pavel-fokin/files-drop/internal/expiry"
	"github.com/pavel-fokin/files-drop/internal/metrics"
)

// DefaultRetention is how long an upload stays retrievable
const DefaultRetention = 24 * time.Hour

// Service provides application-level file operations
type Service struct {
	storage   BlobStorage
	ledger    Ledger
	scheduler *expiry.Scheduler
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source for creation stamps and deadline checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a new file service. A non-positive ttl selects DefaultRetention.
func NewService(storage BlobStorage, ledger Ledger, ttl time.Duration, opts ...Option) *Service {
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	s := &Service{
		storage: storage,
		ledger:  ledger,
		ttl:     ttl,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.scheduler = expiry.New(s.expireScheduled, expiry.WithClock(s.now))
	return s
}

// UploadRequest represents a file upload request
type UploadRequest struct {
	Name    string
	Content io.Reader
}

// UploadResult represents the result of a file upload
type UploadResult struct {
	ID        string
	Name      string
	CreatedAt time.Time
	ExpiresAt time.Time
	URL       string
}

// Upload stores the blob, records it in the ledger and arms its expiry
func (s *Service) Upload(req *UploadRequest) (*UploadResult, error) {
	path, err := s.storage.Save(req.Content)
	if err != nil {
		s.metrics.Upload("storage_error")
		return nil, fmt.Errorf("failed to save file: %w", err)
	}

	file := &File{
		ID:        uuid.NewString(),
		Path:      path,
		Name:      req.Name,
		CreatedAt: s.now().Truncate(time.Millisecond),
	}

	if err := s.ledger.Put(file); err != nil {
		// no ledger entry exists, so the blob would leak
		if _, delErr := s.storage.Delete(path); delErr != nil {
			s.logger.Error("Failed to clean up blob after ledger failure", "error", delErr, "path", path)
		}
		s.metrics.Upload("ledger_error")
		return nil, fmt.Errorf("failed to save file metadata: %w", err)
	}

	expiresAt := file.ExpiresAt(s.ttl)
	s.scheduler.Arm(file.ID, expiresAt)
	s.metrics.Upload("ok")

	s.logger.Info("File stored", "file_id", file.ID, "expires_at", expiresAt)

	return &UploadResult{
		ID:        file.ID,
		Name:      file.Name,
		CreatedAt: file.CreatedAt,
		ExpiresAt: expiresAt,
		URL:       "/file/" + file.ID,
	}, nil
}

// Open returns the record and content of a live file. Unknown, expired and
// blob-less handles all yield ErrNotFound.
func (s *Service) Open(id string) (*File, io.ReadSeekCloser, error) {
	file, ok := s.ledger.Get(id)
	if !ok {
		s.metrics.Download("not_found")
		return nil, nil, ErrNotFound
	}

	if file.Expired(s.now(), s.ttl) {
		s.scheduler.Cancel(id)
		s.expire(id, metrics.TriggerLookup)
		s.metrics.Download("expired")
		return nil, nil, ErrNotFound
	}

	content, err := s.storage.Open(file.Path)
	if err != nil {
		s.metrics.Download("error")
		if errors.Is(err, ErrNotFound) {
			// orphaned entry: the blob went away without the record
			s.logger.Warn("Ledger entry without blob", "file_id", id, "path", file.Path)
			s.scheduler.Cancel(id)
			if err := s.ledger.Remove(id); err != nil {
				s.logger.Error("Failed to remove orphaned entry", "error", err, "file_id", id)
			}
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to retrieve file content: %w", err)
	}

	s.metrics.Download("ok")
	return file, content, nil
}

// Expire removes a file's blob and then its ledger entry ahead of its
// deadline. It is safe to call repeatedly and concurrently for the same
// handle; failures are logged only.
func (s *Service) Expire(id string) {
	s.scheduler.Cancel(id)
	s.expire(id, metrics.TriggerManual)
}

func (s *Service) expireScheduled(id string) {
	s.expire(id, metrics.TriggerScheduler)
}

func (s *Service) expireLapsed(id string) {
	s.expire(id, metrics.TriggerStartup)
}

func (s *Service) expire(id, trigger string) {
	file, ok := s.ledger.Get(id)
	if !ok {
		return
	}

	removed, err := s.storage.Delete(file.Path)
	if err != nil {
		// keep the entry so a later lookup or restart retries the delete
		s.logger.Error("Failed to delete expired blob", "error", err, "file_id", id, "path", file.Path)
		return
	}
	if !removed {
		s.logger.Warn("Expired blob already absent", "file_id", id, "path", file.Path)
	}

	if err := s.ledger.Remove(id); err != nil {
		s.logger.Error("Failed to remove expired entry", "error", err, "file_id", id)
		return
	}

	s.metrics.Expired(trigger)
	s.logger.Info("File expired", "file_id", id, "trigger", trigger)
}

// Start loads the ledger, restores expiry timers and removes blobs no
// record refers to. A corrupt ledger is logged and replaced by an empty one:
// losing expiry bookkeeping is preferred over refusing to start.
func (s *Service) Start() error {
	records, err := s.ledger.LoadAll()
	switch {
	case errors.Is(err, ErrCorruptData):
		s.logger.Error("Ledger is corrupt, starting empty", "error", err)
		records = nil
	case err != nil:
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	deadlines := make(map[string]time.Time, len(records))
	for _, file := range records {
		deadlines[file.ID] = file.ExpiresAt(s.ttl)
	}
	armed, expired := s.scheduler.Reconcile(deadlines, s.expireLapsed)

	swept := s.sweepOrphans()

	s.logger.Info("Ledger reconciled", "armed", armed, "expired", expired, "orphans_removed", swept)
	return nil
}

// sweepOrphans deletes blobs that have no ledger entry. It runs before any
// upload is accepted, so no blob is mid-registration.
func (s *Service) sweepOrphans() int {
	paths, err := s.storage.List()
	if err != nil {
		s.logger.Error("Failed to list blobs", "error", err)
		return 0
	}

	referenced := make(map[string]struct{})
	for _, file := range s.ledger.List() {
		referenced[filepath.Clean(file.Path)] = struct{}{}
	}

	swept := 0
	for _, path := range paths {
		if _, ok := referenced[filepath.Clean(path)]; ok {
			continue
		}
		if _, err := s.storage.Delete(path); err != nil {
			s.logger.Error("Failed to delete orphaned blob", "error", err, "path", path)
			continue
		}
		swept++
	}
	return swept
}

// Close stops all pending expiry timers
func (s *Service) Close() {
	s.scheduler.Stop()
}

// Pending returns the number of armed expiry timers
func (s *Service) Pending() int {
	return s.scheduler.Pending()
}
