package files_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavel-fokin/files-drop/internal/files"
	"github.com/pavel-fokin/files-drop/internal/fs"
	"github.com/pavel-fokin/files-drop/internal/ledger"
	"github.com/pavel-fokin/files-drop/internal/metrics"
)

const window = 24 * time.Hour

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	dataDir    string
	ledgerPath string
	storage    *fs.Storage
	ledger     *ledger.Ledger
	clock      *clock
	registry   *prometheus.Registry
	service    *files.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dataDir:    filepath.Join(dir, "uploads"),
		ledgerPath: filepath.Join(dir, "fileMetadata.json"),
		clock:      newClock(),
	}
	f.restart(t)
	return f
}

// restart builds a fresh service over the same directories
func (f *fixture) restart(t *testing.T) {
	t.Helper()
	if f.service != nil {
		f.service.Close()
	}
	f.storage = fs.NewStorage(f.dataDir)
	f.ledger = ledger.New(ledger.NewJSONStore(f.ledgerPath))
	f.registry = prometheus.NewRegistry()
	m, err := metrics.New(f.registry)
	require.NoError(t, err)
	f.service = files.NewService(f.storage, f.ledger, window,
		files.WithClock(f.clock.Now),
		files.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		files.WithMetrics(m),
	)
	require.NoError(t, f.service.Start())
	t.Cleanup(f.service.Close)
}

func (f *fixture) upload(t *testing.T, name, content string) *files.UploadResult {
	t.Helper()
	result, err := f.service.Upload(&files.UploadRequest{Name: name, Content: strings.NewReader(content)})
	require.NoError(t, err)
	return result
}

// assertExpired checks files_expired_total against the given per-trigger counts
func (f *fixture) assertExpired(t *testing.T, counts map[string]int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("# HELP files_expired_total Files removed after their retention window, by trigger.\n")
	b.WriteString("# TYPE files_expired_total counter\n")
	for _, trigger := range []string{metrics.TriggerLookup, metrics.TriggerManual, metrics.TriggerScheduler, metrics.TriggerStartup} {
		if n, ok := counts[trigger]; ok {
			fmt.Fprintf(&b, "files_expired_total{trigger=%q} %d\n", trigger, n)
		}
	}
	assert.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(b.String()), "files_expired_total"))
}

func readAll(t *testing.T, r io.ReadCloser) string {
	t.Helper()
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestUploadRoundTrip(t *testing.T) {
	f := newFixture(t)

	result := f.upload(t, "holiday.jpg", "jpeg bytes")
	assert.Equal(t, "/file/"+result.ID, result.URL)
	assert.Equal(t, result.CreatedAt.Add(window), result.ExpiresAt)

	file, content, err := f.service.Open(result.ID)
	require.NoError(t, err)
	assert.Equal(t, "holiday.jpg", file.Name)
	assert.Equal(t, "jpeg bytes", readAll(t, content))
	assert.Equal(t, 1, f.service.Pending())
}

func TestOriginalNameNeverBuildsPaths(t *testing.T) {
	f := newFixture(t)

	result := f.upload(t, "../../etc/passwd", "x")

	file, content, err := f.service.Open(result.ID)
	require.NoError(t, err)
	content.Close()
	assert.Equal(t, f.dataDir, filepath.Dir(file.Path))
	assert.NotContains(t, file.Path, "passwd")
}

func TestExpiryEnforcement(t *testing.T) {
	f := newFixture(t)
	result := f.upload(t, "a.txt", "a")
	file, ok := f.ledger.Get(result.ID)
	require.True(t, ok)

	f.clock.Advance(window - time.Millisecond)
	_, content, err := f.service.Open(result.ID)
	require.NoError(t, err)
	content.Close()

	f.clock.Advance(2 * time.Millisecond)
	_, _, err = f.service.Open(result.ID)
	assert.ErrorIs(t, err, files.ErrNotFound)
	f.assertExpired(t, map[string]int{metrics.TriggerLookup: 1})

	_, err = os.Stat(file.Path)
	assert.True(t, os.IsNotExist(err))
	_, ok = f.ledger.Get(result.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, f.service.Pending())
}

func TestExpireIsIdempotent(t *testing.T) {
	f := newFixture(t)
	result := f.upload(t, "a.txt", "a")

	f.service.Expire(result.ID)
	f.service.Expire(result.ID)

	_, ok := f.ledger.Get(result.ID)
	assert.False(t, ok)
	_, _, err := f.service.Open(result.ID)
	assert.ErrorIs(t, err, files.ErrNotFound)
	f.assertExpired(t, map[string]int{metrics.TriggerManual: 1})
}

func TestConcurrentExpire(t *testing.T) {
	f := newFixture(t)
	result := f.upload(t, "a.txt", "a")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.service.Expire(result.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, f.ledger.Len())
	paths, err := f.storage.List()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestStartupReconciliation(t *testing.T) {
	f := newFixture(t)

	past := f.upload(t, "old.txt", "old")
	f.clock.Advance(12 * time.Hour)
	future := f.upload(t, "new.txt", "new")
	pastFile, _ := f.ledger.Get(past.ID)

	// process was down long enough for the first upload to lapse
	f.clock.Advance(13 * time.Hour)
	f.restart(t)

	_, ok := f.ledger.Get(past.ID)
	assert.False(t, ok)
	_, err := os.Stat(pastFile.Path)
	assert.True(t, os.IsNotExist(err))

	file, content, err := f.service.Open(future.ID)
	require.NoError(t, err)
	assert.Equal(t, "new.txt", file.Name)
	assert.Equal(t, "new", readAll(t, content))
	assert.Equal(t, 1, f.service.Pending())

	persisted, err := ledger.NewJSONStore(f.ledgerPath).Load()
	require.NoError(t, err)
	assert.NotContains(t, persisted, past.ID)
	assert.Contains(t, persisted, future.ID)
	f.assertExpired(t, map[string]int{metrics.TriggerStartup: 1})
}

func TestScheduledExpiryFires(t *testing.T) {
	dir := t.TempDir()
	storage := fs.NewStorage(filepath.Join(dir, "uploads"))
	l := ledger.New(ledger.NewJSONStore(filepath.Join(dir, "fileMetadata.json")))
	service := files.NewService(storage, l, 30*time.Millisecond,
		files.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, service.Start())
	defer service.Close()

	result, err := service.Upload(&files.UploadRequest{Name: "a.txt", Content: strings.NewReader("a")})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := l.Get(result.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	paths, err := storage.List()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestConcurrentUploads(t *testing.T) {
	f := newFixture(t)

	const n = 40
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.service.Upload(&files.UploadRequest{
				Name:    fmt.Sprintf("f%d.txt", i),
				Content: strings.NewReader("x"),
			})
			if assert.NoError(t, err) {
				ids <- result.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, n)

	persisted, err := ledger.NewJSONStore(f.ledgerPath).Load()
	require.NoError(t, err)
	assert.Len(t, persisted, n)
}

func TestOpenUnknownHandle(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.service.Open("does-not-exist")
	assert.ErrorIs(t, err, files.ErrNotFound)
}

func TestOpenEntryWithMissingBlob(t *testing.T) {
	f := newFixture(t)
	result := f.upload(t, "a.txt", "a")
	file, _ := f.ledger.Get(result.ID)
	require.NoError(t, os.Remove(file.Path))

	_, _, err := f.service.Open(result.ID)
	assert.ErrorIs(t, err, files.ErrNotFound)

	_, ok := f.ledger.Get(result.ID)
	assert.False(t, ok)
}

// failingStore refuses every write
type failingStore struct{}

func (failingStore) Load() (map[string]*files.File, error) { return map[string]*files.File{}, nil }
func (failingStore) Save(map[string]*files.File) error     { return errors.New("read-only filesystem") }

func TestUploadLedgerFailureLeavesNoBlob(t *testing.T) {
	dir := t.TempDir()
	storage := fs.NewStorage(dir)
	l := ledger.New(failingStore{})
	service := files.NewService(storage, l, window,
		files.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	defer service.Close()

	_, err := service.Upload(&files.UploadRequest{Name: "a.txt", Content: strings.NewReader("a")})
	assert.ErrorIs(t, err, files.ErrPersistence)

	paths, err := storage.List()
	require.NoError(t, err)
	assert.Empty(t, paths)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, service.Pending())
}

func TestUploadStorageFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "uploads")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	l := ledger.New(ledger.NewJSONStore(filepath.Join(dir, "fileMetadata.json")))
	service := files.NewService(fs.NewStorage(blocker), l, window,
		files.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	defer service.Close()

	_, err := service.Upload(&files.UploadRequest{Name: "a.txt", Content: strings.NewReader("a")})
	assert.ErrorIs(t, err, files.ErrStorage)
	assert.Equal(t, 0, l.Len())
}

func TestCorruptLedgerStartsEmptyAndSweepsBlobs(t *testing.T) {
	f := newFixture(t)
	result := f.upload(t, "a.txt", "a")
	file, _ := f.ledger.Get(result.ID)

	require.NoError(t, os.WriteFile(f.ledgerPath, []byte(`{"truncated":`), 0644))
	f.restart(t)

	assert.Equal(t, 0, f.ledger.Len())
	_, err := os.Stat(file.Path)
	assert.True(t, os.IsNotExist(err))

	// the service keeps accepting uploads
	f.upload(t, "b.txt", "b")
	assert.Equal(t, 1, f.ledger.Len())
}

func TestStartSweepsUnreferencedBlobs(t *testing.T) {
	f := newFixture(t)
	kept := f.upload(t, "a.txt", "a")

	// a blob written just before a crash, never recorded
	orphan, err := f.storage.Save(strings.NewReader("lost"))
	require.NoError(t, err)

	f.restart(t)

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))

	_, content, err := f.service.Open(kept.ID)
	require.NoError(t, err)
	content.Close()
}

func TestLedgerInsideDataDirSurvivesRestarts(t *testing.T) {
	f := newFixture(t)
	// share one directory between blobs and the ledger
	f.ledgerPath = filepath.Join(f.dataDir, "fileMetadata.json")
	f.restart(t)

	result := f.upload(t, "a.txt", "a")
	other := filepath.Join(f.dataDir, ".env")
	require.NoError(t, os.WriteFile(other, []byte("PORT=3000"), 0644))

	f.clock.Advance(time.Hour)
	f.restart(t)
	_, err := os.Stat(f.ledgerPath)
	require.NoError(t, err)
	f.restart(t)

	_, content, err := f.service.Open(result.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", readAll(t, content))
	_, err = os.Stat(other)
	assert.NoError(t, err)
}
