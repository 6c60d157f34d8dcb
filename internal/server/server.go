package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavel-fokin/files-drop/internal/files"
	"github.com/pavel-fokin/files-drop/internal/fs"
	"github.com/pavel-fokin/files-drop/internal/ledger"
	"github.com/pavel-fokin/files-drop/internal/metrics"
	"github.com/pavel-fokin/files-drop/internal/sqlite"
)

// Server is the HTTP gateway together with the store it serves
type Server struct {
	*http.Server
	Service *files.Service
	closers []io.Closer
}

// New wires storage, ledger and expiry, reconciles the ledger and returns a
// server ready to listen.
func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Initialize structured logger with JSON handler
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.logLevel(),
	}))
	slog.SetDefault(logger)

	srv := &Server{}

	// Initialize storage and ledger
	storage := fs.NewStorage(cfg.DataDir)
	var store ledger.Store
	switch cfg.LedgerDriver {
	case LedgerSQLite:
		repo, err := sqlite.NewRepository(cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ledger: %w", err)
		}
		srv.closers = append(srv.closers, repo)
		store = repo
	default:
		store = ledger.NewJSONStore(cfg.LedgerPath)
	}
	fileLedger := ledger.New(store)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		srv.closeAll()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := metrics.RegisterActiveFiles(reg, fileLedger.Len); err != nil {
		srv.closeAll()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	// Initialize file service
	fileService := files.NewService(storage, fileLedger, cfg.TTL,
		files.WithLogger(logger),
		files.WithMetrics(m),
	)
	if err := fileService.Start(); err != nil {
		srv.closeAll()
		return nil, err
	}
	srv.Service = fileService

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("POST /upload", limitBody(uploadFile(cfg, fileService), cfg.MaxSize))
	mux.HandleFunc("GET /file/{id}", downloadFile(fileService))

	// Wrap the handler with logging middleware
	handler := requestID(loggingMiddleware(metricsMiddleware(mux, m)))

	srv.Server = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return srv, nil
}

// Close stops expiry timers and releases the ledger backend. It does not
// stop the HTTP listener; use Shutdown for that.
func (s *Server) Close() error {
	if s.Service != nil {
		s.Service.Close()
	}
	return s.closeAll()
}

func (s *Server) closeAll() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func uploadFile(cfg *Config, fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Parse multipart form
		if err := r.ParseMultipartForm(cfg.MaxSize); err != nil {
			if isTooLarge(err) {
				writeError(w, http.StatusRequestEntityTooLarge, "File too large")
				return
			}
			writeError(w, http.StatusBadRequest, "Failed to parse multipart form")
			return
		}
		defer r.MultipartForm.RemoveAll()

		// Get file from form
		file, header, err := r.FormFile("image")
		if err != nil {
			writeError(w, http.StatusBadRequest, "No file provided")
			return
		}
		defer file.Close()

		result, err := fileService.Upload(&files.UploadRequest{
			Name:    header.Filename,
			Content: file,
		})
		if err != nil {
			slog.Error("Upload failed", "error", err, "filename", header.Filename)
			writeError(w, http.StatusInternalServerError, "Upload failed")
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, result.URL)
	}
}

func downloadFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		file, content, err := fileService.Open(id)
		if err != nil {
			if errors.Is(err, files.ErrNotFound) {
				writeError(w, http.StatusNotFound, "File not found")
				return
			}
			slog.Error("Download failed", "error", err, "file_id", id)
			writeError(w, http.StatusInternalServerError, "Download failed")
			return
		}
		defer content.Close()

		w.Header().Set("Content-Disposition", contentDisposition(file.Name))
		http.ServeContent(w, r, file.Name, file.CreatedAt, content)
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func contentDisposition(name string) string {
	return fmt.Sprintf(`inline; filename="%s"`, quoteEscaper.Replace(name))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: message}); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

// isTooLarge reports whether err comes from reading past the body limit
func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func limitBody(next http.Handler, maxSize int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reads past maxSize fail with *http.MaxBytesError
		r.Body = http.MaxBytesReader(w, r.Body, maxSize)
		next.ServeHTTP(w, r)
	})
}
