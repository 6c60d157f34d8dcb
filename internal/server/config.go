package server

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// Ledger drivers
const (
	LedgerJSON   = "json"
	LedgerSQLite = "sqlite"
)

type Config struct {
	Port         string        `env:"PORT" envDefault:"3000"`
	DataDir      string        `env:"FILES_DROP_DATA_DIR" envDefault:"uploads"`
	LedgerDriver string        `env:"FILES_DROP_LEDGER_DRIVER" envDefault:"json"`
	LedgerPath   string        `env:"FILES_DROP_LEDGER_PATH" envDefault:"fileMetadata.json"`
	TTL          time.Duration `env:"FILES_DROP_TTL" envDefault:"24h"`
	MaxSize      int64         `env:"FILES_DROP_MAX_SIZE" envDefault:"33554432"`
	LogLevel     string        `env:"FILES_DROP_LOG_LEVEL" envDefault:"info"`
}

// Validate reports configuration values the server cannot run with
func (c *Config) Validate() error {
	switch c.LedgerDriver {
	case LedgerJSON, LedgerSQLite:
	default:
		return fmt.Errorf("unknown ledger driver %q", c.LedgerDriver)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", c.TTL)
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("max size must be positive, got %d", c.MaxSize)
	}
	if c.DataDir == "" || c.LedgerPath == "" {
		return fmt.Errorf("data dir and ledger path are required")
	}
	inside, err := within(c.DataDir, c.LedgerPath)
	if err != nil {
		return err
	}
	if inside {
		// the startup sweep owns the data dir
		return fmt.Errorf("ledger path %q must not be inside data dir %q", c.LedgerPath, c.DataDir)
	}
	return nil
}

// within reports whether path is dir itself or lies beneath it
func within(dir, path string) (bool, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, fmt.Errorf("failed to resolve data dir: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("failed to resolve ledger path: %w", err)
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}

func (c *Config) logLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
