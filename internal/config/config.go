package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	defaultListenAddr = ":8080"
	defaultLedgerPath = "gantry.db"
	defaultBlobDir    = "blobs"

	envListenAddr = "GANTRY_LISTEN_ADDR"
	envLedgerPath = "GANTRY_LEDGER_PATH"
	envBlobDir    = "GANTRY_BLOB_DIR"
	envWorkDir    = "GANTRY_WORK_DIR"
	envLogLevel   = "GANTRY_LOG_LEVEL"
)

// Config holds daemon configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LedgerPath string
	BlobDir    string
	WorkDir    string
	LogLevel   slog.Level
}

// Load reads configuration from environment variables with sensible
// defaults. WorkDir defaults to empty, which lets the executor pick a
// directory under os.TempDir().
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		LedgerPath: defaultLedgerPath,
		BlobDir:    defaultBlobDir,
		LogLevel:   slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLedgerPath); v != "" {
		cfg.LedgerPath = v
	}
	if v := os.Getenv(envBlobDir); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
