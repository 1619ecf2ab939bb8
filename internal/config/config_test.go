package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envLedgerPath, "")
	t.Setenv(envBlobDir, "")
	t.Setenv(envWorkDir, "")
	t.Setenv(envLogLevel, "")

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.LedgerPath != defaultLedgerPath {
		t.Errorf("LedgerPath = %q, want %q", cfg.LedgerPath, defaultLedgerPath)
	}
	if cfg.BlobDir != defaultBlobDir {
		t.Errorf("BlobDir = %q, want %q", cfg.BlobDir, defaultBlobDir)
	}
	if cfg.WorkDir != "" {
		t.Errorf("WorkDir = %q, want empty", cfg.WorkDir)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envLedgerPath, "/tmp/test.db")
	t.Setenv(envBlobDir, "/tmp/blobs")
	t.Setenv(envWorkDir, "/tmp/work")
	t.Setenv(envLogLevel, "debug")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.LedgerPath != "/tmp/test.db" {
		t.Errorf("LedgerPath = %q, want %q", cfg.LedgerPath, "/tmp/test.db")
	}
	if cfg.BlobDir != "/tmp/blobs" {
		t.Errorf("BlobDir = %q, want %q", cfg.BlobDir, "/tmp/blobs")
	}
	if cfg.WorkDir != "/tmp/work" {
		t.Errorf("WorkDir = %q, want %q", cfg.WorkDir, "/tmp/work")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
