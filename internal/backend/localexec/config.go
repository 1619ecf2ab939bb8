package localexec

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for local executor configuration.
const (
	envMaxConcurrency = "GANTRY_EXEC_MAX_CONCURRENCY"
	envGraceSeconds   = "GANTRY_EXEC_GRACE_S"
)

// Config holds configuration for the local process backend.
type Config struct {
	// WorkRoot is the base directory for per-run work directories. Empty
	// means a directory under os.TempDir().
	WorkRoot string

	// MaxConcurrency is the maximum number of concurrent processes.
	MaxConcurrency int

	// GracePeriod is the time between SIGTERM and SIGKILL on cancellation.
	GracePeriod time.Duration
}

// LoadConfig reads local executor configuration from environment variables,
// applying defaults for values not set. The work root comes from the
// daemon-level configuration, not from here.
func LoadConfig() Config {
	cfg := Config{
		MaxConcurrency: DefaultMaxConcurrency,
		GracePeriod:    DefaultGracePeriod,
	}

	if v := os.Getenv(envMaxConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv(envGraceSeconds); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GracePeriod = time.Duration(n) * time.Second
		}
	}

	return cfg
}
