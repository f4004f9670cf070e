// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Index root
	RootDir string

	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Watcher
	PollInterval time.Duration

	// Search
	SearchLimit int

	// Git metadata collection
	GitTimeout   time.Duration
	GitMaxOutput int64

	// Optional gitignore-style exclusion file
	IgnoreFile string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		RootDir:      envOr("ROOT_DIR", ""),
		ListenAddr:   envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:  envOr("METRICS_ADDR", ":9090"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		LogFormat:    envOr("LOG_FORMAT", "json"),
		PollInterval: envDuration("POLL_INTERVAL", 5*time.Second),
		SearchLimit:  envInt("SEARCH_LIMIT", 100),
		GitTimeout:   envDuration("GIT_TIMEOUT", 5*time.Second),
		GitMaxOutput: envInt64("GIT_MAX_OUTPUT", 1024*1024), // 1MB
		IgnoreFile:   envOr("IGNORE_FILE", ""),
	}

	if cfg.RootDir == "" {
		return nil, fmt.Errorf("ROOT_DIR is required")
	}
	abs, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve ROOT_DIR: %w", err)
	}
	cfg.RootDir = abs
	info, err := os.Stat(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("stat ROOT_DIR: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("ROOT_DIR is not a directory: %s", cfg.RootDir)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
