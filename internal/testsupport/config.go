// Package testsupport provides shared helpers for package tests: temp-dir
// configs and queue stores wired for cleanup.
package testsupport

import (
	"path/filepath"
	"testing"

	"balloon/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.ArchiveDir = filepath.Join(base, "archive")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Extraction.Device = filepath.Join(base, "source.img")
	cfg.Extraction.StallTimeout = 2
	cfg.Extraction.PollInterval = 1
	cfg.Extraction.RetryBackoffSeconds = 1
	cfg.Integrity.UnitSizeMiB = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	return &cfg
}

// WithDevice overrides the extraction source path on the test config.
func WithDevice(path string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Extraction.Device = path
	}
}

// WithRetryBudget overrides the extraction retry budget on the test config.
func WithRetryBudget(budget int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Extraction.RetryBudget = budget
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StagingDir)
}
