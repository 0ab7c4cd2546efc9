package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"balloon/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantStaging := filepath.Join(tempHome, ".local", "share", "balloon", "staging")
	if cfg.Paths.StagingDir != wantStaging {
		t.Fatalf("unexpected staging dir: got %q want %q", cfg.Paths.StagingDir, wantStaging)
	}
	if cfg.Paths.ArchiveDir != filepath.Join(tempHome, "archive") {
		t.Fatalf("unexpected archive dir: %q", cfg.Paths.ArchiveDir)
	}
	if cfg.Extraction.Device != "/dev/sr0" {
		t.Fatalf("unexpected device: %q", cfg.Extraction.Device)
	}
	if cfg.Integrity.Algorithm != "sha256" {
		t.Fatalf("unexpected algorithm: %q", cfg.Integrity.Algorithm)
	}
	if cfg.Redundancy.Ratio != 0.2 {
		t.Fatalf("unexpected ratio: %v", cfg.Redundancy.Ratio)
	}
}

func TestLoadExplicitFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := strings.Join([]string{
		"[paths]",
		`staging_dir = "` + filepath.Join(dir, "staging") + `"`,
		`archive_dir = "` + filepath.Join(dir, "archive") + `"`,
		`log_dir = "` + filepath.Join(dir, "logs") + `"`,
		"[extraction]",
		"retry_budget = 5",
		"[integrity]",
		`algorithm = "SHA512"`,
		"[redundancy]",
		"ratio = 0.35",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if resolved != path {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.Extraction.RetryBudget != 5 {
		t.Fatalf("unexpected retry budget: %d", cfg.Extraction.RetryBudget)
	}
	if cfg.Integrity.Algorithm != "sha512" {
		t.Fatalf("expected algorithm normalized to sha512, got %q", cfg.Integrity.Algorithm)
	}
	if cfg.Redundancy.Ratio != 0.35 {
		t.Fatalf("unexpected ratio: %v", cfg.Redundancy.Ratio)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "ratio zero",
			mutate: func(c *config.Config) { c.Redundancy.Ratio = 0 },
			want:   "redundancy.ratio",
		},
		{
			name:   "ratio one",
			mutate: func(c *config.Config) { c.Redundancy.Ratio = 1 },
			want:   "redundancy.ratio",
		},
		{
			name:   "unknown algorithm",
			mutate: func(c *config.Config) { c.Integrity.Algorithm = "crc32" },
			want:   "integrity.algorithm",
		},
		{
			name:   "negative retry budget",
			mutate: func(c *config.Config) { c.Extraction.RetryBudget = -1 },
			want:   "extraction.retry_budget",
		},
		{
			name: "heartbeat timeout below interval",
			mutate: func(c *config.Config) {
				c.Workflow.HeartbeatInterval = 30
				c.Workflow.HeartbeatTimeout = 20
			},
			want: "workflow.heartbeat_timeout",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleWritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "staging_dir") {
		t.Fatal("expected sample to mention staging_dir")
	}
}
