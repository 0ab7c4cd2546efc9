package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	ArchiveDir string `toml:"archive_dir"`
	LogDir     string `toml:"log_dir"`
}

// Extraction contains configuration for driving the external extractor.
type Extraction struct {
	Device              string `toml:"device"`
	Binary              string `toml:"binary"`
	SectorSize          int    `toml:"sector_size"`
	RetryBudget         int    `toml:"retry_budget"`
	RetryBackoffSeconds int    `toml:"retry_backoff_seconds"`
	StallTimeout        int    `toml:"stall_timeout"`
	PollInterval        int    `toml:"poll_interval"`
}

// Integrity contains checksum ledger configuration.
type Integrity struct {
	Algorithm   string `toml:"algorithm"`
	UnitSizeMiB int    `toml:"unit_size_mib"`
}

// Redundancy contains FEC encoder configuration.
type Redundancy struct {
	Binary string  `toml:"binary"`
	Ratio  float64 `toml:"ratio"`
}

// Workflow contains configuration for queue timing and intervals.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
	Workers            int `toml:"workers"`
	StagingMaxAgeDays  int `toml:"staging_max_age_days"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for balloon.
//
// Configuration sections by subsystem:
//   - Paths: staging, archive, and log directories
//   - Extraction: extractor device/binary, retries, stall detection
//   - Integrity: checksum algorithm and unit chunking
//   - Redundancy: FEC binary and redundancy ratio
//   - Workflow: polling intervals, heartbeat timing, worker count
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Extraction Extraction `toml:"extraction"`
	Integrity  Integrity  `toml:"integrity"`
	Redundancy Redundancy `toml:"redundancy"`
	Workflow   Workflow   `toml:"workflow"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/balloon/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("balloon.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for queue operation.
// ArchiveDir is created on a best-effort basis so the pipeline can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.ArchiveDir) != "" {
		_ = os.MkdirAll(c.Paths.ArchiveDir, 0o755)
	}
	return nil
}

// UnitSize returns the configured unit size in bytes.
func (c *Config) UnitSize() int64 {
	return int64(c.Integrity.UnitSizeMiB) * 1024 * 1024
}

// ExtractorBinary returns the external extractor executable name.
func (c *Config) ExtractorBinary() string {
	if b := strings.TrimSpace(c.Extraction.Binary); b != "" {
		return b
	}
	return defaultExtractorBinary
}

// RedundancyBinary returns the external FEC codec executable name.
func (c *Config) RedundancyBinary() string {
	if b := strings.TrimSpace(c.Redundancy.Binary); b != "" {
		return b
	}
	return defaultRedundancyBinary
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
