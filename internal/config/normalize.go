package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeExtraction()
	c.normalizeIntegrity()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.ArchiveDir, err = expandPath(c.Paths.ArchiveDir); err != nil {
		return fmt.Errorf("paths.archive_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeExtraction() {
	c.Extraction.Device = strings.TrimSpace(c.Extraction.Device)
	if c.Extraction.Device == "" {
		c.Extraction.Device = defaultDevice
	}
	c.Extraction.Binary = strings.TrimSpace(c.Extraction.Binary)
	if c.Extraction.SectorSize <= 0 {
		c.Extraction.SectorSize = defaultSectorSize
	}
	if c.Extraction.PollInterval <= 0 {
		c.Extraction.PollInterval = defaultExtractorPoll
	}
}

func (c *Config) normalizeIntegrity() {
	c.Integrity.Algorithm = strings.ToLower(strings.TrimSpace(c.Integrity.Algorithm))
	if c.Integrity.Algorithm == "" {
		c.Integrity.Algorithm = defaultChecksumAlgorithm
	}
	if c.Integrity.UnitSizeMiB <= 0 {
		c.Integrity.UnitSizeMiB = defaultUnitSizeMiB
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
