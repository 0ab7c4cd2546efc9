package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateExtraction(); err != nil {
		return err
	}
	if err := c.validateIntegrity(); err != nil {
		return err
	}
	if err := c.validateRedundancy(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.StagingDir == "" {
		return errors.New("paths.staging_dir must be set")
	}
	if c.Paths.LogDir == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateExtraction() error {
	if err := ensurePositiveMap(map[string]int{
		"extraction.sector_size":           c.Extraction.SectorSize,
		"extraction.stall_timeout":         c.Extraction.StallTimeout,
		"extraction.poll_interval":         c.Extraction.PollInterval,
		"extraction.retry_backoff_seconds": c.Extraction.RetryBackoffSeconds,
	}); err != nil {
		return err
	}
	if c.Extraction.RetryBudget < 0 {
		return errors.New("extraction.retry_budget must not be negative")
	}
	return nil
}

func (c *Config) validateIntegrity() error {
	switch c.Integrity.Algorithm {
	case "sha256", "sha512":
	default:
		return fmt.Errorf("integrity.algorithm: unsupported value %q (expected sha256 or sha512)", c.Integrity.Algorithm)
	}
	if c.Integrity.UnitSizeMiB <= 0 {
		return errors.New("integrity.unit_size_mib must be positive")
	}
	return nil
}

func (c *Config) validateRedundancy() error {
	if c.Redundancy.Ratio <= 0 || c.Redundancy.Ratio >= 1 {
		return errors.New("redundancy.ratio must be within (0, 1)")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.queue_poll_interval":  c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.Workers < 0 {
		return errors.New("workflow.workers must not be negative")
	}
	if c.Workflow.StagingMaxAgeDays < 0 {
		return errors.New("workflow.staging_max_age_days must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
