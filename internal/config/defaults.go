package config

const (
	defaultStagingDir           = "~/.local/share/balloon/staging"
	defaultArchiveDir           = "~/archive"
	defaultLogDir               = "~/.local/share/balloon/logs"
	defaultDevice               = "/dev/sr0"
	defaultExtractorBinary      = "ddrescue"
	defaultRedundancyBinary     = "par2"
	defaultSectorSize           = 2048
	defaultRetryBudget          = 3
	defaultRetryBackoffSeconds  = 5
	defaultStallTimeout         = 300
	defaultExtractorPoll        = 2
	defaultChecksumAlgorithm    = "sha256"
	defaultUnitSizeMiB          = 16
	defaultRedundancyRatio      = 0.2
	defaultQueuePollInterval    = 5
	defaultErrorRetryInterval   = 10
	defaultHeartbeatInterval    = 15
	defaultHeartbeatTimeout     = 120
	defaultStagingMaxAgeDays    = 14
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			ArchiveDir: defaultArchiveDir,
			LogDir:     defaultLogDir,
		},
		Extraction: Extraction{
			Device:              defaultDevice,
			Binary:              defaultExtractorBinary,
			SectorSize:          defaultSectorSize,
			RetryBudget:         defaultRetryBudget,
			RetryBackoffSeconds: defaultRetryBackoffSeconds,
			StallTimeout:        defaultStallTimeout,
			PollInterval:        defaultExtractorPoll,
		},
		Integrity: Integrity{
			Algorithm:   defaultChecksumAlgorithm,
			UnitSizeMiB: defaultUnitSizeMiB,
		},
		Redundancy: Redundancy{
			Binary: defaultRedundancyBinary,
			Ratio:  defaultRedundancyRatio,
		},
		Workflow: Workflow{
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			StagingMaxAgeDays:  defaultStagingMaxAgeDays,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
