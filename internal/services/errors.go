package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors classifying pipeline failures. Stages tag errors with one of
// these markers via Wrap so the workflow manager can decide between retrying
// and terminating the job.
var (
	// ErrDevice indicates the source medium is unreadable or absent. Fatal,
	// never retried.
	ErrDevice = errors.New("device error")
	// ErrTransientExtraction indicates an extraction failure worth retrying
	// within the configured budget.
	ErrTransientExtraction = errors.New("transient extraction failure")
	// ErrStalledExtraction indicates the extractor stopped reporting progress
	// without failing. Fatal and distinct from an explicit extractor error.
	ErrStalledExtraction = errors.New("stalled extraction")
	// ErrEncoding indicates FEC encoder misconfiguration or invalid input. Fatal.
	ErrEncoding = errors.New("encoding error")
	// ErrChecksumMismatch indicates a unit digest no longer matches the ledger.
	// Triggers a repair attempt rather than immediate failure.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrUnrecoverable indicates redundancy is insufficient to repair. Fatal.
	ErrUnrecoverable = errors.New("unrecoverable")
	// ErrUserCancelled indicates a user-initiated cancellation. Fatal.
	ErrUserCancelled = errors.New("cancelled by user")
	// ErrStorageIO indicates a staging filesystem failure. Fatal: the pipeline
	// durability guarantee is broken.
	ErrStorageIO = errors.New("storage io error")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrStorageIO
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether the workflow manager may retry the failed
// operation within the stage's retry budget.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientExtraction)
}

// FailureReason derives the short machine-readable reason persisted on a
// failed job for post-mortem diagnostics.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrDevice):
		return "DeviceError"
	case errors.Is(err, ErrStalledExtraction):
		return "StalledExtraction"
	case errors.Is(err, ErrTransientExtraction):
		return "TransientExtractionFailure"
	case errors.Is(err, ErrEncoding):
		return "EncodingError"
	case errors.Is(err, ErrChecksumMismatch):
		return "ChecksumMismatch"
	case errors.Is(err, ErrUnrecoverable):
		return "Unrecoverable"
	case errors.Is(err, ErrUserCancelled):
		return "UserCancelled"
	case errors.Is(err, ErrStorageIO):
		return "StorageIOError"
	default:
		return "Unknown"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
