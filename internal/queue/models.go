package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a backup job.
type Status string

const (
	StatusPending      Status = "pending"
	StatusExtracting   Status = "extracting"
	StatusExtracted    Status = "extracted"
	StatusChecksumming Status = "checksumming"
	StatusChecksummed  Status = "checksummed"
	StatusEncoding     Status = "encoding"
	StatusEncoded      Status = "encoded"
	StatusVerifying    Status = "verifying"
	StatusVerified     Status = "verified"
	StatusDegraded     Status = "degraded"
	StatusFailed       Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusExtracting,
	StatusExtracted,
	StatusChecksumming,
	StatusChecksummed,
	StatusEncoding,
	StatusEncoded,
	StatusVerifying,
	StatusVerified,
	StatusDegraded,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusExtracting:   {},
	StatusChecksumming: {},
	StatusEncoding:     {},
	StatusVerifying:    {},
}

var terminalStatuses = map[Status]struct{}{
	StatusVerified: {},
	StatusDegraded: {},
	StatusFailed:   {},
}

// SourceKind identifies the physical medium class behind a job.
type SourceKind string

const (
	KindOpticalData  SourceKind = "optical-data"
	KindOpticalAudio SourceKind = "optical-audio"
	KindCartridge    SourceKind = "cartridge"
)

// ParseSourceKind converts a string into a known SourceKind.
func ParseSourceKind(value string) (SourceKind, bool) {
	kind := SourceKind(strings.ToLower(strings.TrimSpace(value)))
	switch kind {
	case KindOpticalData, KindOpticalAudio, KindCartridge:
		return kind, true
	default:
		return "", false
	}
}

// UnitStatus tracks verification state for a single extracted unit.
type UnitStatus string

const (
	UnitUnverified   UnitStatus = "unverified"
	UnitVerified     UnitStatus = "verified"
	UnitMismatched   UnitStatus = "mismatched"
	UnitRepaired     UnitStatus = "repaired"
	UnitUnrepairable UnitStatus = "unrepairable"
)

// Job represents a backup job persisted in SQLite.
//
// The source is immutable once the job starts; everything else reflects
// pipeline progress and may change until the job reaches a terminal status.
type Job struct {
	ID                 int64
	SourcePath         string
	SourceKind         SourceKind
	Label              string
	DestinationDir     string
	Status             Status
	ChecksumAlgorithm  string
	RedundancyRatio    float64
	ImageFile          string
	ErrorMessage       string
	FailureReason      string
	CancelRequested    bool
	ExtractionAttempts int
	ProgressStage      string
	ProgressPercent    float64
	ProgressMessage    string
	LastProgress       *time.Time
	LastHeartbeat      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Unit is one fixed-size chunk of the extracted image.
type Unit struct {
	JobID       int64
	Seq         int
	ByteOffset  int64
	ByteSize    int64
	Digest      string
	ParityBlock *int
	Status      UnitStatus
}

// RedundancyBlock records one parity artifact on disk together with the unit
// range it covers and its own checksum. A block is only trusted when the
// checksum matches recomputation.
type RedundancyBlock struct {
	JobID     int64
	Index     int
	FirstUnit int
	LastUnit  int
	Params    string
	Path      string
	Checksum  string
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessing returns true when the status reflects an in-flight stage.
func (j Job) IsProcessing() bool {
	_, ok := processingStatuses[j.Status]
	return ok
}

// IsTerminal returns true once the job can never progress again.
func (j Job) IsTerminal() bool {
	_, ok := terminalStatuses[j.Status]
	return ok
}

// IsProcessingStatus reports whether a status reflects an in-flight stage.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsTerminalStatus reports whether a status is terminal.
func IsTerminalStatus(status Status) bool {
	_, ok := terminalStatuses[status]
	return ok
}

// SetProgress updates the progress fields together.
func (j *Job) SetProgress(stage, message string, percent float64) {
	j.ProgressStage = stage
	j.ProgressMessage = message
	j.ProgressPercent = percent
}

// TouchProgress refreshes the last-progress timestamp used for stall detection.
func (j *Job) TouchProgress(now time.Time) {
	utc := now.UTC()
	j.LastProgress = &utc
}

// SetFailed marks the job failed with a reason and diagnostic message.
func (j *Job) SetFailed(reason, message string) {
	j.Status = StatusFailed
	j.FailureReason = reason
	j.ErrorMessage = message
	j.ProgressPercent = 0
	j.ProgressMessage = message
	j.ProgressStage = "Failed"
	j.LastHeartbeat = nil
}

type statusTransition struct {
	from Status
	to   Status
}

// stageRollbackTransitions map a processing status back to the start of its
// stage. Extracting rolls all the way back to pending: a partial rip is never
// resumed mid-stream.
var stageRollbackTransitions = []statusTransition{
	{from: StatusExtracting, to: StatusPending},
	{from: StatusChecksumming, to: StatusExtracted},
	{from: StatusEncoding, to: StatusChecksummed},
	{from: StatusVerifying, to: StatusEncoded},
}

// HealthSummary describes aggregated queue counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Verified   int
	Degraded   int
	Failed     int
}
