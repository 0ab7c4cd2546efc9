package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, source_path, source_kind, label, destination_dir, status,
    checksum_algorithm, redundancy_ratio, image_file, error_message, failure_reason,
    cancel_requested, extraction_attempts, progress_stage, progress_percent,
    progress_message, last_progress, last_heartbeat, created_at, updated_at`

// NewJob inserts a new pending job for the given source.
func (s *Store) NewJob(ctx context.Context, sourcePath string, kind SourceKind, label, destinationDir, checksumAlgorithm string, redundancyRatio float64) (*Job, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            source_path, source_kind, label, destination_dir, status,
            checksum_algorithm, redundancy_ratio, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sourcePath,
		string(kind),
		label,
		destinationDir,
		StatusPending,
		checksumAlgorithm,
		redundancyRatio,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.GetByID(ctx, id)
}

// NewAttempt creates a fresh pending job from a terminal job's source. The
// prior job is left untouched so failed attempts stay auditable.
func (s *Store) NewAttempt(ctx context.Context, priorID int64) (*Job, error) {
	prior, err := s.GetByID(ctx, priorID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("job %d not found", priorID)
	}
	if !prior.IsTerminal() {
		return nil, fmt.Errorf("job %d is not terminal (status %s)", priorID, prior.Status)
	}
	return s.NewJob(ctx, prior.SourcePath, prior.SourceKind, prior.Label, prior.DestinationDir, prior.ChecksumAlgorithm, prior.RedundancyRatio)
}

// GetByID fetches a job by identifier. Returns nil when the job does not exist.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Update persists changes to an existing job. The cancel_requested column is
// deliberately not written here: cancellation arrives concurrently through
// RequestCancel, and a stage persisting progress from a stale in-memory copy
// must not erase it.
func (s *Store) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()

	err := s.execWithoutResultRetry(
		ctx,
		`UPDATE jobs SET
            source_path = ?, source_kind = ?, label = ?, destination_dir = ?, status = ?,
            checksum_algorithm = ?, redundancy_ratio = ?, image_file = ?, error_message = ?,
            failure_reason = ?, extraction_attempts = ?,
            progress_stage = ?, progress_percent = ?, progress_message = ?,
            last_progress = ?, last_heartbeat = ?, updated_at = ?
        WHERE id = ?`,
		job.SourcePath,
		string(job.SourceKind),
		job.Label,
		job.DestinationDir,
		string(job.Status),
		job.ChecksumAlgorithm,
		job.RedundancyRatio,
		job.ImageFile,
		nullableString(job.ErrorMessage),
		nullableString(job.FailureReason),
		job.ExtractionAttempts,
		nullableString(job.ProgressStage),
		job.ProgressPercent,
		nullableString(job.ProgressMessage),
		nullableTime(job.LastProgress),
		nullableTime(job.LastHeartbeat),
		job.UpdatedAt.Format(time.RFC3339Nano),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// NextForStatuses returns the oldest job whose status matches one of the
// provided values, or nil when none is ready.
func (s *Store) NextForStatuses(ctx context.Context, statuses ...Status) (*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (` + makePlaceholders(len(statuses)) + `) ORDER BY id LIMIT 1`
	row := s.db.QueryRowContext(ensureContext(ctx), query, args...)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next job: %w", err)
	}
	return job, nil
}

// List returns jobs ordered by identifier, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Clear removes every job (units and blocks cascade).
func (s *Store) Clear(ctx context.Context) error {
	if err := s.execWithoutResultRetry(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}
	return nil
}

// ClearArchived removes jobs that finished with a verified or degraded
// verdict. Their artifacts already live under the archive root.
func (s *Store) ClearArchived(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM jobs WHERE status IN (?, ?)`,
		string(StatusVerified),
		string(StatusDegraded),
	)
	if err != nil {
		return 0, fmt.Errorf("clear archived jobs: %w", err)
	}
	return res.RowsAffected()
}

// ClearFailed removes only failed jobs.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE status = ?`, string(StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("clear failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// Health returns aggregated queue counts.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("queue health: %w", err)
	}
	defer rows.Close()

	var summary HealthSummary
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return HealthSummary{}, fmt.Errorf("scan health row: %w", err)
		}
		summary.Total += count
		switch Status(status) {
		case StatusPending:
			summary.Pending += count
		case StatusVerified:
			summary.Verified += count
		case StatusDegraded:
			summary.Degraded += count
		case StatusFailed:
			summary.Failed += count
		default:
			if IsProcessingStatus(Status(status)) {
				summary.Processing += count
			}
		}
	}
	return summary, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job             Job
		kind            string
		status          string
		errorMessage    sql.NullString
		failureReason   sql.NullString
		cancelRequested int
		progressStage   sql.NullString
		progressMessage sql.NullString
		lastProgress    sql.NullString
		lastHeartbeat   sql.NullString
		createdAt       sql.NullString
		updatedAt       sql.NullString
	)

	err := row.Scan(
		&job.ID,
		&job.SourcePath,
		&kind,
		&job.Label,
		&job.DestinationDir,
		&status,
		&job.ChecksumAlgorithm,
		&job.RedundancyRatio,
		&job.ImageFile,
		&errorMessage,
		&failureReason,
		&cancelRequested,
		&job.ExtractionAttempts,
		&progressStage,
		&job.ProgressPercent,
		&progressMessage,
		&lastProgress,
		&lastHeartbeat,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.SourceKind = SourceKind(kind)
	job.Status = Status(status)
	job.ErrorMessage = errorMessage.String
	job.FailureReason = failureReason.String
	job.CancelRequested = cancelRequested != 0
	job.ProgressStage = progressStage.String
	job.ProgressMessage = progressMessage.String

	if ts, err := parseTime(lastProgress); err != nil {
		return nil, err
	} else if !ts.IsZero() {
		job.LastProgress = &ts
	}
	if ts, err := parseTime(lastHeartbeat); err != nil {
		return nil, err
	} else if !ts.IsZero() {
		job.LastHeartbeat = &ts
	}
	if ts, err := parseTime(createdAt); err != nil {
		return nil, err
	} else {
		job.CreatedAt = ts
	}
	if ts, err := parseTime(updatedAt); err != nil {
		return nil, err
	} else {
		job.UpdatedAt = ts
	}

	return &job, nil
}
