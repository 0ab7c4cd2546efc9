package queue

import (
	"context"
	"fmt"
	"time"
)

// UpdateHeartbeat updates the last heartbeat timestamp for an in-flight job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now,
		now,
		id,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// RequestCancel flags a job for cancellation. The running stage observes the
// flag at its next checkpoint; jobs still pending fail immediately.
func (s *Store) RequestCancel(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		now,
		id,
	); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// ReclaimStaleProcessing rolls jobs stuck in a processing status back to the
// start of their stage when heartbeats expire. Extracting rolls back to
// pending so the extractor is re-invoked from scratch.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	query := `UPDATE jobs SET status = CASE status`
	args := make([]any, 0, len(stageRollbackTransitions)*2+8)
	for _, transition := range stageRollbackTransitions {
		query += ` WHEN ? THEN ?`
		args = append(args, string(transition.from), string(transition.to))
	}
	query += ` ELSE status END,
        progress_stage = 'Reclaimed after interruption',
        progress_percent = 0, progress_message = NULL, last_heartbeat = NULL, updated_at = ?
        WHERE status IN (`
	args = append(args, now)
	for i, transition := range stageRollbackTransitions {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(transition.from))
	}
	query += `) AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`
	args = append(args, cutoff.UTC().Format(time.RFC3339Nano))

	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// ResetStuckProcessing rolls every processing job back to the start of its
// stage regardless of heartbeat age. Used on startup after an unclean stop.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	query := `UPDATE jobs SET status = CASE status`
	args := make([]any, 0, len(stageRollbackTransitions)*2+8)
	for _, transition := range stageRollbackTransitions {
		query += ` WHEN ? THEN ?`
		args = append(args, string(transition.from), string(transition.to))
	}
	query += ` ELSE status END,
        progress_stage = 'Reset from interrupted processing',
        progress_percent = 0, progress_message = NULL, last_heartbeat = NULL, updated_at = ?
        WHERE status IN (`
	args = append(args, now)
	for i, transition := range stageRollbackTransitions {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(transition.from))
	}
	query += `)`

	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset stuck jobs: %w", err)
	}
	return res.RowsAffected()
}
