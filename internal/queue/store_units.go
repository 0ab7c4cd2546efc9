package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertUnits persists the extraction manifest for a job in one transaction.
// Any prior units for the job are removed first so a re-extraction starts
// from a clean slate.
func (s *Store) InsertUnits(ctx context.Context, jobID int64, units []Unit) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin units tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM units WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("clear prior units: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO units (job_id, seq, byte_offset, byte_size, digest, parity_block, status)
             VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare unit insert: %w", err)
		}
		defer stmt.Close()

		for _, unit := range units {
			status := unit.Status
			if status == "" {
				status = UnitUnverified
			}
			var parity any
			if unit.ParityBlock != nil {
				parity = *unit.ParityBlock
			}
			if _, err := stmt.ExecContext(ctx, jobID, unit.Seq, unit.ByteOffset, unit.ByteSize, unit.Digest, parity, string(status)); err != nil {
				return fmt.Errorf("insert unit %d: %w", unit.Seq, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit units: %w", err)
		}
		return nil
	})
}

// ErrNoUnits indicates a stage ran before extraction produced a manifest.
var ErrNoUnits = errors.New("job has no units")

// UnitsForJob returns a job's units ordered by sequence index, or ErrNoUnits
// when no manifest was ever recorded.
func (s *Store) UnitsForJob(ctx context.Context, jobID int64) ([]Unit, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT job_id, seq, byte_offset, byte_size, digest, parity_block, status
         FROM units WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var (
			unit   Unit
			parity sql.NullInt64
			status string
		)
		if err := rows.Scan(&unit.JobID, &unit.Seq, &unit.ByteOffset, &unit.ByteSize, &unit.Digest, &parity, &status); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		if parity.Valid {
			value := int(parity.Int64)
			unit.ParityBlock = &value
		}
		unit.Status = UnitStatus(status)
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("job %d: %w", jobID, ErrNoUnits)
	}
	return units, nil
}

// UpdateUnit persists digest, parity reference, and verification status for one unit.
func (s *Store) UpdateUnit(ctx context.Context, unit Unit) error {
	var parity any
	if unit.ParityBlock != nil {
		parity = *unit.ParityBlock
	}
	err := s.execWithoutResultRetry(
		ctx,
		`UPDATE units SET digest = ?, parity_block = ?, status = ? WHERE job_id = ? AND seq = ?`,
		unit.Digest,
		parity,
		string(unit.Status),
		unit.JobID,
		unit.Seq,
	)
	if err != nil {
		return fmt.Errorf("update unit %d/%d: %w", unit.JobID, unit.Seq, err)
	}
	return nil
}

// ReplaceBlocks swaps a job's redundancy block records in one transaction.
func (s *Store) ReplaceBlocks(ctx context.Context, jobID int64, blocks []RedundancyBlock) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin blocks tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM redundancy_blocks WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("clear prior blocks: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO redundancy_blocks (job_id, idx, first_unit, last_unit, params, path, checksum)
             VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare block insert: %w", err)
		}
		defer stmt.Close()

		for _, block := range blocks {
			if _, err := stmt.ExecContext(ctx, jobID, block.Index, block.FirstUnit, block.LastUnit, block.Params, block.Path, block.Checksum); err != nil {
				return fmt.Errorf("insert block %d: %w", block.Index, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit blocks: %w", err)
		}
		return nil
	})
}

// BlocksForJob returns a job's redundancy blocks ordered by index.
func (s *Store) BlocksForJob(ctx context.Context, jobID int64) ([]RedundancyBlock, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT job_id, idx, first_unit, last_unit, params, path, checksum
         FROM redundancy_blocks WHERE job_id = ? ORDER BY idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []RedundancyBlock
	for rows.Next() {
		var block RedundancyBlock
		if err := rows.Scan(&block.JobID, &block.Index, &block.FirstUnit, &block.LastUnit, &block.Params, &block.Path, &block.Checksum); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}
