package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"balloon/internal/fileutil"
	"balloon/internal/queue"
)

// Verdict is the final integrity judgement for a job.
type Verdict string

const (
	VerdictVerified Verdict = "verified"
	VerdictDegraded Verdict = "degraded"
	VerdictFailed   Verdict = "failed"
)

// Report is the persisted verification outcome for one job. Everything in it
// derives from the job's stored state, so regenerating a report for the same
// job yields the same content.
type Report struct {
	JobID             int64     `json:"job_id"`
	Label             string    `json:"label"`
	SourceKind        string    `json:"source_kind"`
	Algorithm         string    `json:"algorithm"`
	Verdict           Verdict   `json:"verdict"`
	ImageFile         string    `json:"image_file"`
	ImageBytes        int64     `json:"image_bytes"`
	RedundancyRatio   float64   `json:"redundancy_ratio"`
	UnitCount         int       `json:"unit_count"`
	VerifiedUnits     int       `json:"verified_units"`
	RepairedUnits     []int     `json:"repaired_units,omitempty"`
	UnrepairableUnits []int     `json:"unrepairable_units,omitempty"`
	TotalBlocks       int       `json:"total_blocks"`
	IntactBlocks      int       `json:"intact_blocks"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// ComputeVerdict folds per-unit outcomes and the parity self-checks into the
// job verdict. Any unrepairable unit fails the job. A repaired unit or a
// redundancy block that no longer passes its self-checksum degrades it: the
// archive is only fully trusted when every unit verified clean AND every
// block of parity is intact.
func ComputeVerdict(units []queue.Unit, totalBlocks, intactBlocks int) Verdict {
	repaired := false
	for _, unit := range units {
		switch unit.Status {
		case queue.UnitUnrepairable:
			return VerdictFailed
		case queue.UnitRepaired:
			repaired = true
		}
	}
	if repaired || intactBlocks < totalBlocks {
		return VerdictDegraded
	}
	return VerdictVerified
}

// Generate builds the report for a job from its persisted units and blocks.
func Generate(job *queue.Job, units []queue.Unit, blocks []queue.RedundancyBlock, intactBlocks int) *Report {
	rep := &Report{
		JobID:           job.ID,
		Label:           job.Label,
		SourceKind:      string(job.SourceKind),
		Algorithm:       job.ChecksumAlgorithm,
		Verdict:         ComputeVerdict(units, len(blocks), intactBlocks),
		ImageFile:       job.ImageFile,
		RedundancyRatio: job.RedundancyRatio,
		UnitCount:       len(units),
		TotalBlocks:     len(blocks),
		IntactBlocks:    intactBlocks,
		GeneratedAt:     time.Now().UTC(),
	}
	if info, err := os.Stat(job.ImageFile); err == nil {
		rep.ImageBytes = info.Size()
	}
	for _, unit := range units {
		switch unit.Status {
		case queue.UnitVerified:
			rep.VerifiedUnits++
		case queue.UnitRepaired:
			rep.VerifiedUnits++
			rep.RepairedUnits = append(rep.RepairedUnits, unit.Seq)
		case queue.UnitUnrepairable:
			rep.UnrepairableUnits = append(rep.UnrepairableUnits, unit.Seq)
		}
	}
	sort.Ints(rep.RepairedUnits)
	sort.Ints(rep.UnrepairableUnits)
	return rep
}

// Write persists the report as JSON. The write is atomic so a crash never
// leaves a truncated report behind.
func Write(path string, rep *Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	data = append(data, '\n')
	if err := fileutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// Load reads a previously written report.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}
	return &rep, nil
}
