package staging

import (
	"fmt"
	"os"
	"path/filepath"

	"balloon/internal/queue"
)

// Layout resolves the on-disk shape of one job's staging directory. Every
// stage writes inside this root until verification promotes the results to
// the archive directory.
type Layout struct {
	root string
}

// ForJob returns the layout rooted at the job's staging directory.
func ForJob(stagingDir string, job *queue.Job) Layout {
	return Layout{root: job.StagingRoot(stagingDir)}
}

// Root returns the job's staging root directory.
func (l Layout) Root() string { return l.root }

// ImagePath is the extracted source image.
func (l Layout) ImagePath() string { return filepath.Join(l.root, "image.bin") }

// LedgerPath is the append-only checksum ledger file.
func (l Layout) LedgerPath() string { return filepath.Join(l.root, "checksums.jsonl") }

// ParityDir holds the generated redundancy blocks.
func (l Layout) ParityDir() string { return filepath.Join(l.root, "parity") }

// ParityBlockPath is the file for one redundancy block.
func (l Layout) ParityBlockPath(index int) string {
	return filepath.Join(l.ParityDir(), fmt.Sprintf("block-%04d.par", index))
}

// ReportPath is the verification report written by the final stage.
func (l Layout) ReportPath() string { return filepath.Join(l.root, "report.json") }

// Ensure creates the staging root and parity directory.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.root, l.ParityDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create staging directory %s: %w", dir, err)
		}
	}
	return nil
}

// Remove deletes the job's entire staging tree.
func (l Layout) Remove() error {
	return os.RemoveAll(l.root)
}
