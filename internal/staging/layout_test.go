package staging

import (
	"os"
	"path/filepath"
	"testing"

	"balloon/internal/queue"
)

func TestLayoutPaths(t *testing.T) {
	base := t.TempDir()
	job := &queue.Job{ID: 12}
	layout := ForJob(base, job)

	root := filepath.Join(base, "job-12")
	if layout.Root() != root {
		t.Fatalf("unexpected root %s", layout.Root())
	}
	if layout.ImagePath() != filepath.Join(root, "image.bin") {
		t.Fatalf("unexpected image path %s", layout.ImagePath())
	}
	if layout.LedgerPath() != filepath.Join(root, "checksums.jsonl") {
		t.Fatalf("unexpected ledger path %s", layout.LedgerPath())
	}
	if layout.ReportPath() != filepath.Join(root, "report.json") {
		t.Fatalf("unexpected report path %s", layout.ReportPath())
	}
	if layout.ParityBlockPath(3) != filepath.Join(root, "parity", "block-0003.par") {
		t.Fatalf("unexpected parity block path %s", layout.ParityBlockPath(3))
	}
}

func TestLayoutEnsureAndRemove(t *testing.T) {
	base := t.TempDir()
	layout := ForJob(base, &queue.Job{ID: 5})

	if err := layout.Ensure(); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if info, err := os.Stat(layout.ParityDir()); err != nil || !info.IsDir() {
		t.Fatalf("parity dir missing: %v", err)
	}

	if err := layout.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(layout.Root()); !os.IsNotExist(err) {
		t.Fatalf("expected root removed, got %v", err)
	}
}
