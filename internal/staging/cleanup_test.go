package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCleanStaleRemovesOldDirectories(t *testing.T) {
	root := t.TempDir()

	oldDir := filepath.Join(root, "job-1")
	newDir := filepath.Join(root, "job-2")
	for _, dir := range []string{oldDir, newDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldDir, past, past); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}

	result := CleanStale(context.Background(), root, 24*time.Hour, nil)
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if len(result.Removed) != 1 || result.Removed[0] != oldDir {
		t.Fatalf("expected only %s removed, got %v", oldDir, result.Removed)
	}
	if _, err := os.Stat(newDir); err != nil {
		t.Fatalf("fresh directory should survive: %v", err)
	}
}

func TestCleanStaleIgnoresFiles(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "stray.bin")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(file, past, past); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}

	result := CleanStale(context.Background(), root, 24*time.Hour, nil)
	if len(result.Removed) != 0 {
		t.Fatalf("files should not be removed: %v", result.Removed)
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("file should survive: %v", err)
	}
}

func TestCleanStaleMissingRoot(t *testing.T) {
	result := CleanStale(context.Background(), filepath.Join(t.TempDir(), "missing"), time.Hour, nil)
	if len(result.Removed) != 0 || len(result.Errors) != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestCleanOrphanedRemovesUnknownJobs(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"job-3", "job-9", "lost+found"} {
		if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
	}

	active := map[int64]struct{}{3: {}}
	result := CleanOrphaned(context.Background(), root, active, nil)
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if len(result.Removed) != 1 || result.Removed[0] != filepath.Join(root, "job-9") {
		t.Fatalf("expected only job-9 removed, got %v", result.Removed)
	}
	if _, err := os.Stat(filepath.Join(root, "job-3")); err != nil {
		t.Fatalf("active job directory should survive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "lost+found")); err != nil {
		t.Fatalf("non-job directory should survive: %v", err)
	}
}

func TestListDirectories(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "job-4")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "image.bin"), make([]byte, 1024), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	dirs, err := ListDirectories(root)
	if err != nil {
		t.Fatalf("ListDirectories failed: %v", err)
	}
	if len(dirs) != 1 {
		t.Fatalf("expected 1 directory, got %d", len(dirs))
	}
	if dirs[0].Name != "job-4" {
		t.Fatalf("unexpected name %s", dirs[0].Name)
	}
	if dirs[0].Size != 1024 {
		t.Fatalf("expected size 1024, got %d", dirs[0].Size)
	}
}
