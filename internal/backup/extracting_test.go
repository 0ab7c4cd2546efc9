package backup

import (
	"context"
	"errors"
	"os"
	"testing"

	"balloon/internal/extract"
	"balloon/internal/logging"
	"balloon/internal/queue"
	"balloon/internal/services"
	"balloon/internal/staging"
	"balloon/internal/testsupport"
)

func doneStatus(imagePath string, unitSize int64, totalBytes int64) extract.Status {
	manifest := &extract.Manifest{ImagePath: imagePath, TotalBytes: totalBytes, UnitSize: unitSize}
	for offset := int64(0); offset < totalBytes; offset += unitSize {
		size := unitSize
		if remaining := totalBytes - offset; remaining < size {
			size = remaining
		}
		manifest.Units = append(manifest.Units, extract.Unit{Seq: len(manifest.Units), ByteOffset: offset, ByteSize: size})
	}
	return extract.Status{State: extract.StateDone, Manifest: manifest}
}

func TestExtractorRecordsManifestOnSuccess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, store, cfg, "Disc")
	layout := staging.ForJob(cfg.Paths.StagingDir, job)

	client := &fakeExtractor{handles: []*fakeHandle{{
		statuses: []extract.Status{
			{State: extract.StateRunning, BytesRead: 1024},
			doneStatus(layout.ImagePath(), 1024, 4096),
		},
	}}}
	handler := NewExtractorWithClient(cfg, store, logging.NewNop(), client)

	if err := handler.Prepare(context.Background(), job); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := handler.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if job.ImageFile != layout.ImagePath() {
		t.Fatalf("unexpected image file %s", job.ImageFile)
	}
	units, err := store.UnitsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("UnitsForJob failed: %v", err)
	}
	if len(units) != 4 {
		t.Fatalf("expected 4 units, got %d", len(units))
	}
	if job.ExtractionAttempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", job.ExtractionAttempts)
	}
}

func TestExtractorRetriesTransientFailures(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, store, cfg, "Disc")
	layout := staging.ForJob(cfg.Paths.StagingDir, job)

	failed := extract.Status{
		State:  extract.StateFailed,
		Reason: services.Wrap(services.ErrTransientExtraction, "extracting", "poll", "read error", nil),
	}
	client := &fakeExtractor{handles: []*fakeHandle{
		{statuses: []extract.Status{failed}},
		{statuses: []extract.Status{doneStatus(layout.ImagePath(), 1024, 2048)}},
	}}
	handler := NewExtractorWithClient(cfg, store, logging.NewNop(), client)

	if err := handler.Prepare(context.Background(), job); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := handler.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", client.calls)
	}
	if job.ExtractionAttempts != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", job.ExtractionAttempts)
	}
}

func TestExtractorExhaustsRetryBudget(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRetryBudget(2))
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, store, cfg, "Disc")

	failed := extract.Status{
		State:  extract.StateFailed,
		Reason: services.Wrap(services.ErrTransientExtraction, "extracting", "poll", "read error", nil),
	}
	client := &fakeExtractor{handles: []*fakeHandle{{statuses: []extract.Status{failed}}}}
	handler := NewExtractorWithClient(cfg, store, logging.NewNop(), client)

	if err := handler.Prepare(context.Background(), job); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	err := handler.Execute(context.Background(), job)
	if !errors.Is(err, services.ErrTransientExtraction) {
		t.Fatalf("expected transient extraction failure, got %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", client.calls)
	}
}

func TestExtractorStallDetection(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Extraction.RetryBudget = 1
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, store, cfg, "Disc")

	handle := &fakeHandle{statuses: []extract.Status{{State: extract.StateRunning, BytesRead: 2048}}}
	client := &fakeExtractor{handles: []*fakeHandle{handle}}
	handler := NewExtractorWithClient(cfg, store, logging.NewNop(), client)

	if err := handler.Prepare(context.Background(), job); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	err := handler.Execute(context.Background(), job)
	if !errors.Is(err, services.ErrStalledExtraction) {
		t.Fatalf("expected stall failure, got %v", err)
	}
	if !handle.cancelled {
		t.Fatal("expected stalled extraction to be cancelled")
	}
}

func TestExtractorHonorsCancelRequest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, store, cfg, "Disc")
	if err := store.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	handle := &fakeHandle{statuses: []extract.Status{{State: extract.StateRunning, BytesRead: 512}}}
	client := &fakeExtractor{handles: []*fakeHandle{handle}}
	handler := NewExtractorWithClient(cfg, store, logging.NewNop(), client)

	if err := handler.Prepare(context.Background(), job); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	err := handler.Execute(context.Background(), job)
	if !errors.Is(err, services.ErrUserCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !handle.cancelled {
		t.Fatal("expected extraction process to be cancelled")
	}

	if _, err := store.UnitsForJob(context.Background(), job.ID); !errors.Is(err, queue.ErrNoUnits) {
		t.Fatalf("expected no units for cancelled job, got %v", err)
	}
}

func TestExtractorIngestsCartridgeDump(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	source := cfg.Extraction.Device
	if err := os.WriteFile(source, imageData(3*1024*1024/2), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	job, err := store.NewJob(context.Background(), source, queue.KindCartridge, "Cart", cfg.Paths.ArchiveDir, cfg.Integrity.Algorithm, cfg.Redundancy.Ratio)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}

	handler := NewExtractorWithClient(cfg, store, logging.NewNop(), nil)
	if err := handler.Prepare(context.Background(), job); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := handler.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	layout := staging.ForJob(cfg.Paths.StagingDir, job)
	if job.ImageFile != layout.ImagePath() {
		t.Fatalf("unexpected image file %s", job.ImageFile)
	}
	units, err := store.UnitsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("UnitsForJob failed: %v", err)
	}
	// 1.5 MiB source with 1 MiB units.
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
}
