package backup

import (
	"context"
	"os"
	"sync"
	"testing"

	"balloon/internal/config"
	"balloon/internal/extract"
	"balloon/internal/fec"
	"balloon/internal/fileutil"
	"balloon/internal/logging"
	"balloon/internal/queue"
	"balloon/internal/staging"
	"balloon/internal/testsupport"
)

type fakeHandle struct {
	mu        sync.Mutex
	statuses  []extract.Status
	idx       int
	cancelled bool
}

func (h *fakeHandle) Poll(ctx context.Context) (extract.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idx >= len(h.statuses) {
		return h.statuses[len(h.statuses)-1], nil
	}
	status := h.statuses[h.idx]
	h.idx++
	return status, nil
}

func (h *fakeHandle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
	return nil
}

type fakeExtractor struct {
	handles []*fakeHandle
	calls   int
}

func (f *fakeExtractor) Begin(ctx context.Context, req extract.Request) (extract.Handle, error) {
	handle := f.handles[f.calls%len(f.handles)]
	f.calls++
	return handle, nil
}

type fakeFec struct {
	encodeBlocks []fec.Block
	encodeErr    error
	repairResult fec.RepairResult
	repairErr    error
	onRepair     func(fec.RepairRequest)
	encodeCalls  int
	repairCalls  int
}

func (f *fakeFec) Encode(ctx context.Context, req fec.EncodeRequest) ([]fec.Block, error) {
	f.encodeCalls++
	if err := fec.ValidateEncodeRequest(req); err != nil {
		return nil, err
	}
	return f.encodeBlocks, f.encodeErr
}

func (f *fakeFec) Repair(ctx context.Context, req fec.RepairRequest) (fec.RepairResult, error) {
	f.repairCalls++
	if f.onRepair != nil {
		f.onRepair(req)
	}
	return f.repairResult, f.repairErr
}

// seedExtractedJob creates a job whose extraction already finished: the image
// sits in staging and the unit manifest is persisted.
func seedExtractedJob(t *testing.T, store *queue.Store, cfg *config.Config, data []byte, unitSize int64) *queue.Job {
	t.Helper()

	job := testsupport.NewJob(t, store, cfg, "Test Backup")
	layout := staging.ForJob(cfg.Paths.StagingDir, job)
	if err := layout.Ensure(); err != nil {
		t.Fatalf("layout.Ensure: %v", err)
	}
	if err := fileutil.WriteFileAtomic(layout.ImagePath(), data, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	manifest, err := extract.BuildManifest(layout.ImagePath(), unitSize)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	units := make([]queue.Unit, len(manifest.Units))
	for i, unit := range manifest.Units {
		units[i] = queue.Unit{JobID: job.ID, Seq: unit.Seq, ByteOffset: unit.ByteOffset, ByteSize: unit.ByteSize, Status: queue.UnitUnverified}
	}
	if err := store.InsertUnits(context.Background(), job.ID, units); err != nil {
		t.Fatalf("InsertUnits: %v", err)
	}

	job.ImageFile = layout.ImagePath()
	job.Status = queue.StatusExtracted
	if err := store.Update(context.Background(), job); err != nil {
		t.Fatalf("store.Update: %v", err)
	}
	return job
}

// runChecksummer seeds ledger entries for an already extracted job.
func runChecksummer(t *testing.T, store *queue.Store, cfg *config.Config, job *queue.Job) {
	t.Helper()
	handler := NewChecksummer(cfg, store, logging.NewNop())
	if err := handler.Execute(context.Background(), job); err != nil {
		t.Fatalf("checksummer Execute: %v", err)
	}
}

func corruptImage(t *testing.T, path string, offset int64, length int) []byte {
	t.Helper()
	original := make([]byte, length)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open image: %v", err)
	}
	defer file.Close()
	if _, err := file.ReadAt(original, offset); err != nil {
		t.Fatalf("read original: %v", err)
	}
	garbage := make([]byte, length)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	if _, err := file.WriteAt(garbage, offset); err != nil {
		t.Fatalf("corrupt image: %v", err)
	}
	return original
}

func imageData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 31 % 251)
	}
	return data
}
