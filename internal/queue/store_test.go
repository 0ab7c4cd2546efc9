package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"balloon/internal/queue"
	"balloon/internal/testsupport"
)

func TestNewJobRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	job := testsupport.NewJob(t, store, cfg, "Quest Disc 1")
	if job.ID == 0 {
		t.Fatal("expected job id to be assigned")
	}
	if job.Status != queue.StatusPending {
		t.Fatalf("expected pending status, got %s", job.Status)
	}

	fetched, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected job to exist")
	}
	if fetched.SourceKind != queue.KindOpticalData {
		t.Fatalf("unexpected kind: %s", fetched.SourceKind)
	}
	if fetched.ChecksumAlgorithm != "sha256" {
		t.Fatalf("unexpected algorithm: %s", fetched.ChecksumAlgorithm)
	}
	if fetched.RedundancyRatio != cfg.Redundancy.Ratio {
		t.Fatalf("unexpected ratio: %v", fetched.RedundancyRatio)
	}
}

func TestUpdatePersistsStatusAndProgress(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, store, cfg, "demo")

	job.Status = queue.StatusExtracting
	job.SetProgress("Extracting", "372 MiB copied", 42)
	job.TouchProgress(time.Now())
	if err := store.Update(context.Background(), job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	fetched, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if fetched.Status != queue.StatusExtracting {
		t.Fatalf("unexpected status: %s", fetched.Status)
	}
	if fetched.ProgressPercent != 42 {
		t.Fatalf("unexpected progress: %v", fetched.ProgressPercent)
	}
	if fetched.LastProgress == nil {
		t.Fatal("expected last progress timestamp")
	}
}

func TestNextForStatusesOrdersByID(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	first := testsupport.NewJob(t, store, cfg, "first")
	testsupport.NewJob(t, store, cfg, "second")

	next, err := store.NextForStatuses(context.Background(), queue.StatusPending)
	if err != nil {
		t.Fatalf("NextForStatuses: %v", err)
	}
	if next == nil || next.ID != first.ID {
		t.Fatalf("expected first job, got %+v", next)
	}

	none, err := store.NextForStatuses(context.Background(), queue.StatusEncoding)
	if err != nil {
		t.Fatalf("NextForStatuses: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no job, got %+v", none)
	}
}

func TestUnitsRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, store, cfg, "units")

	units := []queue.Unit{
		{JobID: job.ID, Seq: 0, ByteOffset: 0, ByteSize: 1 << 20},
		{JobID: job.ID, Seq: 1, ByteOffset: 1 << 20, ByteSize: 1 << 20},
		{JobID: job.ID, Seq: 2, ByteOffset: 2 << 20, ByteSize: 512},
	}
	if err := store.InsertUnits(context.Background(), job.ID, units); err != nil {
		t.Fatalf("InsertUnits: %v", err)
	}

	fetched, err := store.UnitsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("UnitsForJob: %v", err)
	}
	if len(fetched) != 3 {
		t.Fatalf("expected 3 units, got %d", len(fetched))
	}
	if fetched[2].ByteSize != 512 {
		t.Fatalf("unexpected final unit size: %d", fetched[2].ByteSize)
	}
	if fetched[0].Status != queue.UnitUnverified {
		t.Fatalf("expected unverified default, got %s", fetched[0].Status)
	}

	block := 0
	fetched[1].Digest = "abc123"
	fetched[1].Status = queue.UnitVerified
	fetched[1].ParityBlock = &block
	if err := store.UpdateUnit(context.Background(), fetched[1]); err != nil {
		t.Fatalf("UpdateUnit: %v", err)
	}

	again, err := store.UnitsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("UnitsForJob: %v", err)
	}
	if again[1].Digest != "abc123" || again[1].Status != queue.UnitVerified {
		t.Fatalf("unit update not persisted: %+v", again[1])
	}
	if again[1].ParityBlock == nil || *again[1].ParityBlock != 0 {
		t.Fatalf("parity reference not persisted: %+v", again[1])
	}
}

func TestUnitsForJobWithoutManifest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, store, cfg, "no-manifest")

	if _, err := store.UnitsForJob(context.Background(), job.ID); !errors.Is(err, queue.ErrNoUnits) {
		t.Fatalf("expected ErrNoUnits, got %v", err)
	}
}

func TestBlocksRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, store, cfg, "blocks")

	blocks := []queue.RedundancyBlock{
		{JobID: job.ID, Index: 0, FirstUnit: 0, LastUnit: 2, Params: "ratio=0.2", Path: "parity/block-0.par2", Checksum: "deadbeef"},
		{JobID: job.ID, Index: 1, FirstUnit: 0, LastUnit: 2, Params: "ratio=0.2", Path: "parity/block-1.par2", Checksum: "feedface"},
	}
	if err := store.ReplaceBlocks(context.Background(), job.ID, blocks); err != nil {
		t.Fatalf("ReplaceBlocks: %v", err)
	}

	fetched, err := store.BlocksForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("BlocksForJob: %v", err)
	}
	if len(fetched) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(fetched))
	}
	if fetched[1].Checksum != "feedface" {
		t.Fatalf("unexpected checksum: %s", fetched[1].Checksum)
	}
}

func TestReclaimStaleProcessingRollsBackToStageStart(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	extracting := testsupport.NewJob(t, store, cfg, "stale-extracting")
	extracting.Status = queue.StatusExtracting
	stale := time.Now().Add(-time.Hour).UTC()
	extracting.LastHeartbeat = &stale
	if err := store.Update(context.Background(), extracting); err != nil {
		t.Fatalf("Update: %v", err)
	}

	encoding := testsupport.NewJob(t, store, cfg, "stale-encoding")
	encoding.Status = queue.StatusEncoding
	encoding.LastHeartbeat = &stale
	if err := store.Update(context.Background(), encoding); err != nil {
		t.Fatalf("Update: %v", err)
	}

	fresh := testsupport.NewJob(t, store, cfg, "fresh")
	fresh.Status = queue.StatusVerifying
	now := time.Now().UTC()
	fresh.LastHeartbeat = &now
	if err := store.Update(context.Background(), fresh); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reclaimed, err := store.ReclaimStaleProcessing(context.Background(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStaleProcessing: %v", err)
	}
	if reclaimed != 2 {
		t.Fatalf("expected 2 reclaimed, got %d", reclaimed)
	}

	got, err := store.GetByID(context.Background(), extracting.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Fatalf("extracting should roll back to pending, got %s", got.Status)
	}

	got, err = store.GetByID(context.Background(), encoding.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != queue.StatusChecksummed {
		t.Fatalf("encoding should roll back to checksummed, got %s", got.Status)
	}

	got, err = store.GetByID(context.Background(), fresh.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != queue.StatusVerifying {
		t.Fatalf("fresh job should be untouched, got %s", got.Status)
	}
}

func TestNewAttemptRequiresTerminalJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, store, cfg, "retry-me")

	if _, err := store.NewAttempt(context.Background(), job.ID); err == nil {
		t.Fatal("expected error for non-terminal job")
	}

	job.SetFailed("DeviceError", "drive door open")
	if err := store.Update(context.Background(), job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	attempt, err := store.NewAttempt(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	if attempt.ID == job.ID {
		t.Fatal("expected a fresh job id")
	}
	if attempt.Status != queue.StatusPending {
		t.Fatalf("expected pending attempt, got %s", attempt.Status)
	}
	if attempt.SourcePath != job.SourcePath {
		t.Fatal("expected attempt to share the source")
	}

	prior, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if prior.Status != queue.StatusFailed {
		t.Fatalf("prior attempt must stay failed, got %s", prior.Status)
	}
}

func TestRequestCancelSetsFlag(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, store, cfg, "cancel-me")

	if err := store.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	got, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.CancelRequested {
		t.Fatal("expected cancel flag set")
	}
}

func TestListFiltersByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	pending := testsupport.NewJob(t, store, cfg, "pending")
	failed := testsupport.NewJob(t, store, cfg, "failed")
	failed.SetFailed("DeviceError", "device vanished")
	if err := store.Update(ctx, failed); err != nil {
		t.Fatalf("Update: %v", err)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}

	onlyFailed, err := store.List(ctx, queue.StatusFailed)
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(onlyFailed) != 1 || onlyFailed[0].ID != failed.ID {
		t.Fatalf("expected only the failed job, got %+v", onlyFailed)
	}

	both, err := store.List(ctx, queue.StatusFailed, queue.StatusPending)
	if err != nil {
		t.Fatalf("List multi-status: %v", err)
	}
	if len(both) != 2 || both[0].ID != pending.ID {
		t.Fatalf("expected both jobs ordered by id, got %+v", both)
	}
}

func TestUpdatePreservesConcurrentCancelRequest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, cfg, "cancel-race")
	job.Status = queue.StatusExtracting
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Cancel lands while the stage still holds a copy loaded before the flag
	// was set. Persisting progress from that stale copy must not erase it.
	if err := store.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	job.SetProgress("Extracting", "Read 128 MiB", 12)
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.CancelRequested {
		t.Fatal("progress update erased the cancel request")
	}
	if got.ProgressPercent != 12 {
		t.Fatalf("progress not persisted: %v", got.ProgressPercent)
	}
}

func TestClearFailedAndArchived(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	pending := testsupport.NewJob(t, store, cfg, "pending")
	failed := testsupport.NewJob(t, store, cfg, "failed")
	failed.SetFailed("Unrecoverable", "parity exhausted")
	verified := testsupport.NewJob(t, store, cfg, "verified")
	verified.Status = queue.StatusVerified
	degraded := testsupport.NewJob(t, store, cfg, "degraded")
	degraded.Status = queue.StatusDegraded
	for _, job := range []*queue.Job{failed, verified, degraded} {
		if err := store.Update(ctx, job); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	removed, err := store.ClearFailed(ctx)
	if err != nil {
		t.Fatalf("ClearFailed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 failed job removed, got %d", removed)
	}

	removed, err = store.ClearArchived(ctx)
	if err != nil {
		t.Fatalf("ClearArchived: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 archived jobs removed, got %d", removed)
	}

	remaining, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != pending.ID {
		t.Fatalf("expected only the pending job to remain, got %+v", remaining)
	}
}
