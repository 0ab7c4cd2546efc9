package testsupport

import (
	"context"
	"testing"

	"balloon/internal/config"
	"balloon/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob creates a pending optical-data job for tests using the provided store.
func NewJob(t testing.TB, store *queue.Store, cfg *config.Config, label string) *queue.Job {
	t.Helper()

	job, err := store.NewJob(context.Background(), cfg.Extraction.Device, queue.KindOpticalData, label, cfg.Paths.ArchiveDir, cfg.Integrity.Algorithm, cfg.Redundancy.Ratio)
	if err != nil {
		t.Fatalf("store.NewJob: %v", err)
	}
	return job
}
