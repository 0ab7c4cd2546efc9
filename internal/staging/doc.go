// Package staging manages per-job working directories. Each job owns a
// job-{ID} root containing the extracted image, the checksum ledger, the
// generated parity blocks, and the verification report. The package also
// cleans up stale and orphaned directories left behind by interrupted runs.
package staging
