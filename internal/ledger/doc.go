// Package ledger keeps the authoritative per-unit checksum record for a
// backup job. Entries are keyed by unit sequence and algorithm, append-only,
// and mirrored to a JSONL file inside the job's staging directory so a
// restarted process resumes with the same expectations it had before.
package ledger
