// Package queue persists backup jobs in SQLite and exposes helpers for
// driving their lifecycle.
//
// The Store manages database connections, schema initialization, heartbeat
// tracking, stale-job reclamation, and the status transitions that mirror the
// pipeline stages. Jobs own their units and redundancy block records; both
// cascade on job deletion.
//
// Terminal jobs (verified, degraded, failed) are never resurrected in place:
// NewAttempt clones the source into a fresh pending job so the history of
// prior attempts stays auditable.
//
// Treat this package as the single source of truth for job semantics; when you
// add new statuses or columns, update schema.sql and bump schemaVersion.
package queue
