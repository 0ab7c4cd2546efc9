// Package workflow drives queued backup jobs through the pipeline. The
// manager polls for the next ready job, hands it to the stage handler bound
// to its status, keeps a heartbeat alive while the handler runs, and reclaims
// jobs orphaned by a crashed process.
package workflow
