// Package backup implements the four pipeline stage handlers: extracting the
// source image, recording unit digests in the ledger, generating redundancy
// blocks, and the final verify-repair-archive pass.
package backup
