// Package services defines the failure taxonomy shared by all pipeline stages
// and the context annotations used to correlate logs with jobs.
//
// Stage code wraps adapter errors with one of the sentinel markers so the
// workflow manager can distinguish retryable extraction failures from fatal
// conditions, and so reports carry a stable machine-readable reason.
package services
