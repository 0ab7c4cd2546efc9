// Package report produces the verification report that accompanies every
// finished job: the per-unit outcomes folded into a single verdict, written
// atomically next to the archived image.
package report
