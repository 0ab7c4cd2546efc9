package main

import (
	"fmt"

	"balloon/internal/report"
)

// Exit codes reported to the shell. Verdicts map directly so scripts can
// branch on the outcome of a backup.
const (
	exitVerified = 0
	exitDegraded = 1
	exitFailed   = 2
	exitInvalid  = 3
)

// exitCoder carries a specific process exit code alongside the error text.
type exitCoder struct {
	code int
	msg  string
}

func (e *exitCoder) Error() string { return e.msg }

func exitWith(code int, format string, args ...any) error {
	return &exitCoder{code: code, msg: fmt.Sprintf(format, args...)}
}

// invalidf reports a bad invocation (unknown flag values, malformed
// arguments) as exit code 3.
func invalidf(format string, args ...any) error {
	return exitWith(exitInvalid, format, args...)
}

// verdictExit converts a verification verdict into the command result.
func verdictExit(rep *report.Report) error {
	switch rep.Verdict {
	case report.VerdictVerified:
		return nil
	case report.VerdictDegraded:
		if len(rep.RepairedUnits) > 0 {
			return exitWith(exitDegraded, "job %d archived degraded: %d unit(s) required repair", rep.JobID, len(rep.RepairedUnits))
		}
		return exitWith(exitDegraded, "job %d archived degraded: %d of %d parity block(s) intact", rep.JobID, rep.IntactBlocks, rep.TotalBlocks)
	default:
		return exitWith(exitFailed, "job %d failed verification: %d unit(s) unrepairable", rep.JobID, len(rep.UnrepairableUnits))
	}
}
