package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"balloon/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Staging directory", cfg.Paths.StagingDir),
		CheckDirectoryAccess("Archive directory", cfg.Paths.ArchiveDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckBinary("Extractor", cfg.ExtractorBinary(), "required for pulling images off optical media"),
		CheckBinary("Redundancy encoder", cfg.RedundancyBinary(), "required for parity generation and repair"),
	}
	if device := strings.TrimSpace(cfg.Extraction.Device); device != "" {
		results = append(results, CheckDevice(device))
	}
	return results
}

// Failures filters results down to the failed checks.
func Failures(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckBinary verifies an external executable resolves on PATH.
func CheckBinary(name, binary, description string) Result {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return Result{Name: name, Detail: "command not configured"}
	}
	if _, err := exec.LookPath(binary); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("binary %q not found; %s", binary, description)}
	}
	return Result{Name: name, Passed: true, Detail: binary}
}

// CheckDevice verifies the extraction source exists and is readable.
func CheckDevice(device string) Result {
	const name = "Source device"
	if _, err := os.Stat(device); err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", device)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", device, err)}
	}
	if err := unix.Access(device, unix.R_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not readable: %v)", device, err)}
	}
	return Result{Name: name, Passed: true, Detail: device}
}
