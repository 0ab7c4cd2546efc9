package queue

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// StagingRoot returns the per-job staging directory rooted at base. Job
// directories are named by identifier so concurrent jobs never share paths.
func (j Job) StagingRoot(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	return filepath.Join(base, fmt.Sprintf("job-%d", j.ID))
}

// ArchiveName returns the directory name a verified job's artifacts are
// renamed into under the archive root.
func (j Job) ArchiveName() string {
	label := sanitizeSegment(j.Label)
	if label == "" {
		return fmt.Sprintf("job-%d", j.ID)
	}
	return fmt.Sprintf("%s-job-%d", label, j.ID)
}

// ParseStagingDirName extracts the job identifier from a job-{ID} staging
// directory name. The second return value is false for any other name.
func ParseStagingDirName(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "job-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func sanitizeSegment(value string) string {
	value = strings.TrimSpace(value)
	var sb strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		case r == ' ':
			sb.WriteByte('-')
		}
	}
	return strings.Trim(sb.String(), "-_")
}
