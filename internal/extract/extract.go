package extract

import (
	"context"
	"fmt"
	"os"
)

// Unit is one fixed-size slice of the extracted image. The final unit may be
// short when the image size is not a multiple of the unit size.
type Unit struct {
	Seq        int
	ByteOffset int64
	ByteSize   int64
}

// Manifest describes the completed extraction output.
type Manifest struct {
	ImagePath  string
	TotalBytes int64
	UnitSize   int64
	Units      []Unit
}

// State enumerates the observable phases of an extraction.
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Status is one Poll observation. BytesRead is set while running, Manifest
// when done, and Reason when failed.
type Status struct {
	State     State
	BytesRead int64
	Manifest  *Manifest
	Reason    error
}

// Request describes one extraction.
type Request struct {
	Device     string
	OutputPath string
	SectorSize int
	UnitSize   int64
}

// Handle tracks one in-flight extraction.
type Handle interface {
	// Poll reports current progress. The error return covers observation
	// failures only; an extraction failure comes back as StateFailed.
	Poll(ctx context.Context) (Status, error)
	// Cancel stops the extraction and releases its resources. Idempotent.
	Cancel(ctx context.Context) error
}

// Extractor starts bulk reads from a physical source. Implementations wrap
// external recovery tools; internal/services/ddrescue is the production one.
type Extractor interface {
	Begin(ctx context.Context, req Request) (Handle, error)
}

// BuildManifest slices a finished image file into fixed-size units.
func BuildManifest(imagePath string, unitSize int64) (*Manifest, error) {
	if unitSize <= 0 {
		return nil, fmt.Errorf("unit size must be positive, got %d", unitSize)
	}
	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	total := info.Size()
	if total == 0 {
		return nil, fmt.Errorf("image %s is empty", imagePath)
	}

	manifest := &Manifest{ImagePath: imagePath, TotalBytes: total, UnitSize: unitSize}
	for offset := int64(0); offset < total; offset += unitSize {
		size := unitSize
		if remaining := total - offset; remaining < size {
			size = remaining
		}
		manifest.Units = append(manifest.Units, Unit{
			Seq:        len(manifest.Units),
			ByteOffset: offset,
			ByteSize:   size,
		})
	}
	return manifest, nil
}

// ReadUnit returns the bytes of one unit from the image file.
func ReadUnit(imagePath string, unit Unit) ([]byte, error) {
	file, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer file.Close()

	buf := make([]byte, unit.ByteSize)
	if _, err := file.ReadAt(buf, unit.ByteOffset); err != nil {
		return nil, fmt.Errorf("read unit %d: %w", unit.Seq, err)
	}
	return buf, nil
}
