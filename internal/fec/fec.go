package fec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"balloon/internal/services"
)

// Block describes one generated redundancy block. The checksum guards the
// block itself so a corrupted block is detected before it is trusted for
// repair.
type Block struct {
	Index     int
	FirstUnit int
	LastUnit  int
	Params    string
	Path      string
	Checksum  string
}

// EncodeRequest describes the parity generation work for one job.
type EncodeRequest struct {
	ImagePath string
	ParityDir string
	UnitSize  int64
	UnitCount int
	Ratio     float64
}

// RepairRequest asks the encoder to reconstruct damaged units in place.
type RepairRequest struct {
	ImagePath       string
	ParityDir       string
	DamagedUnits    []int
	AvailableBlocks []Block
}

// RepairResult reports which damaged units came back.
type RepairResult struct {
	Recovered     bool
	RepairedUnits []int
}

// Encoder generates and consumes redundancy blocks for a unit manifest.
type Encoder interface {
	Encode(ctx context.Context, req EncodeRequest) ([]Block, error)
	Repair(ctx context.Context, req RepairRequest) (RepairResult, error)
}

// ValidateEncodeRequest rejects requests no encoder could satisfy. An empty
// manifest or a ratio outside (0, 1) is an encoding error, not a crash.
func ValidateEncodeRequest(req EncodeRequest) error {
	if req.UnitCount <= 0 {
		return services.Wrap(services.ErrEncoding, "encoding", "validate", "unit manifest is empty", nil)
	}
	if req.Ratio <= 0 || req.Ratio >= 1 {
		return services.Wrap(services.ErrEncoding, "encoding", "validate",
			fmt.Sprintf("redundancy ratio %.3f outside (0, 1)", req.Ratio), nil)
	}
	if req.ImagePath == "" {
		return services.Wrap(services.ErrEncoding, "encoding", "validate", "image path required", nil)
	}
	return nil
}

// ChecksumFile computes the sha256 self-checksum for a redundancy block file.
func ChecksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open block: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash block: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyBlock recomputes a block file's checksum and compares it against the
// recorded one. A missing file reads as a failed check, not an error, so the
// caller can exclude the block from repair.
func VerifyBlock(block Block) (bool, error) {
	sum, err := ChecksumFile(block.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return sum == block.Checksum, nil
}
