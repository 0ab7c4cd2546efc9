package parchive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"balloon/internal/fec"
	"balloon/internal/services"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onStdout func(string)) error
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client wraps par2 CLI interactions and implements fec.Encoder.
type Client struct {
	binary string
	exec   Executor
}

// New constructs a par2 client.
func New(binary string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("par2 binary required")
	}
	client := &Client{binary: binary, exec: commandExecutor{}}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Encode generates parity files covering the image and returns one Block per
// produced file. Every par2 recovery file protects the whole unit set, so
// each block spans the full manifest range.
func (c *Client) Encode(ctx context.Context, req fec.EncodeRequest) ([]fec.Block, error) {
	if err := fec.ValidateEncodeRequest(req); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.ParityDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrEncoding, "encoding", "prepare", "create parity directory", err)
	}

	percent := int(math.Ceil(req.Ratio * 100))
	args := []string{
		"create",
		"-q",
		fmt.Sprintf("-r%d", percent),
		c.indexPath(req.ParityDir),
		req.ImagePath,
	}
	if err := c.exec.Run(ctx, c.binary, args, nil); err != nil {
		return nil, services.Wrap(services.ErrEncoding, "encoding", "create", "par2 create failed", err)
	}

	paths, err := filepath.Glob(filepath.Join(req.ParityDir, "*.par2"))
	if err != nil {
		return nil, services.Wrap(services.ErrEncoding, "encoding", "collect", "list parity files", err)
	}
	if len(paths) == 0 {
		return nil, services.Wrap(services.ErrEncoding, "encoding", "collect", "par2 produced no parity files", nil)
	}
	sort.Strings(paths)

	params := fmt.Sprintf("par2:r%d", percent)
	blocks := make([]fec.Block, 0, len(paths))
	for i, path := range paths {
		sum, err := fec.ChecksumFile(path)
		if err != nil {
			return nil, services.Wrap(services.ErrEncoding, "encoding", "checksum",
				fmt.Sprintf("checksum parity file %s", filepath.Base(path)), err)
		}
		blocks = append(blocks, fec.Block{
			Index:     i,
			FirstUnit: 0,
			LastUnit:  req.UnitCount - 1,
			Params:    params,
			Path:      path,
			Checksum:  sum,
		})
	}
	return blocks, nil
}

// Repair attempts to reconstruct damaged units from the intact parity files
// the caller passes in. A par2 exit failure means the damage exceeded the
// parity budget, which is a negative outcome rather than an error.
func (c *Client) Repair(ctx context.Context, req fec.RepairRequest) (fec.RepairResult, error) {
	if len(req.AvailableBlocks) == 0 {
		return fec.RepairResult{}, nil
	}

	args := []string{"repair", "-q", c.indexPath(req.ParityDir), req.ImagePath}
	if err := c.exec.Run(ctx, c.binary, args, nil); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return fec.RepairResult{}, nil
		}
		return fec.RepairResult{}, services.Wrap(services.ErrEncoding, "verifying", "repair", "run par2 repair", err)
	}

	repaired := make([]int, len(req.DamagedUnits))
	copy(repaired, req.DamagedUnits)
	return fec.RepairResult{Recovered: true, RepairedUnits: repaired}, nil
}

func (c *Client) indexPath(parityDir string) string {
	return filepath.Join(parityDir, "image.par2")
}
