package ddrescue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"balloon/internal/extract"
	"balloon/internal/services"
)

// Runner abstracts launching the recovery process for testability.
type Runner interface {
	Start(ctx context.Context, binary string, args []string) (Process, error)
}

// Process is one launched extraction process.
type Process interface {
	// Done is closed when the process exits.
	Done() <-chan struct{}
	// Err reports the exit result. Only valid once Done is closed.
	Err() error
	// Kill terminates the process.
	Kill() error
}

// Option configures the client.
type Option func(*Client)

// WithRunner injects a custom process runner (primarily for tests).
func WithRunner(runner Runner) Option {
	return func(c *Client) {
		if runner != nil {
			c.runner = runner
		}
	}
}

// Client wraps GNU ddrescue CLI interactions.
type Client struct {
	binary string
	runner Runner
}

// New constructs a ddrescue client.
func New(binary string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("ddrescue binary required")
	}
	client := &Client{binary: binary, runner: commandRunner{}}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Begin launches ddrescue against the device. The map file sits next to the
// output image so an operator can resume a rescue by hand, but a fresh Begin
// always starts clean: a partial image from an earlier attempt is removed
// rather than resumed.
func (c *Client) Begin(ctx context.Context, req extract.Request) (extract.Handle, error) {
	if strings.TrimSpace(req.Device) == "" {
		return nil, services.Wrap(services.ErrDevice, "extracting", "begin", "device path required", nil)
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return nil, errors.New("output path required")
	}

	mapFile := req.OutputPath + ".map"
	for _, stale := range []string{req.OutputPath, mapFile} {
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale output %s: %w", stale, err)
		}
	}

	args := []string{"--force"}
	if req.SectorSize > 0 {
		args = append(args, "--sector-size="+strconv.Itoa(req.SectorSize))
	}
	args = append(args, req.Device, req.OutputPath, mapFile)

	proc, err := c.runner.Start(ctx, c.binary, args)
	if err != nil {
		return nil, services.Wrap(services.ErrDevice, "extracting", "begin",
			fmt.Sprintf("start %s", c.binary), err)
	}
	return &handle{proc: proc, req: req}, nil
}

type handle struct {
	proc Process
	req  extract.Request

	mu        sync.Mutex
	cancelled bool
}

func (h *handle) Poll(ctx context.Context) (extract.Status, error) {
	select {
	case <-h.proc.Done():
		return h.finalStatus()
	default:
	}

	var bytesRead int64
	if info, err := os.Stat(h.req.OutputPath); err == nil {
		bytesRead = info.Size()
	}
	return extract.Status{State: extract.StateRunning, BytesRead: bytesRead}, nil
}

func (h *handle) finalStatus() (extract.Status, error) {
	h.mu.Lock()
	cancelled := h.cancelled
	h.mu.Unlock()

	if err := h.proc.Err(); err != nil {
		if cancelled {
			return extract.Status{
				State:  extract.StateFailed,
				Reason: services.Wrap(services.ErrUserCancelled, "extracting", "poll", "extraction cancelled", nil),
			}, nil
		}
		return extract.Status{
			State: extract.StateFailed,
			Reason: services.Wrap(services.ErrTransientExtraction, "extracting", "poll",
				"ddrescue exited with error", err),
		}, nil
	}

	manifest, err := extract.BuildManifest(h.req.OutputPath, h.req.UnitSize)
	if err != nil {
		return extract.Status{
			State: extract.StateFailed,
			Reason: services.Wrap(services.ErrTransientExtraction, "extracting", "poll",
				"extraction produced no usable image", err),
		}, nil
	}
	return extract.Status{State: extract.StateDone, Manifest: manifest}, nil
}

func (h *handle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return nil
	}
	h.cancelled = true
	h.mu.Unlock()

	select {
	case <-h.proc.Done():
		return nil
	default:
	}
	if err := h.proc.Kill(); err != nil {
		return fmt.Errorf("kill extraction process: %w", err)
	}
	return nil
}

type commandRunner struct{}

func (commandRunner) Start(ctx context.Context, binary string, args []string) (Process, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	proc := &commandProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

type commandProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *commandProcess) Done() <-chan struct{} { return p.done }

func (p *commandProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *commandProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
