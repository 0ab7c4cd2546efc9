package ddrescue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"balloon/internal/extract"
	"balloon/internal/services"
)

type stubProcess struct {
	done   chan struct{}
	err    error
	killed bool
}

func newStubProcess() *stubProcess {
	return &stubProcess{done: make(chan struct{})}
}

func (p *stubProcess) Done() <-chan struct{} { return p.done }

func (p *stubProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *stubProcess) Kill() error {
	p.killed = true
	return nil
}

func (p *stubProcess) finish(err error) {
	p.err = err
	close(p.done)
}

type stubRunner struct {
	proc     *stubProcess
	binary   string
	args     []string
	startErr error
}

func (r *stubRunner) Start(ctx context.Context, binary string, args []string) (Process, error) {
	r.binary = binary
	r.args = args
	if r.startErr != nil {
		return nil, r.startErr
	}
	return r.proc, nil
}

func testRequest(t *testing.T) extract.Request {
	t.Helper()
	return extract.Request{
		Device:     "/dev/sr0",
		OutputPath: filepath.Join(t.TempDir(), "image.bin"),
		SectorSize: 2048,
		UnitSize:   1024,
	}
}

func TestBeginBuildsArguments(t *testing.T) {
	runner := &stubRunner{proc: newStubProcess()}
	client, err := New("ddrescue", WithRunner(runner))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := testRequest(t)
	if _, err := client.Begin(context.Background(), req); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	want := []string{"--force", "--sector-size=2048", req.Device, req.OutputPath, req.OutputPath + ".map"}
	if len(runner.args) != len(want) {
		t.Fatalf("unexpected args %v", runner.args)
	}
	for i, arg := range want {
		if runner.args[i] != arg {
			t.Fatalf("arg %d: got %s want %s", i, runner.args[i], arg)
		}
	}
}

func TestBeginRequiresDevice(t *testing.T) {
	client, err := New("ddrescue", WithRunner(&stubRunner{proc: newStubProcess()}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	req := testRequest(t)
	req.Device = ""
	_, err = client.Begin(context.Background(), req)
	if !errors.Is(err, services.ErrDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
}

func TestPollReportsRunningProgress(t *testing.T) {
	runner := &stubRunner{proc: newStubProcess()}
	client, err := New("ddrescue", WithRunner(runner))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := testRequest(t)
	handle, err := client.Begin(context.Background(), req)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := os.WriteFile(req.OutputPath, make([]byte, 512), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	status, err := handle.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if status.State != extract.StateRunning {
		t.Fatalf("expected running, got %s", status.State)
	}
	if status.BytesRead != 512 {
		t.Fatalf("expected 512 bytes read, got %d", status.BytesRead)
	}
}

func TestPollBuildsManifestOnSuccess(t *testing.T) {
	runner := &stubRunner{proc: newStubProcess()}
	client, err := New("ddrescue", WithRunner(runner))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := testRequest(t)
	handle, err := client.Begin(context.Background(), req)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := os.WriteFile(req.OutputPath, make([]byte, 2560), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	runner.proc.finish(nil)

	status, err := handle.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if status.State != extract.StateDone {
		t.Fatalf("expected done, got %s", status.State)
	}
	if status.Manifest == nil || len(status.Manifest.Units) != 3 {
		t.Fatalf("unexpected manifest %+v", status.Manifest)
	}
}

func TestPollReportsTransientFailure(t *testing.T) {
	runner := &stubRunner{proc: newStubProcess()}
	client, err := New("ddrescue", WithRunner(runner))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	handle, err := client.Begin(context.Background(), testRequest(t))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	runner.proc.finish(errors.New("exit status 1"))

	status, err := handle.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if status.State != extract.StateFailed {
		t.Fatalf("expected failed, got %s", status.State)
	}
	if !errors.Is(status.Reason, services.ErrTransientExtraction) {
		t.Fatalf("expected transient extraction failure, got %v", status.Reason)
	}
}

func TestCancelKillsProcessAndMarksFailure(t *testing.T) {
	runner := &stubRunner{proc: newStubProcess()}
	client, err := New("ddrescue", WithRunner(runner))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	handle, err := client.Begin(context.Background(), testRequest(t))
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := handle.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !runner.proc.killed {
		t.Fatal("expected process to be killed")
	}
	// Second cancel is a no-op.
	if err := handle.Cancel(context.Background()); err != nil {
		t.Fatalf("repeat Cancel failed: %v", err)
	}

	runner.proc.finish(errors.New("signal: killed"))
	status, err := handle.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if status.State != extract.StateFailed {
		t.Fatalf("expected failed, got %s", status.State)
	}
	if !errors.Is(status.Reason, services.ErrUserCancelled) {
		t.Fatalf("expected cancellation reason, got %v", status.Reason)
	}
}
