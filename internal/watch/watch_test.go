package watch

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pilebones/go-udev/netlink"

	"balloon/internal/config"
)

func TestNewMonitor(t *testing.T) {
	t.Run("nil config returns nil", func(t *testing.T) {
		m := NewMonitor(nil, nil, nil, nil)
		if m != nil {
			t.Error("expected nil monitor for nil config")
		}
	})

	t.Run("empty device returns nil", func(t *testing.T) {
		cfg := &config.Config{}
		m := NewMonitor(cfg, nil, nil, nil)
		if m != nil {
			t.Error("expected nil monitor for empty device")
		}
	})

	t.Run("valid config creates monitor", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Extraction.Device = "/dev/sr0"
		m := NewMonitor(cfg, nil, nil, nil)
		if m == nil {
			t.Fatal("expected non-nil monitor")
		}
		if m.device != "/dev/sr0" {
			t.Errorf("expected device /dev/sr0, got %s", m.device)
		}
	})
}

func TestMonitorLifecycleSafety(t *testing.T) {
	t.Run("nil monitor start and stop are safe", func(t *testing.T) {
		var m *Monitor
		if err := m.Start(context.Background()); err != nil {
			t.Fatalf("Start on nil monitor should return nil, got: %v", err)
		}
		m.Stop()
		if m.Running() {
			t.Error("expected Running() false for nil monitor")
		}
	})

	t.Run("stop on unstarted monitor is safe", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Extraction.Device = "/dev/sr0"
		m := NewMonitor(cfg, nil, nil, nil)
		m.Stop()
		m.Stop()
		if m.Running() {
			t.Error("expected Running() false after Stop on unstarted monitor")
		}
	})
}

func TestBuildMatcher(t *testing.T) {
	cfg := &config.Config{}
	cfg.Extraction.Device = "/dev/sr0"
	m := NewMonitor(cfg, nil, nil, nil)

	matcher := m.buildMatcher()
	if matcher == nil {
		t.Fatal("expected non-nil matcher")
	}

	discEnv := map[string]string{
		"SUBSYSTEM":      "block",
		"ID_CDROM":       "1",
		"ID_CDROM_MEDIA": "1",
	}

	if !matcher.Evaluate(netlink.UEvent{Action: netlink.CHANGE, Env: discEnv}) {
		t.Error("expected matcher to accept CHANGE media event")
	}
	if !matcher.Evaluate(netlink.UEvent{Action: netlink.ADD, Env: discEnv}) {
		t.Error("expected matcher to accept ADD media event")
	}
	if matcher.Evaluate(netlink.UEvent{Action: netlink.REMOVE, Env: discEnv}) {
		t.Error("expected matcher to reject REMOVE action")
	}

	noMedia := netlink.UEvent{
		Action: netlink.CHANGE,
		Env: map[string]string{
			"SUBSYSTEM": "block",
			"ID_CDROM":  "1",
		},
	}
	if matcher.Evaluate(noMedia) {
		t.Error("expected matcher to reject event without ID_CDROM_MEDIA")
	}
}

func TestHandleEvent(t *testing.T) {
	newTestMonitor := func(handler Handler, isPaused func() bool) *Monitor {
		cfg := &config.Config{}
		cfg.Extraction.Device = "/dev/sr0"
		return NewMonitor(cfg, nil, handler, isPaused)
	}

	t.Run("ignores event without device name", func(t *testing.T) {
		var handlerCalled bool
		m := newTestMonitor(func(ctx context.Context, device string) (*Result, error) {
			handlerCalled = true
			return &Result{Handled: true}, nil
		}, nil)

		m.handleEvent(context.Background(), netlink.UEvent{
			Action: netlink.CHANGE,
			Env:    map[string]string{},
		})

		if handlerCalled {
			t.Error("handler should not be called for event without device name")
		}
	})

	t.Run("ignores event for non-configured device", func(t *testing.T) {
		var handlerCalled bool
		m := newTestMonitor(func(ctx context.Context, device string) (*Result, error) {
			handlerCalled = true
			return &Result{Handled: true}, nil
		}, nil)

		m.handleEvent(context.Background(), netlink.UEvent{
			Action: netlink.CHANGE,
			Env:    map[string]string{"DEVNAME": "/dev/sr1"},
		})

		if handlerCalled {
			t.Error("handler should not be called for non-configured device")
		}
	})

	t.Run("calls handler for configured device", func(t *testing.T) {
		var receivedDevice string
		m := newTestMonitor(func(ctx context.Context, device string) (*Result, error) {
			receivedDevice = device
			return &Result{Handled: true, Message: "queued"}, nil
		}, func() bool { return false })

		m.handleEvent(context.Background(), netlink.UEvent{
			Action: netlink.CHANGE,
			Env:    map[string]string{"DEVNAME": "/dev/sr0"},
		})

		if receivedDevice != "/dev/sr0" {
			t.Errorf("expected device /dev/sr0, got %q", receivedDevice)
		}
	})

	t.Run("extracts device from DEVPATH when DEVNAME missing", func(t *testing.T) {
		var receivedDevice string
		m := newTestMonitor(func(ctx context.Context, device string) (*Result, error) {
			receivedDevice = device
			return &Result{Handled: true}, nil
		}, func() bool { return false })

		m.handleEvent(context.Background(), netlink.UEvent{
			Action: netlink.CHANGE,
			Env: map[string]string{
				"DEVPATH": "/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sr0",
			},
		})

		if receivedDevice != "/dev/sr0" {
			t.Errorf("expected device /dev/sr0 from DEVPATH, got %q", receivedDevice)
		}
	})

	t.Run("respects dynamic pause state", func(t *testing.T) {
		var callCount int
		var paused atomic.Bool
		m := newTestMonitor(func(ctx context.Context, device string) (*Result, error) {
			callCount++
			return &Result{Handled: true}, nil
		}, func() bool { return paused.Load() })

		event := netlink.UEvent{
			Action: netlink.CHANGE,
			Env:    map[string]string{"DEVNAME": "/dev/sr0"},
		}

		m.handleEvent(context.Background(), event)
		if callCount != 1 {
			t.Errorf("expected 1 call, got %d", callCount)
		}

		paused.Store(true)
		m.handleEvent(context.Background(), event)
		if callCount != 1 {
			t.Errorf("expected still 1 call while paused, got %d", callCount)
		}

		paused.Store(false)
		m.handleEvent(context.Background(), event)
		if callCount != 2 {
			t.Errorf("expected 2 calls after resume, got %d", callCount)
		}
	})
}
