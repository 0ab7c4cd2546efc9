package watch

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"balloon/internal/config"
	"balloon/internal/logging"
)

// Result describes what happened to a detected disc.
type Result struct {
	Handled bool
	Message string
	JobID   int64
}

// Handler is invoked when media appears in the configured device.
type Handler func(ctx context.Context, device string) (*Result, error)

// Monitor listens for udev netlink events and triggers the insertion
// handler when media appears in the configured optical device. This
// removes the need for udev rules that invoke the CLI as root.
type Monitor struct {
	cfg      *config.Config
	logger   *slog.Logger
	handler  Handler
	isPaused func() bool
	device   string

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewMonitor creates a monitor for the device configured under
// [extraction]. Returns nil when no device is configured; a nil
// Monitor is safe to Start and Stop.
func NewMonitor(cfg *config.Config, logger *slog.Logger, handler Handler, isPaused func() bool) *Monitor {
	if cfg == nil {
		return nil
	}

	device := strings.TrimSpace(cfg.Extraction.Device)
	if device == "" {
		return nil
	}

	return &Monitor{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "watch"),
		handler:  handler,
		isPaused: isPaused,
		device:   device,
	}
}

// Start begins listening for udev netlink events.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; insertion detection will rely on manual queueing",
			logging.Error(err),
			logging.String(logging.FieldEventType, "watch_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the process has permission to access netlink sockets"),
		)
		return nil // Non-fatal - jobs can still be queued manually
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	// Pass quit channel to goroutine to avoid reading m.quit without lock
	quit := m.quit
	go m.monitorLoop(ctx, quit)

	m.logger.Info("insertion monitor started",
		logging.String(logging.FieldEventType, "watch_started"),
		logging.String("device", m.device),
	)

	return nil
}

// Stop shuts down the monitor.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	m.running = false

	m.logger.Info("insertion monitor stopped",
		logging.String(logging.FieldEventType, "watch_stopped"),
	)
}

// Running reports whether the monitor is active.
func (m *Monitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) monitorLoop(ctx context.Context, quit <-chan struct{}) {
	events := make(chan netlink.UEvent)
	errs := make(chan error)

	matcher := m.buildMatcher()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return
	}

	monitorQuit := conn.Monitor(events, errs, matcher)

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-events:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			m.logger.Warn("netlink monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "watch_error"),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
			)
		}
	}
}

// buildMatcher creates a matcher for media insertion events.
// Matches: SUBSYSTEM=block, ID_CDROM=1, ID_CDROM_MEDIA=1, ACTION=change|add
func (m *Monitor) buildMatcher() netlink.Matcher {
	action := "change|add"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM":      "block",
			"ID_CDROM":       "1",
			"ID_CDROM_MEDIA": "1",
		},
	})
	return rules
}

func (m *Monitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	devname := m.extractDeviceName(uevent)
	if devname == "" {
		m.logger.Debug("ignoring event without device name",
			logging.String("action", string(uevent.Action)),
			logging.String("kobj", uevent.KObj),
		)
		return
	}

	if devname != m.device {
		m.logger.Debug("ignoring event for non-configured device",
			logging.String("device", devname),
			logging.String("configured_device", m.device),
		)
		return
	}

	if m.isPaused != nil && m.isPaused() {
		m.logger.Debug("detection paused, ignoring insertion event",
			logging.String("device", devname),
		)
		return
	}

	m.logger.Info("media detected",
		logging.String(logging.FieldEventType, "watch_media_detected"),
		logging.String("device", devname),
		logging.String("action", string(uevent.Action)),
	)

	if m.handler == nil {
		return
	}

	result, err := m.handler(ctx, devname)
	if err != nil {
		m.logger.Warn("insertion handler failed",
			logging.Error(err),
			logging.String("device", devname),
			logging.String(logging.FieldEventType, "watch_handler_failed"),
			logging.String(logging.FieldErrorHint, "check queue store logs for details"),
		)
		return
	}

	if result == nil {
		return
	}

	if result.Handled {
		m.logger.Info("backup job queued for inserted media",
			logging.String("device", devname),
			logging.String("message", result.Message),
			logging.Int64(logging.FieldJobID, result.JobID),
			logging.String(logging.FieldEventType, "watch_job_queued"),
		)
	} else {
		m.logger.Debug("media not handled",
			logging.String("device", devname),
			logging.String("message", result.Message),
		)
	}
}

// extractDeviceName gets the device path from a uevent.
func (m *Monitor) extractDeviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		return devname
	}

	// Try to construct from DEVPATH (e.g., /devices/pci.../block/sr0)
	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}

	parts := strings.Split(devpath, "/")
	if len(parts) == 0 {
		return ""
	}
	return "/dev/" + parts[len(parts)-1]
}
