package diskd

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"

	"astoria/internal/logging"
)

// settleDelay is how long after a block event a second scan runs, giving the
// automounter time to mount the new filesystem.
const settleDelay = 1500 * time.Millisecond

// udevMonitor listens for block device uevents and asks for a rescan when a
// device appears, changes or disappears.
type udevMonitor struct {
	logger *slog.Logger
	notify func(reason string)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	timers  []*time.Timer
	running bool
}

func newUdevMonitor(logger *slog.Logger, notify func(reason string)) *udevMonitor {
	return &udevMonitor{
		logger: logging.NewComponentLogger(logger, "udev-monitor"),
		notify: notify,
	}
}

// Start begins listening for uevents. Failing to open the netlink socket is
// logged and otherwise ignored; periodic rescans still run.
func (m *udevMonitor) Start(ctx context.Context) error {
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
		logging.WarnWithContext(m.logger, "failed to connect to netlink socket; relying on rescans", "udev_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure astdiskd may open netlink sockets"),
			logging.String(logging.FieldImpact, "disk insertion is detected on the next rescan"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Info("udev monitor started", logging.String(logging.FieldEventType, "udev_monitor_started"))
	return nil
}

// Stop shuts down the monitor.
func (m *udevMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, timer := range m.timers {
		timer.Stop()
	}
	m.timers = nil

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

	m.logger.Info("udev monitor stopped", logging.String(logging.FieldEventType, "udev_monitor_stopped"))
}

// Running reports whether the monitor is active.
func (m *udevMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *udevMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(uevent)
		case err := <-errs:
			logging.WarnWithContext(m.logger, "udev monitor error", "udev_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "disk detection may lag until the next rescan"),
			)
		}
	}
}

// buildMatcher accepts add, change and remove events for block devices.
func buildMatcher() netlink.Matcher {
	action := "^(add|change|remove)$"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "^block$",
		},
	})
	return rules
}

func (m *udevMonitor) handleEvent(uevent netlink.UEvent) {
	device := deviceName(uevent)
	m.logger.Debug("block device event",
		logging.String("device", device),
		logging.String("action", string(uevent.Action)),
	)
	if m.notify == nil {
		return
	}
	reason := "udev " + string(uevent.Action)
	m.notify(reason)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = append(m.timers, time.AfterFunc(settleDelay, func() { m.notify(reason + " settled") }))
	if len(m.timers) > 16 {
		m.timers = m.timers[len(m.timers)-16:]
	}
}

// deviceName gets the device path from a uevent.
func deviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		if !strings.HasPrefix(devname, "/") {
			return "/dev/" + devname
		}
		return devname
	}
	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return "/dev/" + parts[len(parts)-1]
}
