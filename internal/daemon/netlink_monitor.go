package daemon

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"golang.org/x/time/rate"

	"fleetagent/internal/config"
	"fleetagent/internal/logging"
)

// networkRefreshInterval bounds how often link events may trigger a refresh.
// Interfaces flap in bursts when a device rejoins a network.
const networkRefreshInterval = 30 * time.Second

// netlinkMonitor listens for udev network events and asks for a refresh
// when an interface comes up.
type netlinkMonitor struct {
	logger  *slog.Logger
	refresh func(ctx context.Context, source string) error
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// newNetlinkMonitor returns nil when network monitoring is disabled.
func newNetlinkMonitor(cfg *config.Config, logger *slog.Logger, refresh func(ctx context.Context, source string) error) *netlinkMonitor {
	if cfg == nil || !cfg.Workflow.NetworkMonitor {
		return nil
	}
	return &netlinkMonitor{
		logger:  logging.NewComponentLogger(logger, "netlink-monitor"),
		refresh: refresh,
		limiter: rate.NewLimiter(rate.Every(networkRefreshInterval), 1),
	}
}

// Start begins listening for udev netlink events.
func (m *netlinkMonitor) Start(ctx context.Context) error {
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
		logging.WarnWithContext(m.logger, "failed to connect to netlink socket; network changes will wait for the refresh timer",
			"netlink_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the agent may open netlink sockets"),
			logging.String(logging.FieldImpact, "reconnects are not detected immediately"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Info("netlink monitor started", logging.String(logging.FieldEventType, "netlink_monitor_started"))
	return nil
}

// Stop shuts down the netlink monitor.
func (m *netlinkMonitor) Stop() {
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

	m.logger.Info("netlink monitor stopped", logging.String(logging.FieldEventType, "netlink_monitor_stopped"))
}

// Running reports whether the netlink monitor is active.
func (m *netlinkMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *netlinkMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, m.buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			logging.WarnWithContext(m.logger, "netlink monitor error", "netlink_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "network change detection may be affected"),
			)
		}
	}
}

// buildMatcher matches interfaces appearing or changing state.
func (m *netlinkMonitor) buildMatcher() netlink.Matcher {
	action := "^(add|change|online)$"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "^net$",
		},
	})
	return rules
}

func (m *netlinkMonitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	iface := strings.TrimSpace(uevent.Env["INTERFACE"])
	if iface == "" || iface == "lo" {
		return
	}
	if !m.limiter.Allow() {
		m.logger.Debug("network event coalesced",
			logging.String("interface", iface),
			logging.String("action", string(uevent.Action)),
		)
		return
	}

	m.logger.Info("network change detected",
		logging.String(logging.FieldEventType, "network_change"),
		logging.String("interface", iface),
		logging.String("action", string(uevent.Action)),
	)
	if m.refresh == nil {
		return
	}
	if err := m.refresh(ctx, "network"); err != nil {
		m.logger.Debug("network refresh not started", logging.Error(err))
	}
}
