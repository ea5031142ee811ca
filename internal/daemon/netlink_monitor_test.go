package daemon

import (
	"context"
	"testing"

	"github.com/pilebones/go-udev/netlink"

	"fleetagent/internal/config"
)

func monitorConfig(enabled bool) *config.Config {
	cfg := &config.Config{}
	cfg.Workflow.NetworkMonitor = enabled
	return cfg
}

func TestNewNetlinkMonitor(t *testing.T) {
	if m := newNetlinkMonitor(nil, nil, nil); m != nil {
		t.Error("expected nil monitor for nil config")
	}
	if m := newNetlinkMonitor(monitorConfig(false), nil, nil); m != nil {
		t.Error("expected nil monitor when disabled")
	}
	if m := newNetlinkMonitor(monitorConfig(true), nil, nil); m == nil {
		t.Fatal("expected monitor when enabled")
	}
}

func TestNetlinkMonitorNilSafety(t *testing.T) {
	var m *netlinkMonitor
	if m.Running() {
		t.Error("expected Running() to return false for nil monitor")
	}
	m.Stop()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start on nil monitor should return nil, got: %v", err)
	}

	m = newNetlinkMonitor(monitorConfig(true), nil, nil)
	m.Stop()
	m.Stop()
	if m.Running() {
		t.Error("expected unstarted monitor to report not running")
	}
}

func TestBuildMatcher(t *testing.T) {
	m := newNetlinkMonitor(monitorConfig(true), nil, nil)
	matcher := m.buildMatcher()

	tests := []struct {
		name  string
		event netlink.UEvent
		want  bool
	}{
		{"interface added", netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "net"}}, true},
		{"interface changed", netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{"SUBSYSTEM": "net"}}, true},
		{"interface removed", netlink.UEvent{Action: netlink.REMOVE, Env: map[string]string{"SUBSYSTEM": "net"}}, false},
		{"block device", netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "block"}}, false},
		{"netlink lookalike", netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "network"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matcher.Evaluate(tt.event); got != tt.want {
				t.Fatalf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleEventRefreshesOncePerBurst(t *testing.T) {
	var sources []string
	m := newNetlinkMonitor(monitorConfig(true), nil, func(_ context.Context, source string) error {
		sources = append(sources, source)
		return nil
	})

	m.handleEvent(context.Background(), netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"INTERFACE": "lo"}})
	m.handleEvent(context.Background(), netlink.UEvent{Action: netlink.ADD, Env: map[string]string{}})
	if len(sources) != 0 {
		t.Fatalf("loopback and anonymous events must not refresh, got %v", sources)
	}

	m.handleEvent(context.Background(), netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"INTERFACE": "wlan0"}})
	m.handleEvent(context.Background(), netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{"INTERFACE": "wlan0"}})
	if len(sources) != 1 || sources[0] != "network" {
		t.Fatalf("expected a single network refresh, got %v", sources)
	}
}
