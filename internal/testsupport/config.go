package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"fleetagent/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.FilesRoot = filepath.Join(base, "files")
	cfgVal.Paths.DownloadDir = filepath.Join(base, "downloads")
	cfgVal.Paths.SocketPath = filepath.Join(base, "state", "fleetagent.sock")
	cfgVal.Server.BaseURL = "http://127.0.0.1:1"
	cfgVal.Server.SecondaryBaseURL = "http://127.0.0.1:1"
	cfgVal.Server.Project = "fleet"
	cfgVal.Server.DeviceID = "test-device"
	cfgVal.Platform.Privileged = config.PrivilegeNever
	cfgVal.Workflow.NetworkMonitor = false
	cfgVal.Workflow.RefreshInterval = 0
	cfgVal.Logging.Format = "json"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithServer points both authority endpoints at baseURL.
func WithServer(baseURL string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.BaseURL = baseURL
		b.cfg.Server.SecondaryBaseURL = baseURL
	}
}

// WithKioskMandate marks the agent as kiosk-mandated.
func WithKioskMandate() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Agent.KioskMandated = true
	}
}

// WithStubbedCommands writes stub executables for the provided names and
// prepends them to PATH. Each stub exits 0.
func WithStubbedCommands(names ...string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
