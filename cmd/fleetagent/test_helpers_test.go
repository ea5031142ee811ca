package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetagent/internal/config"
	"fleetagent/internal/daemon"
	"fleetagent/internal/installer"
	"fleetagent/internal/ipc"
	"fleetagent/internal/logging"
	"fleetagent/internal/state"
	"fleetagent/internal/testsupport"
	"fleetagent/internal/workflow"
)

// fakeWorkflow stands in for the reconciliation flow behind the daemon.
type fakeWorkflow struct {
	mu      sync.Mutex
	calls   []string
	summary workflow.StatusSummary
	queue   []workflow.QueueEntry
	caps    []state.CapabilityRecord
	err     error
}

func (f *fakeWorkflow) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeWorkflow) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeWorkflow) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeWorkflow) Status() workflow.StatusSummary { return f.summary }
func (f *fakeWorkflow) Queue() []workflow.QueueEntry   { return f.queue }

func (f *fakeWorkflow) Capabilities(context.Context) ([]state.CapabilityRecord, error) {
	return f.caps, nil
}

func (f *fakeWorkflow) Refresh(_ context.Context, source string) (workflow.RefreshResult, error) {
	return workflow.RefreshResult{Started: true}, f.record("refresh:" + source)
}

func (f *fakeWorkflow) Resume(context.Context) (workflow.ResumeResult, error) {
	return workflow.ResumeResult{Phase: workflow.PhaseApps}, f.record("resume")
}

func (f *fakeWorkflow) Retry(context.Context) error { return f.record("retry") }
func (f *fakeWorkflow) Skip(context.Context) error  { return f.record("skip") }
func (f *fakeWorkflow) Reset(context.Context) error { return f.record("reset") }

func (f *fakeWorkflow) SetDeviceID(_ context.Context, id string) error {
	return f.record("device-id:" + id)
}

func (f *fakeWorkflow) Decline(_ context.Context, name string) error {
	return f.record("decline:" + name)
}

func (f *fakeWorkflow) CompleteInstall(pkg string, _ installer.Status) error {
	return f.record("complete:" + pkg)
}

type cliTestEnv struct {
	cfg        *config.Config
	flow       *fakeWorkflow
	socketPath string
	configPath string
}

func setupCLITestEnv(t *testing.T, flow *fakeWorkflow) *cliTestEnv {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	t.Setenv("FLEETAGENT_DEVICE_ID", "")
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	store := testsupport.MustOpenStore(t, cfg)
	d, err := daemon.New(cfg, store, flow, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		client, err := ipc.Dial(cfg.Paths.SocketPath)
		if err == nil {
			_ = client.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent socket never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	return &cliTestEnv{cfg: cfg, flow: flow, socketPath: cfg.Paths.SocketPath, configPath: configPath}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if socket != "" {
		flags = append(flags, "--socket", socket)
	}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
state_dir = %q
log_dir = %q
files_root = %q
download_dir = %q
socket_path = %q

[server]
base_url = %q
project = %q
`,
		cfg.Paths.StateDir,
		cfg.Paths.LogDir,
		cfg.Paths.FilesRoot,
		cfg.Paths.DownloadDir,
		cfg.Paths.SocketPath,
		cfg.Server.BaseURL,
		cfg.Server.Project,
	)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
