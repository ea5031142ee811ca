package hostexec

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"fleetagent/internal/config"
	"fleetagent/internal/logging"
	"fleetagent/internal/testsupport"
)

type recordingRunner struct {
	scripts []string
	stdin   [][]byte
	out     []byte
	err     error
}

func (r *recordingRunner) Run(_ context.Context, script string, stdin []byte) ([]byte, error) {
	r.scripts = append(r.scripts, script)
	r.stdin = append(r.stdin, stdin)
	return r.out, r.err
}

func TestExpandQuotesValues(t *testing.T) {
	got := Expand("install {artifact} --name {package}", map[string]string{
		"artifact": "/tmp/it's here.deb",
		"package":  "demo",
	})
	want := `install '/tmp/it'\''s here.deb' --name 'demo'`
	if got != want {
		t.Fatalf("unexpected expansion:\n got %s\nwant %s", got, want)
	}
}

func TestInstalledPackagesParsesList(t *testing.T) {
	runner := &recordingRunner{out: []byte("curl 8.5.0\n\nkiosk-shell 2.1\nbare\n")}
	h := New(config.Platform{ListPackagesCommand: "list"}, logging.NewNop(), WithRunner(runner))

	got, err := h.InstalledPackages(context.Background())
	if err != nil {
		t.Fatalf("InstalledPackages: %v", err)
	}
	want := map[string]string{"curl": "8.5.0", "kiosk-shell": "2.1", "bare": ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("packages mismatch (-want +got):\n%s", diff)
	}
}

func TestUnconfiguredCommandIsUnsupported(t *testing.T) {
	h := New(config.Platform{}, logging.NewNop(), WithRunner(&recordingRunner{}))
	err := h.SetLock(context.Background(), true, "locked")
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestPrivilegedModes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		mode string
		euid int
		want bool
	}{
		{config.PrivilegeAlways, 1000, true},
		{config.PrivilegeNever, 0, false},
		{config.PrivilegeAuto, 0, true},
		{config.PrivilegeAuto, 1000, false},
	}
	for _, tt := range tests {
		euid := tt.euid
		h := New(config.Platform{Privileged: tt.mode}, logging.NewNop(), WithEUID(func() int { return euid }))
		got, err := h.Privileged(ctx)
		if err != nil {
			t.Fatalf("Privileged: %v", err)
		}
		if got != tt.want {
			t.Fatalf("mode %s euid %d: got %v want %v", tt.mode, tt.euid, got, tt.want)
		}
	}
}

func TestSetPasswordUsesStdin(t *testing.T) {
	runner := &recordingRunner{}
	h := New(config.Platform{PasswordCommand: "chpasswd-wrapper"}, logging.NewNop(), WithRunner(runner))
	if err := h.SetPassword(context.Background(), "s3cret"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if strings.Contains(runner.scripts[0], "s3cret") {
		t.Fatalf("password leaked into script %q", runner.scripts[0])
	}
	if string(runner.stdin[0]) != "s3cret\n" {
		t.Fatalf("unexpected stdin %q", runner.stdin[0])
	}
}

func TestCheckCapabilityWithoutCommandIsGranted(t *testing.T) {
	h := New(config.Platform{}, logging.NewNop(), WithRunner(&recordingRunner{}))
	ok, err := h.CheckCapability(context.Background(), "overlay")
	if err != nil || !ok {
		t.Fatalf("expected granted, got %v err %v", ok, err)
	}
}

func TestCheckCapabilityExitStatusMeansNotGranted(t *testing.T) {
	h := New(config.Platform{
		Capabilities: map[string]config.CapabilityCommands{"overlay": {Check: "exit 1"}},
	}, logging.NewNop())
	ok, err := h.CheckCapability(context.Background(), "overlay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected not granted for non-zero exit")
	}
}

func TestShellRunnerResolvesCommandsFromPath(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedCommands("kiosk-pkg"))
	cfg.Platform.InstallCommand = "kiosk-pkg install {artifact}"
	cfg.Platform.UninstallCommand = "kiosk-pkg-missing remove {package}"
	h := New(cfg.Platform, logging.NewNop())

	if err := h.InstallPackage(context.Background(), "demo", "/tmp/demo.deb"); err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}
	if err := h.UninstallPackage(context.Background(), "demo"); err == nil {
		t.Fatal("expected error for missing command")
	}
}
