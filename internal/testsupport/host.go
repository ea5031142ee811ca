package testsupport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleetagent/internal/platform"
)

// FakeHost is an in-memory platform.Host that records every action.
type FakeHost struct {
	mu sync.Mutex

	IsPrivileged bool
	VendorName   string
	UptimeValue  time.Duration
	Granted      map[string]bool
	Packages     map[string]string
	// Fail maps an action name ("install", "uninstall", "consent", "launch",
	// "reboot", "factory_reset", "password", "prompt", ...) to the error it returns.
	Fail map[string]error

	Calls []string
}

// NewFakeHost returns an unprivileged host with no packages.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		UptimeValue: time.Hour,
		Granted:     map[string]bool{},
		Packages:    map[string]string{},
		Fail:        map[string]error{},
	}
}

var _ platform.Host = (*FakeHost)(nil)

func (h *FakeHost) record(action, detail string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if detail != "" {
		h.Calls = append(h.Calls, action+" "+detail)
	} else {
		h.Calls = append(h.Calls, action)
	}
	return h.Fail[action]
}

// CallLog returns a copy of the recorded calls.
func (h *FakeHost) CallLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.Calls...)
}

// SetGranted changes a capability grant.
func (h *FakeHost) SetGranted(name string, granted bool) {
	h.mu.Lock()
	h.Granted[name] = granted
	h.mu.Unlock()
}

func (h *FakeHost) Privileged(context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.IsPrivileged, nil
}

func (h *FakeHost) Vendor() string { return h.VendorName }

func (h *FakeHost) Info(context.Context) platform.DeviceInfo {
	return platform.DeviceInfo{Hostname: "test-host", Model: "test-model", OS: "Linux", Kernel: "6.0"}
}

func (h *FakeHost) Uptime() (time.Duration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.UptimeValue, nil
}

func (h *FakeHost) CheckCapability(_ context.Context, name string) (bool, error) {
	if err := h.record("check", name); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Granted[name], nil
}

func (h *FakeHost) PromptCapability(_ context.Context, name string) error {
	return h.record("prompt", name)
}

func (h *FakeHost) InstalledPackages(context.Context) (map[string]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.Packages))
	for k, v := range h.Packages {
		out[k] = v
	}
	return out, nil
}

func (h *FakeHost) InstallPackage(_ context.Context, pkg, artifact string) error {
	if err := h.record("install", pkg); err != nil {
		return err
	}
	h.mu.Lock()
	h.Packages[pkg] = "installed"
	h.mu.Unlock()
	return nil
}

func (h *FakeHost) InstallFromStore(_ context.Context, pkg, ref string) error {
	if err := h.record("store_install", pkg); err != nil {
		return err
	}
	h.mu.Lock()
	h.Packages[pkg] = "store"
	h.mu.Unlock()
	return nil
}

func (h *FakeHost) UninstallPackage(_ context.Context, pkg string) error {
	if err := h.record("uninstall", pkg); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.Packages, pkg)
	h.mu.Unlock()
	return nil
}

func (h *FakeHost) RequestConsent(_ context.Context, pkg, action string) error {
	return h.record("consent", fmt.Sprintf("%s %s", action, pkg))
}

func (h *FakeHost) GrantPermissions(_ context.Context, pkg string) error {
	return h.record("grant", pkg)
}

func (h *FakeHost) Launch(_ context.Context, pkg string) error {
	return h.record("launch", pkg)
}

func (h *FakeHost) SetLock(_ context.Context, locked bool, message string) error {
	if locked {
		return h.record("lock", message)
	}
	return h.record("unlock", "")
}

func (h *FakeHost) ApplySetting(_ context.Context, key, value string) error {
	return h.record("setting", key+"="+value)
}

func (h *FakeHost) SetPassword(context.Context, string) error {
	return h.record("password", "")
}

func (h *FakeHost) Reboot(context.Context) error {
	return h.record("reboot", "")
}

func (h *FakeHost) FactoryReset(context.Context) error {
	return h.record("factory_reset", "")
}

// Note appends an entry to the call log so tests can interleave their own
// collaborators' calls with host actions.
func (h *FakeHost) Note(entry string) {
	h.mu.Lock()
	h.Calls = append(h.Calls, entry)
	h.mu.Unlock()
}
