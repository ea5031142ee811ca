// Package hostexec implements platform.Host with configurable shell command
// templates and direct system calls.
package hostexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"fleetagent/internal/config"
	"fleetagent/internal/logging"
	"fleetagent/internal/platform"
	"fleetagent/internal/selfupdate"
)

// ErrNotConfigured is returned when the action's command template is empty.
var ErrNotConfigured = fmt.Errorf("host command not configured: %w", errors.ErrUnsupported)

// Runner executes a shell script and returns its combined output.
type Runner interface {
	Run(ctx context.Context, script string, stdin []byte) ([]byte, error)
}

type shellRunner struct{}

func (shellRunner) Run(ctx context.Context, script string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Option configures the host.
type Option func(*Host)

// WithRunner injects a custom runner (primarily for tests).
func WithRunner(r Runner) Option {
	return func(h *Host) {
		if r != nil {
			h.runner = r
		}
	}
}

// WithEUID overrides the effective uid lookup used by auto privilege detection.
func WithEUID(fn func() int) Option {
	return func(h *Host) {
		if fn != nil {
			h.euid = fn
		}
	}
}

// Host runs configured commands on the local machine.
type Host struct {
	cfg    config.Platform
	runner Runner
	euid   func() int
	logger *slog.Logger
}

var _ platform.Host = (*Host)(nil)

// New constructs a Host from the platform section of the configuration.
func New(cfg config.Platform, logger *slog.Logger, opts ...Option) *Host {
	h := &Host{
		cfg:    cfg,
		runner: shellRunner{},
		euid:   unix.Geteuid,
		logger: logging.NewComponentLogger(logger, "host"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Expand substitutes {name} placeholders in template with shell-quoted values.
func Expand(template string, values map[string]string) string {
	if len(values) == 0 {
		return template
	}
	pairs := make([]string, 0, len(values)*2)
	for key, value := range values {
		pairs = append(pairs, "{"+key+"}", shellQuote(value))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func (h *Host) run(ctx context.Context, action, template string, values map[string]string, stdin []byte) ([]byte, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("%s: %w", action, ErrNotConfigured)
	}
	script := Expand(template, values)
	h.logger.Debug("host command", logging.String("action", action))
	out, err := h.runner.Run(ctx, script, stdin)
	if err != nil {
		return out, fmt.Errorf("%s: %w", action, err)
	}
	return out, nil
}

func (h *Host) Privileged(context.Context) (bool, error) {
	switch h.cfg.Privileged {
	case config.PrivilegeAlways:
		return true, nil
	case config.PrivilegeNever:
		return false, nil
	default:
		return h.euid() == 0, nil
	}
}

func (h *Host) Vendor() string {
	return strings.ToLower(strings.TrimSpace(h.cfg.Vendor))
}

func (h *Host) Info(context.Context) platform.DeviceInfo {
	var info platform.DeviceInfo
	if name, err := os.Hostname(); err == nil {
		info.Hostname = name
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		info.OS = unix.ByteSliceToString(uts.Sysname[:])
		info.Kernel = unix.ByteSliceToString(uts.Release[:])
	}
	if data, err := os.ReadFile("/sys/class/dmi/id/product_name"); err == nil {
		info.Model = strings.TrimSpace(string(data))
	}
	return info
}

func (h *Host) Uptime() (time.Duration, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	return time.Duration(si.Uptime) * time.Second, nil
}

// CheckCapability runs the capability's check command. A capability with no
// check command is not applicable on this host and counts as granted.
func (h *Host) CheckCapability(ctx context.Context, capability string) (bool, error) {
	cmds, ok := h.cfg.Capabilities[capability]
	if !ok || strings.TrimSpace(cmds.Check) == "" {
		return true, nil
	}
	_, err := h.run(ctx, "check "+capability, cmds.Check, map[string]string{"capability": capability}, nil)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

func (h *Host) PromptCapability(ctx context.Context, capability string) error {
	cmds := h.cfg.Capabilities[capability]
	_, err := h.run(ctx, "prompt "+capability, cmds.Prompt, map[string]string{"capability": capability}, nil)
	return err
}

// InstalledPackages parses "<package> <version>" lines from the list command.
func (h *Host) InstalledPackages(ctx context.Context) (map[string]string, error) {
	out, err := h.run(ctx, "list packages", h.cfg.ListPackagesCommand, nil, nil)
	if err != nil {
		return nil, err
	}
	return parsePackageList(out), nil
}

func parsePackageList(out []byte) map[string]string {
	packages := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		switch len(fields) {
		case 0:
			continue
		case 1:
			packages[fields[0]] = ""
		default:
			packages[fields[0]] = fields[1]
		}
	}
	return packages
}

func (h *Host) InstallPackage(ctx context.Context, pkg, artifact string) error {
	_, err := h.run(ctx, "install "+pkg, h.cfg.InstallCommand, map[string]string{"package": pkg, "artifact": artifact}, nil)
	return err
}

func (h *Host) InstallFromStore(ctx context.Context, pkg, ref string) error {
	_, err := h.run(ctx, "store install "+pkg, h.cfg.StoreInstallCommand, map[string]string{"package": pkg, "ref": ref}, nil)
	return err
}

func (h *Host) UninstallPackage(ctx context.Context, pkg string) error {
	_, err := h.run(ctx, "uninstall "+pkg, h.cfg.UninstallCommand, map[string]string{"package": pkg}, nil)
	return err
}

// RequestConsent runs the consent command; a zero exit status is approval.
// Without a consent command there is nobody to ask and the request fails.
func (h *Host) RequestConsent(ctx context.Context, pkg, action string) error {
	_, err := h.run(ctx, "consent "+pkg, h.cfg.ConsentCommand, map[string]string{"package": pkg, "action": action}, nil)
	return err
}

func (h *Host) GrantPermissions(ctx context.Context, pkg string) error {
	if strings.TrimSpace(h.cfg.GrantCommand) == "" {
		return nil
	}
	_, err := h.run(ctx, "grant "+pkg, h.cfg.GrantCommand, map[string]string{"package": pkg}, nil)
	return err
}

func (h *Host) Launch(ctx context.Context, pkg string) error {
	_, err := h.run(ctx, "launch "+pkg, h.cfg.LaunchCommand, map[string]string{"package": pkg}, nil)
	return err
}

func (h *Host) SetLock(ctx context.Context, locked bool, message string) error {
	template := h.cfg.UnlockCommand
	action := "unlock"
	if locked {
		template = h.cfg.LockCommand
		action = "lock"
	}
	_, err := h.run(ctx, action, template, map[string]string{"message": message}, nil)
	return err
}

func (h *Host) ApplySetting(ctx context.Context, key, value string) error {
	_, err := h.run(ctx, "setting "+key, h.cfg.SettingCommand, map[string]string{"key": key, "value": value}, nil)
	return err
}

// SetPassword feeds the new password on stdin so it never appears in argv.
func (h *Host) SetPassword(ctx context.Context, password string) error {
	_, err := h.run(ctx, "password", h.cfg.PasswordCommand, nil, []byte(password+"\n"))
	return err
}

func (h *Host) Reboot(context.Context) error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}

func (h *Host) FactoryReset(ctx context.Context) error {
	_, err := h.run(ctx, "factory reset", h.cfg.FactoryResetCommand, nil, nil)
	return err
}

// RestartHelper runs the configured restart helper command. The helper is
// expected to restart the agent once the new package version is in place.
type RestartHelper struct {
	host     *Host
	template string
}

// NewRestartHelper returns nil when template is empty, meaning no helper
// is available.
func (h *Host) NewRestartHelper(template string) *RestartHelper {
	if strings.TrimSpace(template) == "" {
		return nil
	}
	return &RestartHelper{host: h, template: template}
}

// Handoff starts the helper for rec.
func (r *RestartHelper) Handoff(ctx context.Context, rec selfupdate.Record) error {
	_, err := r.host.run(ctx, "restart helper", r.template, map[string]string{
		"package": rec.Package,
		"version": rec.ExpectedVersion,
	}, nil)
	return err
}
