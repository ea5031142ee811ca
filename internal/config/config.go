package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and socket configuration.
type Paths struct {
	StateDir    string `toml:"state_dir"`
	LogDir      string `toml:"log_dir"`
	FilesRoot   string `toml:"files_root"`
	DownloadDir string `toml:"download_dir"`
	SocketPath  string `toml:"socket_path"`
}

// Server contains the authority endpoint pair and device identity seed values.
// Values stored in the state database take precedence once provisioned.
type Server struct {
	BaseURL          string `toml:"base_url"`
	SecondaryBaseURL string `toml:"secondary_base_url"`
	Project          string `toml:"project"`
	DeviceID         string `toml:"device_id"`
	RequestTimeout   int    `toml:"request_timeout"`
}

// Agent contains identity and policy settings for the agent itself.
type Agent struct {
	PackageID         string `toml:"package_id"`
	KioskMandated     bool   `toml:"kiosk_mandated"`
	RestartHelper     string `toml:"restart_helper"`
	SelfUpdateTimeout int    `toml:"self_update_timeout"`
}

// Workflow contains timing configuration for the reconciliation flow.
type Workflow struct {
	RefreshInterval    int  `toml:"refresh_interval"`
	ReportInterval     int  `toml:"report_interval"`
	AutorunPause       int  `toml:"autorun_pause"`
	BootWindow         int  `toml:"boot_window"`
	InstallTimeout     int  `toml:"install_timeout"`
	DigestWorkers      int  `toml:"digest_workers"`
	CrashLoopMaxFaults int  `toml:"crash_loop_max_faults"`
	CrashLoopWindow    int  `toml:"crash_loop_window"`
	NetworkMonitor     bool `toml:"network_monitor"`
}

// Transfer contains download settings, including S3 source locators.
type Transfer struct {
	Timeout        int    `toml:"timeout"`
	S3Region       string `toml:"s3_region"`
	S3Endpoint     string `toml:"s3_endpoint"`
	S3UsePathStyle bool   `toml:"s3_use_path_style"`
}

// CapabilityCommands configures how a single device capability is probed and requested.
type CapabilityCommands struct {
	Check  string `toml:"check"`
	Prompt string `toml:"prompt"`
}

// Platform contains the host command templates used to act on the device.
// Templates are run through `sh -c`; placeholders such as {package} and
// {artifact} are substituted with shell-quoted values.
type Platform struct {
	Vendor              string                        `toml:"vendor"`
	Privileged          string                        `toml:"privileged"`
	InstallCommand      string                        `toml:"install_command"`
	StoreInstallCommand string                        `toml:"store_install_command"`
	UninstallCommand    string                        `toml:"uninstall_command"`
	ListPackagesCommand string                        `toml:"list_packages_command"`
	ConsentCommand      string                        `toml:"consent_command"`
	GrantCommand        string                        `toml:"grant_command"`
	LaunchCommand       string                        `toml:"launch_command"`
	LockCommand         string                        `toml:"lock_command"`
	UnlockCommand       string                        `toml:"unlock_command"`
	SettingCommand      string                        `toml:"setting_command"`
	PasswordCommand     string                        `toml:"password_command"`
	FactoryResetCommand string                        `toml:"factory_reset_command"`
	Capabilities        map[string]CapabilityCommands `toml:"capabilities"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Notifications contains configuration for ntfy operator notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Config encapsulates all configuration values for fleetagent.
//
// Configuration sections by subsystem:
//   - Paths: state database, logs, provisioned files, downloads, control socket
//   - Server: authority endpoints and device identity seed
//   - Agent: own package id, kiosk mandate, self-update helper
//   - Workflow: reconciliation timings and crash-loop limits
//   - Transfer: download timeouts and S3 locator settings
//   - Platform: host command templates
//   - Logging: log format and level
//   - Notifications: ntfy push settings
type Config struct {
	Paths         Paths         `toml:"paths"`
	Server        Server        `toml:"server"`
	Agent         Agent         `toml:"agent"`
	Workflow      Workflow      `toml:"workflow"`
	Transfer      Transfer      `toml:"transfer"`
	Platform      Platform      `toml:"platform"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("fleetagent.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.FilesRoot, c.Paths.DownloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the location of the agent state database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "fleetagent.db")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "fleetagent.lock")
}

// WatchdogPath returns the self-replace handoff record location.
func (c *Config) WatchdogPath() string {
	return filepath.Join(c.Paths.StateDir, "selfupdate.json")
}

// LogFilePath returns the daemon log file location.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.Paths.LogDir, "fleetagent.log")
}

// RequestTimeout returns the authority request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return seconds(c.Server.RequestTimeout)
}

// ReportInterval returns the periodic device-info report interval.
func (c *Config) ReportInterval() time.Duration {
	return seconds(c.Workflow.ReportInterval)
}

// RefreshInterval returns the periodic configuration refresh interval; zero disables it.
func (c *Config) RefreshInterval() time.Duration {
	return seconds(c.Workflow.RefreshInterval)
}

// AutorunPause returns the delay between sequential application launches.
func (c *Config) AutorunPause() time.Duration {
	return seconds(c.Workflow.AutorunPause)
}

// BootWindow returns how long after boot run-at-boot applications are still launched.
func (c *Config) BootWindow() time.Duration {
	return seconds(c.Workflow.BootWindow)
}

// InstallTimeout bounds how long the flow waits for an install completion.
func (c *Config) InstallTimeout() time.Duration {
	return seconds(c.Workflow.InstallTimeout)
}

// CrashLoopWindow returns the fault counting window.
func (c *Config) CrashLoopWindow() time.Duration {
	return seconds(c.Workflow.CrashLoopWindow)
}

// TransferTimeout returns the per-download timeout.
func (c *Config) TransferTimeout() time.Duration {
	return seconds(c.Transfer.Timeout)
}

// SelfUpdateTimeout returns the maximum age of a pending self-replace handoff.
func (c *Config) SelfUpdateTimeout() time.Duration {
	return seconds(c.Agent.SelfUpdateTimeout)
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
