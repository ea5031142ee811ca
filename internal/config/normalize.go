package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeAgent()
	c.normalizeWorkflow()
	c.normalizePlatform()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.StateDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.FilesRoot) == "" {
		c.Paths.FilesRoot = filepath.Join(c.Paths.StateDir, "files")
	}
	if c.Paths.FilesRoot, err = expandPath(c.Paths.FilesRoot); err != nil {
		return fmt.Errorf("paths.files_root: %w", err)
	}
	if strings.TrimSpace(c.Paths.DownloadDir) == "" {
		c.Paths.DownloadDir = filepath.Join(c.Paths.StateDir, "downloads")
	}
	if c.Paths.DownloadDir, err = expandPath(c.Paths.DownloadDir); err != nil {
		return fmt.Errorf("paths.download_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SocketPath) == "" {
		c.Paths.SocketPath = filepath.Join(c.Paths.StateDir, "fleetagent.sock")
	}
	if c.Paths.SocketPath, err = expandPath(c.Paths.SocketPath); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
	c.Server.SecondaryBaseURL = strings.TrimRight(strings.TrimSpace(c.Server.SecondaryBaseURL), "/")
	if c.Server.SecondaryBaseURL == "" {
		c.Server.SecondaryBaseURL = c.Server.BaseURL
	}
	c.Server.Project = strings.Trim(strings.TrimSpace(c.Server.Project), "/")
	c.Server.DeviceID = strings.TrimSpace(c.Server.DeviceID)
	if value, ok := os.LookupEnv("FLEETAGENT_DEVICE_ID"); ok && strings.TrimSpace(value) != "" {
		c.Server.DeviceID = strings.TrimSpace(value)
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = defaultRequestTimeout
	}
}

func (c *Config) normalizeAgent() {
	c.Agent.PackageID = strings.TrimSpace(c.Agent.PackageID)
	if c.Agent.PackageID == "" {
		c.Agent.PackageID = defaultPackageID
	}
	c.Agent.RestartHelper = strings.TrimSpace(c.Agent.RestartHelper)
	if c.Agent.SelfUpdateTimeout <= 0 {
		c.Agent.SelfUpdateTimeout = defaultSelfUpdateTimeout
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.ReportInterval <= 0 {
		c.Workflow.ReportInterval = defaultReportInterval
	}
	if c.Workflow.AutorunPause < 0 {
		c.Workflow.AutorunPause = 0
	}
	if c.Workflow.BootWindow <= 0 {
		c.Workflow.BootWindow = defaultBootWindow
	}
	if c.Workflow.InstallTimeout <= 0 {
		c.Workflow.InstallTimeout = defaultInstallTimeout
	}
	if c.Workflow.DigestWorkers <= 0 {
		c.Workflow.DigestWorkers = defaultDigestWorkers
	}
	if c.Workflow.CrashLoopMaxFaults <= 0 {
		c.Workflow.CrashLoopMaxFaults = defaultCrashLoopMaxFaults
	}
	if c.Workflow.CrashLoopWindow <= 0 {
		c.Workflow.CrashLoopWindow = defaultCrashLoopWindow
	}
	if c.Transfer.Timeout <= 0 {
		c.Transfer.Timeout = defaultTransferTimeout
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizePlatform() {
	c.Platform.Vendor = strings.ToLower(strings.TrimSpace(c.Platform.Vendor))
	c.Platform.Privileged = strings.ToLower(strings.TrimSpace(c.Platform.Privileged))
	if c.Platform.Privileged == "" {
		c.Platform.Privileged = defaultPrivilegeMode
	}
	if len(c.Platform.Capabilities) > 0 {
		normalized := make(map[string]CapabilityCommands, len(c.Platform.Capabilities))
		for name, cmds := range c.Platform.Capabilities {
			normalized[strings.ToLower(strings.TrimSpace(name))] = CapabilityCommands{
				Check:  strings.TrimSpace(cmds.Check),
				Prompt: strings.TrimSpace(cmds.Prompt),
			}
		}
		c.Platform.Capabilities = normalized
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
