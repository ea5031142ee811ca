package config

const (
	defaultConfigPath          = "~/.config/fleetagent/config.toml"
	defaultStateDir            = "~/.local/share/fleetagent"
	defaultLogDir              = "~/.local/share/fleetagent/logs"
	defaultFilesRoot           = "~/.local/share/fleetagent/files"
	defaultDownloadDir         = "~/.local/share/fleetagent/downloads"
	defaultRequestTimeout      = 30
	defaultPackageID           = "fleetagent"
	defaultSelfUpdateTimeout   = 300
	defaultRefreshInterval     = 3600
	defaultReportInterval      = 900
	defaultAutorunPause        = 5
	defaultBootWindow          = 120
	defaultInstallTimeout      = 600
	defaultDigestWorkers       = 4
	defaultCrashLoopMaxFaults  = 3
	defaultCrashLoopWindow     = 60
	defaultTransferTimeout     = 1800
	defaultPrivilegeMode       = PrivilegeAuto
	defaultLogFormat           = "auto"
	defaultLogLevel            = "info"
	defaultNotifyTimeout       = 10
	defaultListPackagesCommand = "dpkg-query -W -f='${Package} ${Version}\\n'"
	defaultInstallCommand      = "dpkg -i {artifact}"
	defaultUninstallCommand    = "dpkg -r {package}"
	defaultLaunchCommand       = "systemctl start {package}"
)

// Privilege modes accepted by platform.privileged.
const (
	PrivilegeAuto   = "auto"
	PrivilegeAlways = "always"
	PrivilegeNever  = "never"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:    defaultStateDir,
			LogDir:      defaultLogDir,
			FilesRoot:   defaultFilesRoot,
			DownloadDir: defaultDownloadDir,
		},
		Server: Server{
			RequestTimeout: defaultRequestTimeout,
		},
		Agent: Agent{
			PackageID:         defaultPackageID,
			SelfUpdateTimeout: defaultSelfUpdateTimeout,
		},
		Workflow: Workflow{
			RefreshInterval:    defaultRefreshInterval,
			ReportInterval:     defaultReportInterval,
			AutorunPause:       defaultAutorunPause,
			BootWindow:         defaultBootWindow,
			InstallTimeout:     defaultInstallTimeout,
			DigestWorkers:      defaultDigestWorkers,
			CrashLoopMaxFaults: defaultCrashLoopMaxFaults,
			CrashLoopWindow:    defaultCrashLoopWindow,
			NetworkMonitor:     true,
		},
		Transfer: Transfer{
			Timeout: defaultTransferTimeout,
		},
		Platform: Platform{
			Privileged:          defaultPrivilegeMode,
			InstallCommand:      defaultInstallCommand,
			UninstallCommand:    defaultUninstallCommand,
			ListPackagesCommand: defaultListPackagesCommand,
			LaunchCommand:       defaultLaunchCommand,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
	}
}
