// Package platform declares the host collaborator the reconciliation flow
// acts through. The flow only consumes boolean and error outcomes; how a
// capability is requested or a package installed is the host's business.
package platform

import (
	"context"
	"time"
)

// DeviceInfo is the static identity reported to the authority.
type DeviceInfo struct {
	Hostname string `json:"hostname"`
	Model    string `json:"model"`
	OS       string `json:"os"`
	Kernel   string `json:"kernel"`
}

// Host performs device-level actions.
type Host interface {
	// Privileged reports whether the agent holds device-owner equivalent rights.
	Privileged(ctx context.Context) (bool, error)
	// Vendor returns the vendor quirk key, or "" for none.
	Vendor() string
	// Info returns device identity fields.
	Info(ctx context.Context) DeviceInfo
	// Uptime returns time since boot.
	Uptime() (time.Duration, error)

	// CheckCapability reports whether capability is currently granted.
	CheckCapability(ctx context.Context, capability string) (bool, error)
	// PromptCapability opens the acquisition surface for capability. The
	// result arrives later as a resume, not as a return value.
	PromptCapability(ctx context.Context, capability string) error

	// InstalledPackages maps installed package ids to versions.
	InstalledPackages(ctx context.Context) (map[string]string, error)
	InstallPackage(ctx context.Context, pkg, artifact string) error
	InstallFromStore(ctx context.Context, pkg, ref string) error
	UninstallPackage(ctx context.Context, pkg string) error
	// RequestConsent asks the local user to approve action on pkg and
	// returns nil only on approval.
	RequestConsent(ctx context.Context, pkg, action string) error
	// GrantPermissions grants every runtime capability pkg requests.
	GrantPermissions(ctx context.Context, pkg string) error
	Launch(ctx context.Context, pkg string) error

	SetLock(ctx context.Context, locked bool, message string) error
	ApplySetting(ctx context.Context, key, value string) error
	SetPassword(ctx context.Context, password string) error
	Reboot(ctx context.Context) error
	FactoryReset(ctx context.Context) error
}
