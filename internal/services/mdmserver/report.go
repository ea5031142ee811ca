package mdmserver

import "time"

// InstalledApp is one installed package in a device report.
type InstalledApp struct {
	Package string `json:"pkg"`
	Version string `json:"version,omitempty"`
}

// EscalationOutcome is attached to reports sent on escalation paths.
// Reset and reboot are confirmed before they run, so their outcome has
// Attempted set and Success false: the server learns the device is about
// to act, not whether the action worked.
type EscalationOutcome struct {
	Action    string `json:"action"`
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// DeviceReport is the device-info snapshot sent to the authority.
type DeviceReport struct {
	DeviceID       string             `json:"deviceId"`
	AgentVersion   string             `json:"agentVersion"`
	Hostname       string             `json:"hostname,omitempty"`
	Model          string             `json:"model,omitempty"`
	OS             string             `json:"os,omitempty"`
	Kernel         string             `json:"kernel,omitempty"`
	Privileged     bool               `json:"privileged"`
	Capabilities   map[string]string  `json:"capabilities,omitempty"`
	Applications   []InstalledApp     `json:"applications,omitempty"`
	ConfigRevision string             `json:"configRevision,omitempty"`
	Locked         bool               `json:"locked"`
	KioskMode      bool               `json:"kioskMode"`
	Escalation     *EscalationOutcome `json:"escalation,omitempty"`
	ReportedAt     time.Time          `json:"reportedAt"`
}

// Log levels for remote log entries.
const (
	LogError = "error"
	LogWarn  = "warn"
	LogInfo  = "info"
)

// LogEntry is one remote log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	PackageID string    `json:"packageId,omitempty"`
	Message   string    `json:"message"`
}
