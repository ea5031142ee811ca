package ipc

import (
	"time"

	"fleetagent/internal/installer"
	"fleetagent/internal/state"
	"fleetagent/internal/workflow"
)

// StatusResponse combines process information with the flow snapshot.
type StatusResponse struct {
	PID        int                    `json:"pid"`
	Version    string                 `json:"version"`
	DeviceID   string                 `json:"device_id"`
	Endpoint   string                 `json:"endpoint"`
	Privileged bool                   `json:"privileged"`
	LockPath   string                 `json:"lock_path"`
	DBPath     string                 `json:"db_path"`
	StartedAt  time.Time              `json:"started_at"`
	Workflow   workflow.StatusSummary `json:"workflow"`
}

// QueueResponse lists pending operations, files first.
type QueueResponse struct {
	Items []workflow.QueueEntry `json:"items"`
}

// CapabilitiesResponse lists capability states in checklist order.
type CapabilitiesResponse struct {
	Capabilities []state.CapabilityRecord `json:"capabilities"`
}

// RefreshRequest names what asked for the refresh.
type RefreshRequest struct {
	Source string `json:"source,omitempty"`
}

// RefreshResponse reports whether a cycle started.
type RefreshResponse = workflow.RefreshResult

// ResumeResponse reports what a resume did.
type ResumeResponse = workflow.ResumeResult

// Decision actions.
const (
	DecisionRetry = "retry"
	DecisionSkip  = "skip"
)

// DecisionRequest answers a pending failure.
type DecisionRequest struct {
	Action string `json:"action"`
}

// DeviceIDRequest sets the device identifier.
type DeviceIDRequest struct {
	DeviceID string `json:"device_id"`
}

// InstallCompleteRequest delivers an install outcome for a package.
type InstallCompleteRequest = installer.Status

// OKResponse acknowledges commands without a payload.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}
