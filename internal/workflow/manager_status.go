package workflow

import (
	"context"
	"log/slog"
	"time"

	"fleetagent/internal/logging"
	"fleetagent/internal/reconcile"
	"fleetagent/internal/state"
	"fleetagent/internal/syncstate"
	"fleetagent/internal/transfer"
)

// StatusSummary is a point-in-time view of the flow for the API and CLI.
type StatusSummary struct {
	Running           bool               `json:"running"`
	Phase             Phase              `json:"phase"`
	Sync              syncstate.Status   `json:"sync"`
	CycleID           string             `json:"cycle_id,omitempty"`
	Revision          string             `json:"revision,omitempty"`
	Decision          *Decision          `json:"decision,omitempty"`
	PendingCapability string             `json:"pending_capability,omitempty"`
	InFlight          string             `json:"in_flight,omitempty"`
	Progress          *transfer.Progress `json:"progress,omitempty"`
	FilesQueued       int                `json:"files_queued"`
	AppsQueued        int                `json:"apps_queued"`
	LastError         string             `json:"last_error,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// QueueEntry is one pending operation as shown to operators.
type QueueEntry struct {
	Queue    string `json:"queue"`
	Kind     string `json:"kind"`
	Identity string `json:"identity"`
	Attempts int    `json:"attempts"`
}

// Status returns the latest published snapshot.
func (m *Manager) Status() StatusSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.snapshot
	if snap.Decision != nil {
		d := *snap.Decision
		snap.Decision = &d
	}
	if snap.Progress != nil {
		p := *snap.Progress
		snap.Progress = &p
	}
	return snap
}

// Queue returns the pending operations, files first.
func (m *Manager) Queue() []QueueEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]QueueEntry(nil), m.queued...)
}

// Capabilities lists the recorded capability states.
func (m *Manager) Capabilities(ctx context.Context) ([]state.CapabilityRecord, error) {
	return m.deps.Gate.Statuses(ctx)
}

// publish copies loop-owned state into the snapshot readers see.
func (m *Manager) publish() {
	var entries []QueueEntry
	for _, q := range []*reconcile.WorkQueue{m.files, m.apps} {
		for _, op := range q.Items() {
			entries = append(entries, QueueEntry{
				Queue:    q.Name(),
				Kind:     string(op.Kind),
				Identity: op.Identity(),
				Attempts: op.Attempts,
			})
		}
	}
	inFlight := ""
	if m.inFlight != nil {
		inFlight = m.inFlight.String()
	}
	var decision *Decision
	if m.decision != nil {
		d := *m.decision
		decision = &d
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = entries
	m.snapshot.Phase = m.phase
	m.snapshot.Sync = m.status.Current()
	m.snapshot.CycleID = m.cycleID
	m.snapshot.Revision = m.revision
	m.snapshot.Decision = decision
	m.snapshot.PendingCapability = m.pendingCapability
	m.snapshot.InFlight = inFlight
	m.snapshot.FilesQueued = m.files.Len()
	m.snapshot.AppsQueued = m.apps.Len()
	m.snapshot.UpdatedAt = m.now().UTC()
}

func (m *Manager) setPhase(phase Phase) {
	if m.phase != phase {
		m.logger.Debug("phase changed",
			logging.String("from", string(m.phase)),
			logging.String("to", string(phase)),
			logging.String(logging.FieldCycleID, m.cycleID),
		)
	}
	m.phase = phase
	m.publish()
}

func (m *Manager) recordError(err error) {
	if err == nil {
		return
	}
	m.logger.Error("workflow error",
		logging.Error(err),
		logging.String(logging.FieldPhase, string(m.phase)),
		logging.String(logging.FieldEventType, "workflow_error"),
	)
	m.mu.Lock()
	m.snapshot.LastError = err.Error()
	m.mu.Unlock()
}

func (m *Manager) cycleLogger() *slog.Logger {
	return m.logger.With(
		logging.String(logging.FieldCycleID, m.cycleID),
		logging.String(logging.FieldPhase, string(m.phase)),
	)
}
