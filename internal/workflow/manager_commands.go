package workflow

import (
	"context"
	"fmt"
	"strings"

	"fleetagent/internal/installer"
	"fleetagent/internal/logging"
	"fleetagent/internal/selfupdate"
	"fleetagent/internal/services"
	"fleetagent/internal/syncstate"
)

// Refresh asks for a new cycle. A refresh while a cycle is active is
// dropped and reported in the result, never queued.
func (m *Manager) Refresh(ctx context.Context, source string) (RefreshResult, error) {
	value, err := m.submit(ctx, command{kind: cmdRefresh, source: source})
	if err != nil {
		return RefreshResult{}, err
	}
	return value.(RefreshResult), nil
}

// Resume re-enters the flow after an external surface returned: a
// capability prompt, an install confirmation or a crash-loop suspension.
// While an operation is in flight the resume is deferred until it finishes.
func (m *Manager) Resume(ctx context.Context) (ResumeResult, error) {
	value, err := m.submit(ctx, command{kind: cmdResume, source: "operator"})
	if err != nil {
		return ResumeResult{}, err
	}
	return value.(ResumeResult), nil
}

// Retry re-runs the failed item at the front of its queue.
func (m *Manager) Retry(ctx context.Context) error {
	_, err := m.submit(ctx, command{kind: cmdRetry})
	return err
}

// Skip drops the failed item for the rest of this configuration revision.
func (m *Manager) Skip(ctx context.Context) error {
	_, err := m.submit(ctx, command{kind: cmdSkip})
	return err
}

// SetDeviceID stores a new device id and restarts the gate if the flow was
// waiting for one.
func (m *Manager) SetDeviceID(ctx context.Context, id string) error {
	_, err := m.submit(ctx, command{kind: cmdSetDeviceID, arg: id})
	return err
}

// Reset clears the stored identity, cached configuration and queues.
func (m *Manager) Reset(ctx context.Context) error {
	_, err := m.submit(ctx, command{kind: cmdReset})
	return err
}

// Decline records that the operator refused capability name.
func (m *Manager) Decline(ctx context.Context, name string) error {
	_, err := m.submit(ctx, command{kind: cmdDecline, arg: name})
	return err
}

// CompleteInstall delivers an install confirmation that arrived out of band.
func (m *Manager) CompleteInstall(pkg string, st installer.Status) error {
	if m.deps.Installs == nil {
		return services.Wrap(services.ErrConfiguration, "workflow", "complete install", "installer not configured", nil)
	}
	return m.deps.Installs.Complete(pkg, st)
}

func (m *Manager) submit(ctx context.Context, cmd command) (any, error) {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return nil, ErrNotRunning
	}
	cmd.reply = make(chan commandReply, 1)
	select {
	case m.events <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) handleCommand(ctx context.Context, cmd command) {
	var value any
	var err error
	switch cmd.kind {
	case cmdRefresh:
		value = m.refresh(ctx, cmd.source)
	case cmdResume:
		value = m.resume(ctx)
	case cmdRetry, cmdSkip:
		if m.phase != PhaseAwaitingDecision || m.decision == nil {
			err = ErrNoDecision
			break
		}
		m.resolveDecision(ctx, cmd.kind == cmdRetry)
	case cmdSetDeviceID:
		err = m.setDeviceID(ctx, cmd.arg)
	case cmdReset:
		err = m.reset(ctx)
	case cmdDecline:
		err = m.decline(ctx, cmd.arg)
	default:
		err = fmt.Errorf("unknown command %d", cmd.kind)
	}
	cmd.reply <- commandReply{value: value, err: err}
}

func (m *Manager) resume(ctx context.Context) ResumeResult {
	if m.inFlight != nil {
		m.deferredResume = true
		m.logger.Info("resume deferred until the running operation finishes",
			logging.String("operation", m.inFlight.String()),
		)
		return ResumeResult{Deferred: true, Phase: m.phase}
	}
	switch m.phase {
	case PhaseSuspended:
		if m.deps.Guard != nil {
			if err := m.deps.Guard.Clear(ctx); err != nil {
				m.recordError(err)
				return ResumeResult{Phase: m.phase}
			}
		}
		m.logger.Info("crash-loop suspension lifted by operator")
		m.setPhase(PhaseStarting)
		m.resumeFromDisk(ctx)
	case PhaseAwaitingDecision:
		m.resolveDecision(ctx, true)
	case PhaseFiles, PhaseApps:
		m.runNext(ctx)
	default:
		if m.status.Current() == syncstate.Idle {
			m.beginGate(ctx, "resume", false)
		}
	}
	return ResumeResult{Phase: m.phase}
}

func (m *Manager) setDeviceID(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return services.Wrap(services.ErrValidation, "workflow", "set device id", "device id must not be empty", nil)
	}
	if err := m.store.SetDeviceID(ctx, id); err != nil {
		return err
	}
	m.logger.Info("device id updated", logging.String("device_id", id))
	if m.phase == PhaseAwaitingIdentity {
		m.beginGate(ctx, "device-id", false)
	}
	return nil
}

func (m *Manager) reset(ctx context.Context) error {
	if m.status.Current() != syncstate.Idle || m.inFlight != nil {
		return ErrBusy
	}
	if err := m.store.ResetIdentity(ctx); err != nil {
		return err
	}
	if err := selfupdate.Clear(m.cfg.WatchdogPath()); err != nil {
		m.recordError(err)
	}
	m.active = nil
	m.revision = ""
	m.decision = nil
	m.selfUpdate = nil
	m.runAfter = nil
	_ = m.files.Restore(nil)
	_ = m.apps.Restore(nil)
	if err := m.seedIdentity(ctx); err != nil {
		m.recordError(err)
	}
	m.logger.Info("device identity reset",
		logging.String(logging.FieldEventType, "identity_reset"),
	)
	m.beginGate(ctx, "reset", false)
	m.publish()
	return nil
}

func (m *Manager) decline(ctx context.Context, name string) error {
	if m.deps.Gate == nil {
		return services.Wrap(services.ErrConfiguration, "workflow", "decline capability", "capability gate not configured", nil)
	}
	if err := m.deps.Gate.Decline(ctx, name); err != nil {
		return err
	}
	if m.phase == PhaseAwaitingCapability {
		m.beginGate(ctx, "decline", false)
	}
	return nil
}
