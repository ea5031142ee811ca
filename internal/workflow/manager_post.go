package workflow

import (
	"context"

	"fleetagent/internal/escalation"
	"fleetagent/internal/logging"
	"fleetagent/internal/syncstate"
)

// finishQueues runs escalation for a cycle whose fetch succeeded, then the
// post-sync step. A cycle running on a cached configuration never escalates.
func (m *Manager) finishQueues(ctx context.Context) {
	if !m.fetched || m.active == nil || !m.active.HasEscalation() || m.deps.Escalator == nil {
		m.finishCycle(ctx)
		return
	}
	done, err := m.store.EscalatedCycle(ctx)
	if err != nil {
		m.recordError(err)
		m.finishCycle(ctx)
		return
	}
	if done == m.cycleID {
		m.cycleLogger().Debug("escalation already started for this fetch")
		m.finishCycle(ctx)
		return
	}
	// Reset and reboot end the process, so the cycle is marked first.
	if err := m.store.SetEscalatedCycle(ctx, m.cycleID); err != nil {
		m.recordError(err)
		m.finishCycle(ctx)
		return
	}
	directives := escalation.Directives{
		FactoryReset:  m.active.FactoryReset,
		Reboot:        m.active.Reboot,
		PasswordReset: m.active.PasswordReset,
	}
	m.setPhase(PhaseEscalation)
	cycleID := m.cycleID
	m.spawn(ctx, "escalation", func(ctx context.Context) event {
		return escalationDone{cycleID: cycleID, results: m.deps.Escalator.Run(ctx, directives)}
	})
}

func (m *Manager) handleEscalation(ctx context.Context, ev escalationDone) {
	for _, res := range ev.results {
		action, success := res.Action, res.Success
		m.cycleLogger().Info("escalation step finished",
			logging.String("action", action),
			logging.Bool("attempted", res.Attempted),
			logging.Bool("success", success),
			logging.Bool("confirmed", res.Confirmed),
		)
		m.background(ctx, "notify_escalation", func(ctx context.Context) error {
			return m.deps.Notifier.NotifyEscalation(ctx, action, success)
		})
	}
	m.finishCycle(ctx)
}

func (m *Manager) finishCycle(ctx context.Context) {
	m.setPhase(PhasePostSync)
	if m.deps.PostSync != nil {
		m.deps.PostSync.AfterCycle(ctx, m.cycleID, m.runAfter)
		if !m.bootRunsDone {
			m.bootRunsDone = true
			m.scheduleBootRuns(ctx)
		}
	}
	m.applyPosture(ctx, "cycle")

	if err := m.store.SetCyclePhase(ctx, "", ""); err != nil {
		m.recordError(err)
	}
	if err := m.store.SetRunAfter(ctx, nil); err != nil {
		m.recordError(err)
	}
	if err := m.status.Transition(syncstate.Idle); err != nil {
		m.status.Reset()
	}
	m.runAfter = nil
	m.setPhase(PhaseSteady)
	m.cycleLogger().Info("reconciliation cycle complete",
		logging.String("revision", m.revision),
		logging.String(logging.FieldEventType, "cycle_complete"),
	)
}

func (m *Manager) scheduleBootRuns(ctx context.Context) {
	if m.active == nil {
		return
	}
	var pkgs []string
	for _, app := range m.active.Applications {
		if app.RunAtBoot && !app.Remove {
			pkgs = append(pkgs, app.Identity())
		}
	}
	if len(pkgs) == 0 {
		return
	}
	uptime, err := m.deps.Host.Uptime()
	if err != nil {
		logging.WarnWithContext(m.cycleLogger(), "uptime unavailable; boot launches skipped", "uptime_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "run-at-boot applications are not started"),
		)
		return
	}
	m.deps.PostSync.ScheduleBootRuns(ctx, pkgs, uptime)
}

// applyPosture applies lock state, settings and the kiosk main app from
// the active configuration. Failures are logged and never stop the flow.
func (m *Manager) applyPosture(ctx context.Context, source string) {
	if m.active == nil || m.deps.Host == nil {
		return
	}
	cfg := m.active
	log := m.logger.With(logging.String("source", source))
	warn := func(what string, err error) {
		logging.WarnWithContext(log, what+" failed", "posture_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "device posture differs from the configuration until the next cycle"),
			logging.String(logging.FieldErrorHint, "check platform command configuration"),
		)
	}
	if err := m.deps.Host.SetLock(ctx, cfg.Lock, cfg.LockMessage); err != nil {
		warn("lock", err)
	}
	for _, pair := range cfg.Settings.Pairs() {
		if err := m.deps.Host.ApplySetting(ctx, pair[0], pair[1]); err != nil {
			warn("setting "+pair[0], err)
		}
	}
	if cfg.KioskMode && cfg.MainApp != "" {
		if err := m.deps.Host.Launch(ctx, cfg.MainApp); err != nil {
			warn("kiosk launch", err)
		}
	}
}
