package workflow

import (
	"context"
	"errors"
	"io/fs"

	"fleetagent/internal/logging"
	"fleetagent/internal/reconcile"
	"fleetagent/internal/selfupdate"
	"fleetagent/internal/services/mdmserver"
	"fleetagent/internal/state"
	"fleetagent/internal/syncstate"
	"fleetagent/internal/transfer"
)

// runNext starts the front operation of the active queue, moves from files
// to applications when the files queue is drained, and finishes the queues
// when both are empty. It does nothing while an operation is in flight or
// the flow is parked.
func (m *Manager) runNext(ctx context.Context) {
	if m.inFlight != nil {
		return
	}
	switch m.phase {
	case PhaseFiles:
		if op, ok := m.files.Peek(); ok {
			m.execute(ctx, op)
			return
		}
		m.planApps(ctx)
		if m.phase == PhaseApps {
			m.runNext(ctx)
		}
	case PhaseApps:
		if op, ok := m.apps.Peek(); ok {
			m.execute(ctx, op)
			return
		}
		m.finishQueues(ctx)
	}
}

func (m *Manager) execute(ctx context.Context, op reconcile.Operation) {
	if m.isSelfUpdate(op) {
		if err := m.prepareSelfUpdate(ctx, op); err != nil {
			m.applyFailure(ctx, m.apps, op, err)
			m.runNext(ctx)
			return
		}
	}
	current := op
	m.inFlight = &current
	m.publish()
	m.cycleLogger().Info("operation started",
		logging.String(logging.FieldQueue, op.Queue()),
		logging.String(logging.FieldDirective, op.Identity()),
		logging.String("kind", string(op.Kind)),
		logging.Int("attempts", op.Attempts),
	)
	cycleID := m.cycleID
	progress := m.progressFunc()
	m.spawn(ctx, "execute", func(ctx context.Context) event {
		return operationDone{cycleID: cycleID, outcome: m.deps.Executor.Execute(ctx, op, progress)}
	})
}

func (m *Manager) progressFunc() transfer.ProgressFunc {
	return func(p transfer.Progress) {
		m.mu.Lock()
		progress := p
		m.snapshot.Progress = &progress
		m.mu.Unlock()
	}
}

func (m *Manager) queueFor(name string) *reconcile.WorkQueue {
	if name == state.QueueApps {
		return m.apps
	}
	return m.files
}

func (m *Manager) handleOperation(ctx context.Context, ev operationDone) {
	m.inFlight = nil
	m.mu.Lock()
	m.snapshot.Progress = nil
	m.mu.Unlock()

	op := ev.outcome.Op
	q := m.queueFor(op.Queue())
	if ev.outcome.Succeeded() {
		m.applySuccess(ctx, q, ev.outcome)
	} else {
		if m.isSelfUpdate(op) {
			m.clearSelfUpdate()
		}
		m.applyFailure(ctx, q, op, ev.outcome.Err)
	}
	m.publish()

	if m.deferredResume {
		m.deferredResume = false
		m.cycleLogger().Info("applying deferred resume", logging.String("phase", string(m.phase)))
		if m.phase == PhaseAwaitingDecision {
			m.resolveDecision(ctx, true)
			return
		}
	}
	m.runNext(ctx)
}

func (m *Manager) applySuccess(ctx context.Context, q *reconcile.WorkQueue, out reconcile.Outcome) {
	op := out.Op
	log := m.cycleLogger().With(logging.String(logging.FieldDirective, op.Identity()))
	switch op.Kind {
	case reconcile.InstallFile:
		if out.Record != nil {
			if err := m.store.PutInstalledFile(ctx, *out.Record); err != nil {
				m.recordError(err)
			}
		}
	case reconcile.RemoveFile:
		if err := m.store.DeleteInstalledFile(ctx, op.Identity()); err != nil {
			m.recordError(err)
		}
	case reconcile.InstallApp:
		if op.App.RunAfterInstall {
			m.runAfter = append(m.runAfter, op.App.Identity())
			if err := m.store.SetRunAfter(ctx, m.runAfter); err != nil {
				m.recordError(err)
			}
		}
		if m.isSelfUpdate(op) && m.handOffSelfUpdate(ctx) {
			return
		}
	}
	if err := q.Drop(ctx); err != nil {
		m.recordError(err)
	}
	log.Info("operation completed",
		logging.String(logging.FieldQueue, q.Name()),
		logging.String("kind", string(op.Kind)),
		logging.String(logging.FieldEventType, "operation_completed"),
	)
}

// kioskMode reports whether failures are skipped automatically instead of
// waiting for an operator decision.
func (m *Manager) kioskMode() bool {
	if m.cfg.Agent.KioskMandated {
		return true
	}
	return m.active != nil && m.active.KioskMode
}

func (m *Manager) applyFailure(ctx context.Context, q *reconcile.WorkQueue, op reconcile.Operation, cause error) {
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	log := m.cycleLogger().With(
		logging.String(logging.FieldQueue, q.Name()),
		logging.String(logging.FieldDirective, op.Identity()),
	)
	if m.kioskMode() {
		logging.WarnWithContext(log, "operation failed; skipping in kiosk mode", "operation_skipped",
			logging.Error(cause),
			logging.String(logging.FieldImpact, "item stays unreconciled for this configuration revision"),
		)
		m.dropFailed(ctx, q, op, reason, true)
		return
	}

	if err := q.MarkFailed(ctx); err != nil {
		m.recordError(err)
	}
	attempts := op.Attempts + 1
	if front, ok := q.Peek(); ok {
		attempts = front.Attempts
	}
	m.decision = &Decision{
		Queue:    q.Name(),
		Identity: op.Identity(),
		Kind:     string(op.Kind),
		Reason:   reason,
		Attempts: attempts,
	}
	m.setPhase(PhaseAwaitingDecision)
	logging.WarnWithContext(log, "operation failed; waiting for operator decision", "operation_failed",
		logging.Error(cause),
		logging.Int("attempts", attempts),
		logging.String(logging.FieldImpact, "reconciliation paused"),
		logging.String(logging.FieldErrorHint, "run 'fleetagent retry' or 'fleetagent skip'"),
	)
	identity := op.Identity()
	m.background(ctx, "notify_decision", func(ctx context.Context) error {
		return m.deps.Notifier.NotifyDecisionRequired(ctx, identity, reason)
	})
}

// dropFailed removes the front item, forgets its record and excludes it for
// the rest of this revision.
func (m *Manager) dropFailed(ctx context.Context, q *reconcile.WorkQueue, op reconcile.Operation, reason string, remote bool) {
	identity := op.Identity()
	queue := q.Name()
	if err := q.Drop(ctx); err != nil {
		m.recordError(err)
	}
	if op.File != nil {
		if err := m.store.DeleteInstalledFile(ctx, identity); err != nil {
			m.recordError(err)
		}
	}
	if err := m.store.RecordSkip(ctx, queue, identity, m.revision, reason); err != nil {
		m.recordError(err)
	}
	if remote && m.deps.RemoteLog != nil {
		pkg := ""
		if op.App != nil {
			pkg = identity
		}
		message := string(op.Kind) + " " + identity + " failed: " + reason
		m.background(ctx, "remote_log", func(ctx context.Context) error {
			return m.deps.RemoteLog.Log(ctx, mdmserver.LogError, pkg, message)
		})
	}
	m.background(ctx, "notify_skipped", func(ctx context.Context) error {
		return m.deps.Notifier.NotifySkipped(ctx, queue, identity, reason)
	})
}

func (m *Manager) resolveDecision(ctx context.Context, retry bool) {
	d := m.decision
	if d == nil {
		return
	}
	m.decision = nil
	q := m.queueFor(d.Queue)
	if d.Queue == state.QueueApps {
		m.setPhase(PhaseApps)
	} else {
		m.setPhase(PhaseFiles)
	}
	log := m.cycleLogger().With(logging.String(logging.FieldDirective, d.Identity))
	if retry {
		log.Info("operator chose retry", logging.Args(logging.DecisionAttrs("failure_policy", "retry", "operator")...)...)
	} else {
		log.Info("operator chose skip", logging.Args(logging.DecisionAttrs("failure_policy", "skip", "operator")...)...)
		if op, ok := q.Peek(); ok {
			m.dropFailed(ctx, q, op, "skipped by operator: "+d.Reason, false)
		}
	}
	m.publish()
	m.runNext(ctx)
}

func (m *Manager) isSelfUpdate(op reconcile.Operation) bool {
	pkg := m.cfg.Agent.PackageID
	return pkg != "" && op.Kind == reconcile.InstallApp && op.App != nil && op.App.Identity() == pkg
}

func (m *Manager) prepareSelfUpdate(ctx context.Context, op reconcile.Operation) error {
	installed, err := m.deps.Host.InstalledPackages(ctx)
	if err != nil {
		return err
	}
	rec := selfupdate.Record{
		Package:         op.App.Identity(),
		PreviousVersion: installed[op.App.Identity()],
		ExpectedVersion: op.App.Version,
		CycleID:         m.cycleID,
		Timestamp:       m.now().UTC(),
	}
	if err := selfupdate.Write(m.cfg.WatchdogPath(), rec); err != nil {
		return err
	}
	m.selfUpdate = &rec
	return nil
}

func (m *Manager) clearSelfUpdate() {
	m.selfUpdate = nil
	if err := selfupdate.Clear(m.cfg.WatchdogPath()); err != nil {
		m.recordError(err)
	}
}

// handOffSelfUpdate passes control to the restart helper after the agent's
// own package installed. It reports whether the flow is now parked.
func (m *Manager) handOffSelfUpdate(ctx context.Context) bool {
	rec := m.selfUpdate
	log := m.cycleLogger()
	if rec == nil {
		return false
	}
	if m.deps.RestartHelper == nil {
		logging.WarnWithContext(log, "no restart helper configured; treating self-update as complete", "self_update_no_helper",
			logging.String("package", rec.Package),
			logging.String(logging.FieldImpact, "new agent version runs after the next manual restart"),
			logging.String(logging.FieldErrorHint, "set agent.restart_helper"),
		)
		m.clearSelfUpdate()
		return false
	}
	if err := m.deps.RestartHelper.Handoff(ctx, *rec); err != nil {
		logging.WarnWithContext(log, "restart helper handoff failed", "self_update_handoff_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "new agent version runs after the next manual restart"),
		)
		m.clearSelfUpdate()
		return false
	}
	m.setPhase(PhaseAwaitingSelfReplace)
	log.Info("waiting for restart helper to replace the agent",
		logging.String("package", rec.Package),
		logging.String("previous_version", rec.PreviousVersion),
		logging.String(logging.FieldEventType, "self_update_handoff"),
	)
	return true
}

// confirmSelfUpdate settles a handoff left by the previous process.
func (m *Manager) confirmSelfUpdate(ctx context.Context) {
	path := m.cfg.WatchdogPath()
	rec, err := selfupdate.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	defer m.clearSelfUpdate()
	if err != nil {
		logging.WarnWithContext(m.logger, "self-update record unreadable", "self_update_record_invalid",
			logging.Error(err),
			logging.String(logging.FieldImpact, "pending self-update treated as failed"),
		)
	}

	var verdict selfupdate.Verdict
	if err == nil {
		installed, listErr := m.deps.Host.InstalledPackages(ctx)
		if listErr != nil {
			verdict = selfupdate.Verdict{Reason: "list installed packages: " + listErr.Error()}
		} else {
			verdict = selfupdate.Confirm(rec, installed[rec.Package], m.now(), m.cfg.SelfUpdateTimeout())
		}
	} else {
		verdict = selfupdate.Verdict{Reason: err.Error()}
	}

	op, ok := m.apps.Peek()
	if !ok || !m.isSelfUpdate(op) {
		m.logger.Info("self-update record without queued install",
			logging.Bool("success", verdict.Success),
			logging.String("reason", verdict.Reason),
		)
		return
	}
	if verdict.Success {
		m.logger.Info("self-update confirmed",
			logging.String("package", rec.Package),
			logging.String(logging.FieldEventType, "self_update_confirmed"),
		)
		if err := m.apps.Drop(ctx); err != nil {
			m.recordError(err)
		}
		return
	}
	if !m.status.TryBeginFetch() || m.status.Transition(syncstate.Reconciling) != nil {
		return
	}
	m.setPhase(PhaseApps)
	m.applyFailure(ctx, m.apps, op, errors.New("self-update failed: "+verdict.Reason))
	if m.phase != PhaseAwaitingDecision {
		_ = m.status.Transition(syncstate.Idle)
	}
}
