package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"fleetagent/internal/capability"
	"fleetagent/internal/desired"
	"fleetagent/internal/fetcher"
	"fleetagent/internal/logging"
	"fleetagent/internal/migration"
	"fleetagent/internal/reconcile"
	"fleetagent/internal/state"
	"fleetagent/internal/syncstate"
)

func (m *Manager) startup(ctx context.Context) {
	if err := m.seedIdentity(ctx); err != nil {
		m.recordError(err)
	}
	m.restoreActive(ctx)
	m.applyPosture(ctx, "cached")

	if m.deps.Guard != nil {
		verdict, err := m.deps.Guard.Check(ctx)
		if err != nil {
			m.recordError(err)
		} else if verdict.Suspended {
			m.setPhase(PhaseSuspended)
			m.background(ctx, "notify_crash_loop", func(ctx context.Context) error {
				return m.deps.Notifier.NotifyCrashLoop(ctx, verdict.Faults, verdict.Window)
			})
			return
		}
	}
	m.resumeFromDisk(ctx)
}

// resumeFromDisk restores persisted queues and settles a pending
// self-replace before the gate runs.
func (m *Manager) resumeFromDisk(ctx context.Context) {
	resuming := m.restoreQueues(ctx)
	m.confirmSelfUpdate(ctx)
	if m.phase == PhaseAwaitingDecision {
		return
	}
	m.beginGate(ctx, "start", resuming)
}

func (m *Manager) seedIdentity(ctx context.Context) error {
	id, err := m.store.DeviceID(ctx)
	if err != nil {
		return err
	}
	if id == "" && m.cfg.Server.DeviceID != "" {
		if err := m.store.SetDeviceID(ctx, m.cfg.Server.DeviceID); err != nil {
			return err
		}
	}
	eps, err := m.store.Endpoints(ctx)
	if err != nil {
		return err
	}
	if eps.IsZero() {
		return m.store.SetEndpoints(ctx, state.Endpoints{
			Primary:   m.cfg.Server.BaseURL,
			Secondary: m.cfg.Server.SecondaryBaseURL,
			Project:   m.cfg.Server.Project,
		})
	}
	return nil
}

func (m *Manager) restoreActive(ctx context.Context) {
	data, revision, ok, err := m.store.ActiveConfig(ctx)
	if err != nil {
		m.recordError(err)
		return
	}
	if !ok {
		return
	}
	cfg, err := desired.Decode(data)
	if err != nil {
		logging.WarnWithContext(m.logger, "cached configuration unreadable", "cache_invalid",
			logging.Error(err),
			logging.String(logging.FieldImpact, "network failures cannot fall back to a cached configuration"),
		)
		return
	}
	m.active = cfg
	m.revision = revision
}

// restoreQueues loads queues saved by a previous process. It reports
// whether a cycle was interrupted and should resume instead of re-fetching.
func (m *Manager) restoreQueues(ctx context.Context) bool {
	phase, cycleID, err := m.store.CyclePhase(ctx)
	if err != nil {
		m.recordError(err)
		return false
	}
	for _, q := range []*reconcile.WorkQueue{m.files, m.apps} {
		items, err := m.store.LoadQueue(ctx, q.Name())
		if err != nil {
			m.recordError(err)
			return false
		}
		if err := q.Restore(items); err != nil {
			logging.WarnWithContext(m.logger, "persisted queue unreadable; discarding", "queue_restore_failed",
				logging.String(logging.FieldQueue, q.Name()),
				logging.Error(err),
				logging.String(logging.FieldImpact, "the next cycle recomputes the queue"),
			)
			_ = q.Replace(ctx, nil)
		}
	}
	if m.files.Len() == 0 && m.apps.Len() == 0 {
		return false
	}
	if m.active == nil {
		_ = m.files.Replace(ctx, nil)
		_ = m.apps.Replace(ctx, nil)
		return false
	}
	if cycleID == "" {
		cycleID = uuid.NewString()
	}
	fetchedCycle, err := m.store.FetchedCycle(ctx)
	if err != nil {
		m.recordError(err)
	}
	runAfter, err := m.store.RunAfter(ctx)
	if err != nil {
		m.recordError(err)
	}
	m.cycleID = cycleID
	m.fetched = fetchedCycle == cycleID
	m.runAfter = runAfter
	m.appsPlanned = m.apps.Len() > 0 || Phase(phase) == PhaseApps
	m.logger.Info("interrupted cycle found",
		logging.String(logging.FieldCycleID, cycleID),
		logging.String("persisted_phase", phase),
		logging.Int("files_queued", m.files.Len()),
		logging.Int("apps_queued", m.apps.Len()),
	)
	m.publish()
	return true
}

// beginGate walks the capability gate and, once everything is resolved and
// a device id is present, starts or resumes a cycle.
func (m *Manager) beginGate(ctx context.Context, source string, resuming bool) RefreshResult {
	res, err := m.deps.Gate.ResolveNext(ctx)
	if err != nil {
		m.recordError(err)
		m.setPhase(PhaseAwaitingOperator)
		return RefreshResult{Reason: "capability gate failed"}
	}
	if res.Outcome == capability.PendingUserAction {
		m.pendingCapability = res.Capability
		m.setPhase(PhaseAwaitingCapability)
		capName := res.Capability
		m.background(ctx, "notify_capability", func(ctx context.Context) error {
			return m.deps.Notifier.NotifyCapabilityRequired(ctx, capName)
		})
		return RefreshResult{Reason: "waiting for capability " + capName}
	}
	m.pendingCapability = ""

	deviceID, err := m.store.DeviceID(ctx)
	if err != nil {
		m.recordError(err)
		m.setPhase(PhaseAwaitingOperator)
		return RefreshResult{Reason: "device id unavailable"}
	}
	if deviceID == "" {
		m.setPhase(PhaseAwaitingIdentity)
		return RefreshResult{Reason: "device id not set"}
	}
	if resuming {
		return m.resumeCycle(ctx)
	}
	return m.startFetch(ctx, source)
}

func (m *Manager) refresh(ctx context.Context, source string) RefreshResult {
	if m.phase == PhaseSuspended {
		return RefreshResult{Reason: ErrSuspended.Error()}
	}
	if current := m.status.Current(); current != syncstate.Idle {
		attrs := append([]logging.Attr{
			logging.String("source", source),
			logging.String("sync_status", string(current)),
		}, logging.DecisionAttrs("refresh", "dropped", "cycle already active")...)
		m.logger.Info("refresh dropped", logging.Args(attrs...)...)
		return RefreshResult{Reason: "cycle already active"}
	}
	return m.beginGate(ctx, source, false)
}

func (m *Manager) resumeCycle(ctx context.Context) RefreshResult {
	if !m.status.TryBeginFetch() {
		return RefreshResult{Reason: "cycle already active"}
	}
	if err := m.status.Transition(syncstate.Reconciling); err != nil {
		m.recordError(err)
		return RefreshResult{Reason: err.Error()}
	}
	if m.files.Len() > 0 {
		m.enterQueuePhase(ctx, PhaseFiles)
	} else {
		m.enterQueuePhase(ctx, PhaseApps)
	}
	m.logger.Info("resuming interrupted cycle", logging.String(logging.FieldCycleID, m.cycleID))
	m.runNext(ctx)
	return RefreshResult{Started: true, Reason: "resumed"}
}

func (m *Manager) startFetch(ctx context.Context, source string) RefreshResult {
	if !m.status.TryBeginFetch() {
		return RefreshResult{Reason: "cycle already active"}
	}
	m.cycleID = uuid.NewString()
	m.runAfter = nil
	if err := m.store.SetRunAfter(ctx, nil); err != nil {
		m.recordError(err)
	}
	m.appsPlanned = false
	m.fetched = false
	m.setPhase(PhaseFetching)
	m.cycleLogger().Info("reconciliation cycle started",
		logging.String("source", source),
		logging.String(logging.FieldEventType, "cycle_started"),
	)
	m.spawnFetch(ctx)
	return RefreshResult{Started: true}
}

func (m *Manager) spawnFetch(ctx context.Context) {
	eps, err := m.store.Endpoints(ctx)
	if err != nil {
		m.abortCycle(err, PhaseAwaitingOperator)
		return
	}
	deviceID, err := m.store.DeviceID(ctx)
	if err != nil {
		m.abortCycle(err, PhaseAwaitingOperator)
		return
	}
	cycleID := m.cycleID
	m.spawn(ctx, "fetch", func(ctx context.Context) event {
		return fetchDone{cycleID: cycleID, result: m.deps.Fetcher.Fetch(ctx, eps, deviceID)}
	})
}

func (m *Manager) handleFetch(ctx context.Context, ev fetchDone) {
	log := m.cycleLogger()
	res := ev.result
	switch res.Outcome {
	case fetcher.Success:
		revision := res.Config.Revision()
		if err := m.store.SaveActiveConfig(ctx, res.Raw, revision); err != nil {
			m.abortCycle(err, PhaseAwaitingOperator)
			return
		}
		if err := m.store.SetFetchedCycle(ctx, m.cycleID); err != nil {
			m.abortCycle(err, PhaseAwaitingOperator)
			return
		}
		m.active = res.Config
		m.revision = revision
		m.fetched = true
		if err := m.status.Transition(syncstate.Reconciling); err != nil {
			m.abortCycle(err, PhaseAwaitingOperator)
			return
		}
		log.Info("configuration fetched",
			logging.String("endpoint", res.Endpoint),
			logging.String("revision", revision),
			logging.Int("applications", len(res.Config.Applications)),
			logging.Int("files", len(res.Config.Files)),
		)
		m.startMigration(ctx)
	case fetcher.NetworkError:
		if m.active == nil {
			m.abortCycle(res.Err, PhaseAwaitingOperator)
			m.background(ctx, "notify_fetch_failed", func(ctx context.Context) error {
				return m.deps.Notifier.NotifyError(ctx, res.Err, "configuration fetch")
			})
			return
		}
		logging.WarnWithContext(log, "configuration fetch failed; using cached configuration", "fetch_network_error",
			logging.Error(res.Err),
			logging.String("revision", m.revision),
			logging.String(logging.FieldImpact, "device reconciles against the last known configuration"),
			logging.String(logging.FieldErrorHint, "check connectivity to the authority"),
		)
		if err := m.status.Transition(syncstate.Reconciling); err != nil {
			m.abortCycle(err, PhaseAwaitingOperator)
			return
		}
		m.planFiles(ctx)
	case fetcher.AuthError:
		m.abortCycle(res.Err, PhaseAwaitingIdentity)
		logging.WarnWithContext(log, "authority rejected the device id", "fetch_auth_error",
			logging.Error(res.Err),
			logging.String(logging.FieldImpact, "reconciliation waits for a new device id"),
			logging.String(logging.FieldErrorHint, "run 'fleetagent device-id <id>'"),
		)
	}
}

func (m *Manager) startMigration(ctx context.Context) {
	target := m.active.NewServerURL
	if target == "" {
		m.planFiles(ctx)
		return
	}
	m.setPhase(PhaseMigration)
	eps, err := m.store.Endpoints(ctx)
	if err != nil {
		m.abortCycle(err, PhaseAwaitingOperator)
		return
	}
	deviceID, err := m.store.DeviceID(ctx)
	if err != nil {
		m.abortCycle(err, PhaseAwaitingOperator)
		return
	}
	cycleID := m.cycleID
	m.spawn(ctx, "migration", func(ctx context.Context) event {
		return migrationDone{cycleID: cycleID, decision: m.deps.Migrator.Resolve(ctx, target, eps, deviceID)}
	})
}

func (m *Manager) handleMigration(ctx context.Context, ev migrationDone) {
	if ev.decision.Action != migration.Switched {
		m.planFiles(ctx)
		return
	}
	if err := m.store.SetEndpoints(ctx, ev.decision.Endpoints); err != nil {
		m.abortCycle(err, PhaseAwaitingOperator)
		return
	}
	if err := m.status.Transition(syncstate.Fetching); err != nil {
		m.abortCycle(err, PhaseAwaitingOperator)
		return
	}
	m.cycleLogger().Info("authority endpoint switched; fetching again",
		logging.String("primary", ev.decision.Endpoints.Primary),
		logging.String("project", ev.decision.Endpoints.Project),
		logging.String(logging.FieldEventType, "endpoint_migrated"),
	)
	m.setPhase(PhaseFetching)
	m.spawnFetch(ctx)
}

func (m *Manager) planFiles(ctx context.Context) {
	m.enterQueuePhase(ctx, PhaseFiles)
	records, err := m.store.InstalledFiles(ctx)
	if err != nil {
		m.abortCycle(err, PhaseAwaitingOperator)
		return
	}
	paths := make([]string, 0, len(m.active.Files))
	for _, d := range m.active.Files {
		paths = append(paths, d.Identity())
	}
	root := m.deps.Executor.FilesRoot()
	workers := m.cfg.Workflow.DigestWorkers
	cycleID := m.cycleID
	m.spawn(ctx, "inspect", func(ctx context.Context) event {
		local, err := reconcile.Inspect(ctx, root, paths, workers)
		return inspectDone{cycleID: cycleID, records: records, local: local, err: err}
	})
}

func (m *Manager) handleInspect(ctx context.Context, ev inspectDone) {
	if ev.err != nil {
		m.abortCycle(fmt.Errorf("inspect provisioned files: %w", ev.err), PhaseAwaitingOperator)
		return
	}
	skipped, err := m.store.SkippedIdentities(ctx, state.QueueFiles, m.revision)
	if err != nil {
		m.abortCycle(err, PhaseAwaitingOperator)
		return
	}
	ops := reconcile.DiffFiles(m.active.Files, ev.records, ev.local, skipped)
	if err := m.files.Replace(ctx, ops); err != nil {
		m.abortCycle(err, PhaseAwaitingOperator)
		return
	}
	m.cycleLogger().Info("files queue planned",
		logging.Int("operations", len(ops)),
		logging.Int("skipped", len(skipped)),
	)
	m.publish()
	m.runNext(ctx)
}

func (m *Manager) planApps(ctx context.Context) {
	m.enterQueuePhase(ctx, PhaseApps)
	if m.appsPlanned {
		return
	}
	installed, err := m.deps.Host.InstalledPackages(ctx)
	if err != nil {
		m.abortCycle(fmt.Errorf("list installed packages: %w", err), PhaseAwaitingOperator)
		return
	}
	skipped, err := m.store.SkippedIdentities(ctx, state.QueueApps, m.revision)
	if err != nil {
		m.abortCycle(err, PhaseAwaitingOperator)
		return
	}
	ops := reconcile.DiffApps(m.active.Applications, installed, skipped)
	if err := m.apps.Replace(ctx, ops); err != nil {
		m.abortCycle(err, PhaseAwaitingOperator)
		return
	}
	m.appsPlanned = true
	m.cycleLogger().Info("applications queue planned",
		logging.Int("operations", len(ops)),
		logging.Int("skipped", len(skipped)),
	)
	m.publish()
}

func (m *Manager) enterQueuePhase(ctx context.Context, phase Phase) {
	m.setPhase(phase)
	if err := m.store.SetCyclePhase(ctx, string(phase), m.cycleID); err != nil {
		m.recordError(err)
	}
}

// abortCycle ends the active cycle without finishing it. Persisted queues
// stay in place so a later cycle or restart picks them up.
func (m *Manager) abortCycle(err error, next Phase) {
	if m.status.Current() != syncstate.Idle {
		if terr := m.status.Transition(syncstate.Idle); terr != nil {
			m.status.Reset()
		}
	}
	m.inFlight = nil
	m.recordError(err)
	m.setPhase(next)
	logging.ErrorWithContext(m.cycleLogger(), "reconciliation cycle aborted", "cycle_aborted",
		logging.Error(err),
		logging.String("next_phase", string(next)),
	)
}
