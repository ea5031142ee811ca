package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleetagent/internal/capability"
	"fleetagent/internal/config"
	"fleetagent/internal/crashloop"
	"fleetagent/internal/desired"
	"fleetagent/internal/escalation"
	"fleetagent/internal/fetcher"
	"fleetagent/internal/installer"
	"fleetagent/internal/logging"
	"fleetagent/internal/migration"
	"fleetagent/internal/notifications"
	"fleetagent/internal/platform"
	"fleetagent/internal/reconcile"
	"fleetagent/internal/selfupdate"
	"fleetagent/internal/state"
	"fleetagent/internal/syncstate"
	"fleetagent/internal/transfer"
)

// ConfigFetcher fetches the desired configuration with endpoint fallback.
type ConfigFetcher interface {
	Fetch(ctx context.Context, eps state.Endpoints, deviceID string) fetcher.Result
}

// MigrationResolver decides whether to switch authority endpoints.
type MigrationResolver interface {
	Resolve(ctx context.Context, target string, current state.Endpoints, deviceID string) migration.Decision
}

// OperationExecutor runs one queued operation.
type OperationExecutor interface {
	Execute(ctx context.Context, op reconcile.Operation, progress transfer.ProgressFunc) reconcile.Outcome
	FilesRoot() string
}

// EscalationRunner runs escalation steps.
type EscalationRunner interface {
	Run(ctx context.Context, d escalation.Directives) []escalation.StepResult
}

// PostSync schedules the side effects after a cycle.
type PostSync interface {
	AfterCycle(ctx context.Context, cycleID string, runAfter []string)
	ScheduleBootRuns(ctx context.Context, pkgs []string, uptime time.Duration) bool
	Stop()
}

// RemoteLogger sends log lines to the authority.
type RemoteLogger interface {
	Log(ctx context.Context, level, pkg, message string) error
}

// InstallCompleter resolves install futures out of band.
type InstallCompleter interface {
	Complete(pkg string, st installer.Status) error
}

// Dependencies bundles the collaborators the manager orchestrates.
type Dependencies struct {
	Host          platform.Host
	Gate          *capability.Gate
	Fetcher       ConfigFetcher
	Migrator      MigrationResolver
	Executor      OperationExecutor
	Installs      InstallCompleter
	Escalator     EscalationRunner
	PostSync      PostSync
	RemoteLog     RemoteLogger
	Guard         *crashloop.Guard
	Notifier      notifications.Service
	RestartHelper selfupdate.Helper
}

// Manager owns the reconciliation flow.
type Manager struct {
	cfg    *config.Config
	store  *state.Store
	deps   Dependencies
	logger *slog.Logger
	status *syncstate.Machine
	now    func() time.Time

	events chan event
	wg     sync.WaitGroup

	// Owned by the loop goroutine.
	phase             Phase
	cycleID           string
	active            *desired.Config
	revision          string
	files             *reconcile.WorkQueue
	apps              *reconcile.WorkQueue
	appsPlanned       bool
	fetched           bool
	inFlight          *reconcile.Operation
	deferredResume    bool
	decision          *Decision
	pendingCapability string
	runAfter          []string
	bootRunsDone      bool
	selfUpdate        *selfupdate.Record

	// Published snapshot for readers outside the loop.
	mu       sync.RWMutex
	running  bool
	snapshot StatusSummary
	queued   []QueueEntry
}

// NewManager constructs a manager. Run starts the flow.
func NewManager(cfg *config.Config, store *state.Store, deps Dependencies, logger *slog.Logger) *Manager {
	if deps.Notifier == nil {
		deps.Notifier = notifications.NewService(nil)
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		deps:   deps,
		logger: logging.NewComponentLogger(logger, "workflow"),
		status: syncstate.New(),
		now:    time.Now,
		events: make(chan event, 64),
		phase:  PhaseStarting,
	}
	m.files = reconcile.NewWorkQueue(state.QueueFiles, store)
	m.apps = reconcile.NewWorkQueue(state.QueueApps, store)
	m.snapshot = StatusSummary{Phase: PhaseStarting, Sync: syncstate.Idle}
	return m
}

// SyncStatus exposes the reconciliation state machine.
func (m *Manager) SyncStatus() syncstate.Status {
	return m.status.Current()
}
