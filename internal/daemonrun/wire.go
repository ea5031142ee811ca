package daemonrun

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"fleetagent/internal/capability"
	"fleetagent/internal/config"
	"fleetagent/internal/crashloop"
	"fleetagent/internal/escalation"
	"fleetagent/internal/fetcher"
	"fleetagent/internal/installer"
	"fleetagent/internal/logging"
	"fleetagent/internal/migration"
	"fleetagent/internal/notifications"
	"fleetagent/internal/platform"
	"fleetagent/internal/platform/hostexec"
	"fleetagent/internal/postsync"
	"fleetagent/internal/reconcile"
	"fleetagent/internal/reporter"
	"fleetagent/internal/services/mdmserver"
	"fleetagent/internal/state"
	"fleetagent/internal/transfer"
	"fleetagent/internal/workflow"
)

// Runtime holds the assembled components of one agent process.
type Runtime struct {
	Manager   *workflow.Manager
	Host      platform.Host
	Installer *installer.Installer
	Reporter  *reporter.Reporter
	PostSync  *postsync.Scheduler
}

// Close stops background jobs owned by the runtime.
func (r *Runtime) Close() {
	if r != nil && r.PostSync != nil {
		r.PostSync.Stop()
	}
}

// Build wires the reconciliation flow from configuration. The host and
// HTTP client are the only process-level side effects; everything else is
// plain construction.
func Build(cfg *config.Config, store *state.Store, logger *slog.Logger) *Runtime {
	return build(cfg, store, hostexec.New(cfg.Platform, logger), &http.Client{}, logger)
}

func build(cfg *config.Config, store *state.Store, host *hostexec.Host, httpClient *http.Client, logger *slog.Logger) *Runtime {
	notifier := notifications.NewService(cfg)

	client := mdmserver.New(httpClient, cfg.RequestTimeout())
	fetch := fetcher.New(client, logger)
	report := reporter.New(client, store, host, logger)

	inst := installer.New(host, logger, installer.WithObserver(installObserver(logger, notifier)))
	downloads := transfer.NewFromConfig(cfg, logger, transfer.WithHTTPClient(httpClient))
	exec := reconcile.NewExecutor(downloads, inst, cfg.Paths.FilesRoot, cfg.InstallTimeout(), logger)

	sched := postsync.New(report, host, postsync.Options{
		ReportInterval: cfg.ReportInterval(),
		Pause:          cfg.AutorunPause(),
		BootWindow:     cfg.BootWindow(),
	}, logger)

	deps := workflow.Dependencies{
		Host:      host,
		Gate:      capability.NewGate(store, host, nil, logger),
		Fetcher:   fetch,
		Migrator:  migration.New(fetch, logger),
		Executor:  exec,
		Installs:  inst,
		Escalator: escalation.New(host, report, logger),
		PostSync:  sched,
		RemoteLog: report,
		Guard:     crashloop.New(store, cfg.Workflow.CrashLoopMaxFaults, cfg.CrashLoopWindow(), logger),
		Notifier:  notifier,
	}
	// A nil *RestartHelper stored in the interface would not compare equal to nil.
	if helper := host.NewRestartHelper(cfg.Agent.RestartHelper); helper != nil {
		deps.RestartHelper = helper
	}

	return &Runtime{
		Manager:   workflow.NewManager(cfg, store, deps, logger),
		Host:      host,
		Installer: inst,
		Reporter:  report,
		PostSync:  sched,
	}
}

// installObserver logs every install status and tells the operator when a
// package waits on local approval.
func installObserver(logger *slog.Logger, notifier notifications.Service) installer.Observer {
	log := logging.NewComponentLogger(logger, "install-observer")
	return func(pkg, action string, st installer.Status) {
		attrs := []logging.Attr{
			logging.String(logging.FieldDirective, pkg),
			logging.String("action", action),
			logging.String("status", string(st.Code)),
		}
		switch st.Code {
		case installer.PendingUserAction:
			log.Info("package action awaits local approval", logging.Args(attrs...)...)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := notifier.NotifyDecisionRequired(ctx, pkg, action+" awaits approval on the device"); err != nil {
					log.Debug("approval notification failed", logging.Error(err))
				}
			}()
		case installer.Failure:
			attrs = append(attrs, logging.String("reason", st.Reason))
			log.Warn("package action failed", logging.Args(attrs...)...)
		default:
			log.Debug("package action status", logging.Args(attrs...)...)
		}
	}
}
