package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"fleetagent/internal/config"
	"fleetagent/internal/ipc"
	"fleetagent/internal/logging"
	"fleetagent/internal/state"
	"fleetagent/internal/version"
)

// ErrAlreadyRunning is returned when another agent holds the lock.
var ErrAlreadyRunning = errors.New("another fleetagent instance is already running")

// Workflow is the reconciliation flow the daemon hosts.
type Workflow interface {
	Controller
	Run(ctx context.Context) error
}

// Daemon coordinates the background services and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *state.Store
	workflow Workflow

	lock    *flock.Flock
	api     *apiServer
	netlink *netlinkMonitor

	running   atomic.Bool
	startedAt time.Time
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *state.Store, wf Workflow, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, and workflow")
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		workflow: wf,
		lock:     flock.New(cfg.LockPath()),
	}
	d.api = newAPIServer(cfg.Paths.SocketPath, wf, d.processStatus, logger)
	d.netlink = newNetlinkMonitor(cfg, logger, func(ctx context.Context, source string) error {
		_, err := wf.Refresh(ctx, source)
		return err
	})
	return d, nil
}

// Run holds the instance lock, serves the control API and runs the
// workflow until ctx is cancelled or the flow faults.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}
	defer d.running.Store(false)

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()

	d.startedAt = time.Now().UTC()
	if err := d.api.start(); err != nil {
		return fmt.Errorf("start api: %w", err)
	}
	defer d.api.stop()

	if err := d.netlink.Start(ctx); err != nil {
		return fmt.Errorf("start netlink monitor: %w", err)
	}
	defer d.netlink.Stop()

	d.logger.Info("fleetagent daemon started",
		logging.String("lock", d.cfg.LockPath()),
		logging.String("socket", d.cfg.Paths.SocketPath),
		logging.String("version", version.Version),
	)
	err = d.workflow.Run(ctx)
	d.logger.Info("fleetagent daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Running reports whether Run is active.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

func (d *Daemon) processStatus(ctx context.Context) ipc.StatusResponse {
	resp := ipc.StatusResponse{
		PID:       os.Getpid(),
		Version:   version.Version,
		LockPath:  d.cfg.LockPath(),
		DBPath:    d.store.Path(),
		StartedAt: d.startedAt,
	}
	if id, err := d.store.DeviceID(ctx); err == nil {
		resp.DeviceID = id
	}
	if ep, err := d.store.Endpoints(ctx); err == nil {
		resp.Endpoint = ep.Primary
	}
	if privileged, err := d.store.Privileged(ctx); err == nil {
		resp.Privileged = privileged
	}
	return resp
}
