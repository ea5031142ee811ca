// Package daemonrun assembles the agent's components and runs the daemon
// until a signal arrives.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"fleetagent/internal/config"
	"fleetagent/internal/daemon"
	"fleetagent/internal/logging"
	"fleetagent/internal/state"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the fleetagent daemon runtime loop.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", cfg.LogFilePath()},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.StateDir, "fleetagent.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := state.Open(cfg)
	if err != nil {
		logger.Error("open state store", logging.Error(err))
		return err
	}
	defer store.Close()

	rt := Build(cfg, store, logger)
	defer rt.Close()
	logSnapshot(logger, cfg)

	d, err := daemon.New(cfg, store, rt.Manager, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	err = d.Run(signalCtx)
	switch {
	case err == nil:
		logger.Info("fleetagent shutting down")
		return nil
	case errors.Is(err, daemon.ErrAlreadyRunning):
		return err
	default:
		logging.ErrorWithContext(logger, "daemon exited with error", "daemon_exit",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the service manager restarts the agent; repeated faults suspend reconciliation"),
		)
		return err
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("agent configuration",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("server", cfg.Server.BaseURL),
		logging.String("project", cfg.Server.Project),
		logging.String("privileged", cfg.Platform.Privileged),
		logging.Bool("kiosk_mandated", cfg.Agent.KioskMandated),
		logging.Bool("restart_helper", strings.TrimSpace(cfg.Agent.RestartHelper) != ""),
		logging.Bool("network_monitor", cfg.Workflow.NetworkMonitor),
		logging.Bool("notifications", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
		logging.String("state_dir", cfg.Paths.StateDir),
		logging.String("socket", cfg.Paths.SocketPath),
	)
}
