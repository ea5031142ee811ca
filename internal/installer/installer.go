// Package installer performs package installs and removals through the host
// and delivers their completion as futures.
//
// In privileged mode actions run silently and the installed package is
// granted its runtime capabilities. In consent mode the local user approves
// each action first; the future reports pending-user-action until then.
// Completion may also arrive out of band through Complete, which is how the
// local API callback resolves an action the host finishes asynchronously.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"fleetagent/internal/logging"
	"fleetagent/internal/platform"
	"fleetagent/internal/services"
)

// Mode selects how actions are authorized.
type Mode string

const (
	Privileged Mode = "privileged"
	Consent    Mode = "consent"
)

// Action names.
const (
	ActionInstall   = "install"
	ActionUninstall = "uninstall"
)

// Observer is told about every status report, terminal or not.
type Observer func(pkg, action string, st Status)

// Installer tracks in-flight actions per package.
type Installer struct {
	host     platform.Host
	mode     func(ctx context.Context) Mode
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*Pending
}

// Option configures an Installer.
type Option func(*Installer)

// WithObserver registers a status observer.
func WithObserver(obs Observer) Option {
	return func(i *Installer) {
		i.observer = obs
	}
}

// WithMode fixes the authorization mode instead of asking the host.
func WithMode(mode Mode) Option {
	return func(i *Installer) {
		i.mode = func(context.Context) Mode { return mode }
	}
}

// New constructs an installer. By default the mode follows host privilege.
func New(host platform.Host, logger *slog.Logger, opts ...Option) *Installer {
	i := &Installer{
		host:    host,
		logger:  logging.NewComponentLogger(logger, "installer"),
		pending: make(map[string]*Pending),
	}
	i.mode = func(ctx context.Context) Mode {
		privileged, err := host.Privileged(ctx)
		if err == nil && privileged {
			return Privileged
		}
		return Consent
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Install installs artifact as pkg.
func (i *Installer) Install(ctx context.Context, pkg, artifact string) (*Pending, error) {
	return i.start(ctx, pkg, ActionInstall, func(ctx context.Context) error {
		return i.host.InstallPackage(ctx, pkg, artifact)
	})
}

// InstallFromStore installs pkg from a package repository reference.
func (i *Installer) InstallFromStore(ctx context.Context, pkg, ref string) (*Pending, error) {
	return i.start(ctx, pkg, ActionInstall, func(ctx context.Context) error {
		return i.host.InstallFromStore(ctx, pkg, ref)
	})
}

// Uninstall removes pkg.
func (i *Installer) Uninstall(ctx context.Context, pkg string) (*Pending, error) {
	return i.start(ctx, pkg, ActionUninstall, func(ctx context.Context) error {
		return i.host.UninstallPackage(ctx, pkg)
	})
}

func (i *Installer) start(ctx context.Context, pkg, action string, run func(context.Context) error) (*Pending, error) {
	i.mu.Lock()
	if _, busy := i.pending[pkg]; busy {
		i.mu.Unlock()
		return nil, services.Wrap(services.ErrInstall, "installer", action, fmt.Sprintf("%s already has an action in flight", pkg), nil)
	}
	actionCtx, cancel := context.WithCancel(ctx)
	p := newPending(pkg, action, cancel)
	i.pending[pkg] = p
	i.mu.Unlock()

	mode := i.mode(ctx)
	go i.perform(actionCtx, p, mode, run)
	return p, nil
}

// Abandon gives up on p: its host command is cancelled, p fails with
// reason, and pkg is free for a new action. Reports arriving afterwards
// are ignored.
func (i *Installer) Abandon(p *Pending, reason string) {
	p.cancel()
	i.deliver(p, Status{Code: Failure, Reason: reason})
}

func (i *Installer) perform(ctx context.Context, p *Pending, mode Mode, run func(context.Context) error) {
	defer p.cancel()
	log := i.logger.With(logging.String("package", p.Package), logging.String("action", p.Action), logging.String("mode", string(mode)))

	if mode == Consent {
		i.deliver(p, Status{Code: PendingUserAction})
		if err := i.host.RequestConsent(ctx, p.Package, p.Action); err != nil {
			i.deliver(p, Status{Code: Failure, Reason: "not approved: " + err.Error()})
			return
		}
	}
	if err := run(ctx); err != nil {
		i.deliver(p, Status{Code: Failure, Reason: err.Error()})
		return
	}
	if mode == Privileged && p.Action == ActionInstall {
		if err := i.host.GrantPermissions(ctx, p.Package); err != nil {
			logging.WarnWithContext(log, "granting runtime capabilities failed", "grant_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "package installed without its runtime capabilities"),
			)
		}
	}
	i.deliver(p, Status{Code: Success})
}

// Complete reports a status for the in-flight action on pkg. It returns
// ErrNotFound when nothing is in flight for pkg.
func (i *Installer) Complete(pkg string, st Status) error {
	i.mu.Lock()
	p, ok := i.pending[pkg]
	i.mu.Unlock()
	if !ok {
		return services.Wrap(services.ErrNotFound, "installer", "complete", fmt.Sprintf("no action in flight for %s", pkg), nil)
	}
	switch st.Code {
	case PendingUserAction, Success, Failure:
	default:
		return services.Wrap(services.ErrValidation, "installer", "complete", fmt.Sprintf("unknown status %q", st.Code), nil)
	}
	i.deliver(p, st)
	return nil
}

func (i *Installer) deliver(p *Pending, st Status) {
	if !p.report(st) {
		return
	}
	if st.Terminal() {
		i.mu.Lock()
		if i.pending[p.Package] == p {
			delete(i.pending, p.Package)
		}
		i.mu.Unlock()
	}
	i.logger.Info("install status",
		logging.String("package", p.Package),
		logging.String("action", p.Action),
		logging.String("status", string(st.Code)),
		logging.String("reason", st.Reason),
	)
	if i.observer != nil {
		i.observer(p.Package, p.Action, st)
	}
}
