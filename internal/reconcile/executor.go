package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"fleetagent/internal/fileutil"
	"fleetagent/internal/installer"
	"fleetagent/internal/logging"
	"fleetagent/internal/services"
	"fleetagent/internal/state"
	"fleetagent/internal/transfer"
)

// Downloader fetches a source locator into a local artifact.
type Downloader interface {
	Download(ctx context.Context, locator string, progress transfer.ProgressFunc) (transfer.Artifact, error)
}

// PackageInstaller starts package actions and returns their completion futures.
type PackageInstaller interface {
	Install(ctx context.Context, pkg, artifact string) (*installer.Pending, error)
	InstallFromStore(ctx context.Context, pkg, ref string) (*installer.Pending, error)
	Uninstall(ctx context.Context, pkg string) (*installer.Pending, error)
	Abandon(p *installer.Pending, reason string)
}

// Outcome is the result of executing one operation. Record is set after a
// successful file install.
type Outcome struct {
	Op     Operation
	Err    error
	Record *state.InstalledFile
}

// Succeeded reports whether the operation completed.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Executor runs single operations against the filesystem and the installer.
type Executor struct {
	downloader     Downloader
	installer      PackageInstaller
	filesRoot      string
	installTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewExecutor constructs an executor rooted at filesRoot. A zero
// installTimeout waits for completion until ctx ends.
func NewExecutor(downloader Downloader, inst PackageInstaller, filesRoot string, installTimeout time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		downloader:     downloader,
		installer:      inst,
		filesRoot:      filesRoot,
		installTimeout: installTimeout,
		logger:         logging.NewComponentLogger(logger, "executor"),
		now:            time.Now,
	}
}

// FilesRoot returns the directory provisioned files are written under.
func (e *Executor) FilesRoot() string { return e.filesRoot }

// Execute runs op and reports the outcome. Panics inside the operation are
// converted into a failed outcome.
func (e *Executor) Execute(ctx context.Context, op Operation, progress transfer.ProgressFunc) (out Outcome) {
	out.Op = op
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("operation panicked",
				logging.String(logging.FieldDirective, op.Identity()),
				logging.String("panic", fmt.Sprint(r)),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldEventType, "operation_panic"),
			)
			out.Record = nil
			out.Err = fmt.Errorf("%s panicked: %v", op, r)
		}
	}()

	switch op.Kind {
	case InstallFile:
		out.Record, out.Err = e.installFile(ctx, op, progress)
	case RemoveFile:
		out.Err = e.removeFile(op)
	case InstallApp:
		out.Err = e.installApp(ctx, op, progress)
	case RemoveApp:
		out.Err = e.removeApp(ctx, op)
	default:
		out.Err = services.Wrap(services.ErrValidation, "executor", "execute", fmt.Sprintf("unknown operation kind %q", op.Kind), nil)
	}
	return out
}

func (e *Executor) installFile(ctx context.Context, op Operation, progress transfer.ProgressFunc) (*state.InstalledFile, error) {
	d := op.File
	target, err := ResolvePath(e.filesRoot, d.Identity())
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "executor", "install file", d.Path, err)
	}
	artifact, err := e.downloader.Download(ctx, d.URL, progress)
	if err != nil {
		return nil, err
	}
	if err := fileutil.MoveIntoPlace(artifact.Path, target); err != nil {
		_ = fileutil.RemoveIfExists(artifact.Path)
		return nil, services.Wrap(services.ErrTransfer, "executor", "install file", "move into place", err)
	}
	e.logger.Info("file installed",
		logging.String(logging.FieldDirective, d.Identity()),
		logging.Int64("size", artifact.Size),
		logging.String(logging.FieldEventType, "file_installed"),
	)
	return &state.InstalledFile{
		Path:        d.Identity(),
		URL:         d.URL,
		Checksum:    d.Checksum,
		LastUpdate:  d.LastUpdate,
		Digest:      artifact.Digest,
		Size:        artifact.Size,
		InstalledAt: e.now().UTC(),
	}, nil
}

func (e *Executor) removeFile(op Operation) error {
	target, err := ResolvePath(e.filesRoot, op.File.Identity())
	if err != nil {
		return services.Wrap(services.ErrValidation, "executor", "remove file", op.File.Path, err)
	}
	if err := fileutil.RemoveIfExists(target); err != nil {
		return fmt.Errorf("remove %s: %w", op.File.Identity(), err)
	}
	e.logger.Info("file removed",
		logging.String(logging.FieldDirective, op.File.Identity()),
		logging.String(logging.FieldEventType, "file_removed"),
	)
	return nil
}

func (e *Executor) installApp(ctx context.Context, op Operation, progress transfer.ProgressFunc) error {
	d := op.App
	pkg := d.Identity()
	var (
		pending *installer.Pending
		err     error
	)
	if d.FromStore() {
		pending, err = e.installer.InstallFromStore(ctx, pkg, d.StoreRef())
	} else {
		var artifact transfer.Artifact
		artifact, err = e.downloader.Download(ctx, d.URL, progress)
		if err != nil {
			return err
		}
		defer func() { _ = fileutil.RemoveIfExists(artifact.Path) }()
		pending, err = e.installer.Install(ctx, pkg, artifact.Path)
	}
	if err != nil {
		return err
	}
	return e.await(ctx, pending)
}

func (e *Executor) removeApp(ctx context.Context, op Operation) error {
	pending, err := e.installer.Uninstall(ctx, op.App.Identity())
	if err != nil {
		return err
	}
	return e.await(ctx, pending)
}

func (e *Executor) await(ctx context.Context, pending *installer.Pending) error {
	waitCtx := ctx
	if e.installTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.installTimeout)
		defer cancel()
	}
	st, err := pending.Wait(waitCtx)
	if err != nil {
		e.installer.Abandon(pending, "no completion: "+err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			return services.Wrap(services.ErrTimeout, "executor", pending.Action, pending.Package, err)
		}
		return err
	}
	if st.Code != installer.Success {
		return services.Wrap(services.ErrInstall, "executor", pending.Action, pending.Package, errors.New(st.Reason))
	}
	return nil
}
