// Package postsync runs the side effects that follow a completed
// reconciliation cycle: the one-shot device report, the periodic report
// registration, and the delayed launch of applications.
package postsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"fleetagent/internal/logging"
)

// Reporter sends one device-info report.
type Reporter interface {
	Send(ctx context.Context) error
}

// Launcher starts an installed application.
type Launcher interface {
	Launch(ctx context.Context, pkg string) error
}

// Options holds scheduler timings. Zero values fall back to defaults.
type Options struct {
	ReportInterval time.Duration
	Pause          time.Duration
	BootWindow     time.Duration
	ReportTries    uint
	RetryInitial   time.Duration
}

const (
	defaultReportInterval = 15 * time.Minute
	defaultPause          = 5 * time.Second
	defaultBootWindow     = 120 * time.Second
	defaultReportTries    = 5
	defaultRetryInitial   = 2 * time.Second
)

func (o Options) withDefaults() Options {
	if o.ReportInterval <= 0 {
		o.ReportInterval = defaultReportInterval
	}
	if o.Pause <= 0 {
		o.Pause = defaultPause
	}
	if o.BootWindow <= 0 {
		o.BootWindow = defaultBootWindow
	}
	if o.ReportTries == 0 {
		o.ReportTries = defaultReportTries
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = defaultRetryInitial
	}
	return o
}

// Scheduler owns the background jobs started after a cycle. Each job kind
// has a single slot; registering a job cancels the previous one of the same
// kind.
type Scheduler struct {
	reporter Reporter
	launcher Launcher
	opts     Options
	logger   *slog.Logger

	stopped context.Context
	stop    context.CancelFunc

	mu           sync.Mutex
	lastReported string
	periodic     context.CancelFunc
	runs         context.CancelFunc
	bootRuns     context.CancelFunc
	wg           sync.WaitGroup
}

// New constructs a Scheduler.
func New(reporter Reporter, launcher Launcher, opts Options, logger *slog.Logger) *Scheduler {
	stopped, stop := context.WithCancel(context.Background())
	return &Scheduler{
		reporter: reporter,
		launcher: launcher,
		opts:     opts.withDefaults(),
		logger:   logging.NewComponentLogger(logger, "postsync"),
		stopped:  stopped,
		stop:     stop,
	}
}

// AfterCycle runs the post-cycle side effects for cycleID. The immediate
// report is sent at most once per cycle id.
func (s *Scheduler) AfterCycle(ctx context.Context, cycleID string, runAfter []string) {
	s.mu.Lock()
	first := cycleID == "" || s.lastReported != cycleID
	if first {
		s.lastReported = cycleID
	}
	s.mu.Unlock()

	if first {
		s.spawn(func() { s.reportWithRetry(ctx, cycleID) })
	}
	s.RegisterPeriodic(ctx)
	if len(runAfter) > 0 {
		s.ScheduleRuns(ctx, runAfter)
	}
}

// RegisterPeriodic starts the periodic report, replacing any prior one.
func (s *Scheduler) RegisterPeriodic(ctx context.Context) {
	jobCtx := s.replace(ctx, &s.periodic)
	interval := s.opts.ReportInterval
	s.spawn(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := s.reporter.Send(jobCtx); err != nil && jobCtx.Err() == nil {
					logging.WarnWithContext(s.logger, "periodic device report failed", "report_failed",
						logging.Error(err),
						logging.String(logging.FieldImpact, "server sees stale device state until the next interval"),
					)
				}
			}
		}
	})
	s.logger.Debug("periodic report registered", logging.Duration("interval", interval))
}

// ScheduleRuns launches pkgs one after another, each after the configured
// pause. A new schedule cancels launches still pending from the previous one.
func (s *Scheduler) ScheduleRuns(ctx context.Context, pkgs []string) {
	jobCtx := s.replace(ctx, &s.runs)
	s.launchSequence(jobCtx, append([]string(nil), pkgs...), "run_after_install")
}

// ScheduleBootRuns launches pkgs only while uptime is inside the boot
// window. It reports whether the launches were scheduled.
func (s *Scheduler) ScheduleBootRuns(ctx context.Context, pkgs []string, uptime time.Duration) bool {
	if len(pkgs) == 0 {
		return false
	}
	if uptime >= s.opts.BootWindow {
		s.logger.Info("boot launches skipped",
			logging.Args(logging.DecisionAttrs("boot_runs", "skipped", "uptime outside boot window")...)...,
		)
		return false
	}
	jobCtx := s.replace(ctx, &s.bootRuns)
	s.launchSequence(jobCtx, append([]string(nil), pkgs...), "run_at_boot")
	return true
}

// Stop cancels every job and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, cancel := range []context.CancelFunc{s.periodic, s.runs, s.bootRuns} {
		if cancel != nil {
			cancel()
		}
	}
	s.periodic, s.runs, s.bootRuns = nil, nil, nil
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}

func (s *Scheduler) replace(ctx context.Context, slot *context.CancelFunc) context.Context {
	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if *slot != nil {
		(*slot)()
	}
	*slot = cancel
	s.mu.Unlock()
	return jobCtx
}

func (s *Scheduler) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Scheduler) launchSequence(ctx context.Context, pkgs []string, reason string) {
	pause := s.opts.Pause
	s.spawn(func() {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		for _, pkg := range pkgs {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if err := s.launcher.Launch(ctx, pkg); err != nil {
				logging.WarnWithContext(s.logger, "application launch failed", "launch_failed",
					logging.String("package", pkg),
					logging.String("reason", reason),
					logging.Error(err),
					logging.String(logging.FieldImpact, "application not started automatically"),
				)
			} else {
				s.logger.Info("application launched", logging.String("package", pkg), logging.String("reason", reason))
			}
			timer.Reset(pause)
		}
	})
}

func (s *Scheduler) reportWithRetry(ctx context.Context, cycleID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := context.AfterFunc(s.stopped, cancel)
	defer unregister()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.opts.RetryInitial
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.reporter.Send(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(s.opts.ReportTries),
	)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.WarnWithContext(s.logger, "device report after cycle failed", "report_failed",
			logging.String(logging.FieldCycleID, cycleID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "server learns the new state from the next periodic report"),
		)
		return
	}
	s.logger.Info("device report sent",
		logging.String(logging.FieldCycleID, cycleID),
		logging.String(logging.FieldEventType, "report_sent"),
	)
}
