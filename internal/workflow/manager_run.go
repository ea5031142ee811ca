package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"fleetagent/internal/logging"
	"fleetagent/internal/services"
)

// Run drives the flow until ctx ends. It returns an error wrapping ErrFault
// when the flow panicked; the fault is recorded for the crash-loop guard.
func (m *Manager) Run(ctx context.Context) (err error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	m.running = true
	m.snapshot.Running = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		m.wg.Wait()
		if m.deps.PostSync != nil {
			m.deps.PostSync.Stop()
		}
		m.mu.Lock()
		m.running = false
		m.snapshot.Running = false
		m.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = m.fault("flow", r)
		}
	}()

	m.startup(runCtx)

	var tick <-chan time.Time
	if interval := m.cfg.RefreshInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-runCtx.Done():
			m.logger.Info("workflow stopping", logging.String("phase", string(m.phase)))
			return nil
		case <-tick:
			m.handle(runCtx, refreshTick{})
		case ev := <-m.events:
			if fault, ok := ev.(workerFault); ok {
				return m.fault(fault.name, fault.panic)
			}
			m.handle(runCtx, ev)
		}
	}
}

func (m *Manager) fault(name string, r any) error {
	logging.ErrorWithContext(m.logger, "reconciliation flow panicked", "flow_fault",
		logging.String("worker", name),
		logging.String("panic", fmt.Sprint(r)),
		logging.String("stack", string(debug.Stack())),
		logging.String(logging.FieldErrorHint, "the daemon exits; repeated faults suspend reconciliation"),
		logging.Alert("flow_fault"),
	)
	if m.deps.Guard != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.deps.Guard.Record(ctx, fmt.Sprintf("%s: %v", name, r)); err != nil {
			m.logger.Error("recording fault failed", logging.Error(err))
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrFault, name, r)
}

func (m *Manager) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case command:
		m.handleCommand(ctx, e)
	case refreshTick:
		m.handleTick(ctx)
	case fetchDone:
		if e.cycleID == m.cycleID {
			m.handleFetch(ctx, e)
		}
	case migrationDone:
		if e.cycleID == m.cycleID {
			m.handleMigration(ctx, e)
		}
	case inspectDone:
		if e.cycleID == m.cycleID {
			m.handleInspect(ctx, e)
		}
	case operationDone:
		if e.cycleID == m.cycleID {
			m.handleOperation(ctx, e)
		}
	case escalationDone:
		if e.cycleID == m.cycleID {
			m.handleEscalation(ctx, e)
		}
	}
}

// spawn runs fn on a worker goroutine and posts its event back to the loop.
// A nil event posts nothing.
func (m *Manager) spawn(ctx context.Context, name string, fn func(context.Context) event) {
	workerCtx := services.WithPhase(services.WithCycleID(ctx, m.cycleID), string(m.phase))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.post(ctx, workerFault{name: name, panic: r})
			}
		}()
		if ev := fn(workerCtx); ev != nil {
			m.post(ctx, ev)
		}
	}()
}

func (m *Manager) post(ctx context.Context, ev event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// background runs a best-effort side effect, such as a notification, off
// the loop goroutine.
func (m *Manager) background(ctx context.Context, name string, fn func(context.Context) error) {
	m.spawn(ctx, name, func(ctx context.Context) event {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("background task failed",
				logging.String("task", name),
				logging.Error(err),
				logging.String(logging.FieldEventType, "background_failed"),
				logging.String(logging.FieldImpact, "side effect skipped"),
				logging.String(logging.FieldErrorHint, "check network connectivity"),
			)
		}
		return nil
	})
}

func (m *Manager) handleTick(ctx context.Context) {
	switch m.phase {
	case PhaseSuspended, PhaseAwaitingIdentity:
		return
	}
	res := m.refresh(ctx, "timer")
	if !res.Started {
		m.logger.Debug("periodic refresh skipped", logging.String("reason", res.Reason))
	}
}
