// Package crashloop suspends automatic reconciliation when the flow keeps
// faulting shortly after start.
package crashloop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleetagent/internal/logging"
)

// Store persists fault timestamps.
type Store interface {
	RecordFault(ctx context.Context, reason string) error
	CountFaultsSince(ctx context.Context, since time.Time) (int, error)
	ClearFaults(ctx context.Context) error
}

// Verdict is the start-up decision.
type Verdict struct {
	Suspended bool
	Faults    int
	Window    time.Duration
}

// Guard counts faults inside a sliding window.
type Guard struct {
	store     Store
	maxFaults int
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a Guard. More than maxFaults faults within window
// suspends the flow.
func New(store Store, maxFaults int, window time.Duration, logger *slog.Logger) *Guard {
	if maxFaults <= 0 {
		maxFaults = 3
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Guard{
		store:     store,
		maxFaults: maxFaults,
		window:    window,
		logger:    logging.NewComponentLogger(logger, "crashloop"),
		now:       time.Now,
	}
}

// Check evaluates the fault log at start-up.
func (g *Guard) Check(ctx context.Context) (Verdict, error) {
	count, err := g.store.CountFaultsSince(ctx, g.now().Add(-g.window))
	if err != nil {
		return Verdict{}, fmt.Errorf("count faults: %w", err)
	}
	v := Verdict{Faults: count, Window: g.window, Suspended: count > g.maxFaults}
	if v.Suspended {
		logging.WarnWithContext(g.logger, "crash loop detected; automatic reconciliation suspended", "crash_loop",
			logging.Int("faults", count),
			logging.Duration("window", g.window),
			logging.String(logging.FieldErrorHint, "inspect the log, then run 'fleetagent resume'"),
			logging.String(logging.FieldImpact, "device stays on its current state until resumed"),
			logging.Alert("crash_loop"),
		)
	}
	return v, nil
}

// Record logs one fault.
func (g *Guard) Record(ctx context.Context, reason string) error {
	return g.store.RecordFault(ctx, reason)
}

// Clear forgets past faults, used when the operator resumes.
func (g *Guard) Clear(ctx context.Context) error {
	return g.store.ClearFaults(ctx)
}
