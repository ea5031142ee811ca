// Package capability resolves the one-time device capability checklist that
// gates the reconciliation flow.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"fleetagent/internal/logging"
	"fleetagent/internal/platform"
	"fleetagent/internal/services"
	"fleetagent/internal/state"
)

// Capability names.
const (
	VendorPermissions  = "vendor.permissions"
	VendorDeveloper    = "vendor.developer"
	VendorOptimization = "vendor.optimization"
	UnknownSources     = "unknown_sources"
	Administrator      = "administrator"
	Overlay            = "overlay"
	UsageStats         = "usage_stats"
	Accessibility      = "accessibility"
)

// quirkVendors lists vendors whose devices need the extra settings screens.
var quirkVendors = []string{"miui"}

// Requirement is one entry of the ordered checklist.
type Requirement struct {
	Capability string
	// Applies filters the requirement by host vendor; nil means always.
	Applies func(vendor string) bool
	// ImplicitWhenPrivileged marks the capability granted without asking
	// when the agent runs privileged.
	ImplicitWhenPrivileged bool
	// Requires lists capabilities that must be granted first; otherwise
	// this one is declined without prompting.
	Requires []string
	// SupersededBy names a capability whose grant makes this one unnecessary.
	SupersededBy string
}

func vendorQuirk(vendor string) bool {
	return slices.Contains(quirkVendors, vendor)
}

// DefaultRequirements returns the checklist in resolution order.
func DefaultRequirements() []Requirement {
	return []Requirement{
		{Capability: VendorPermissions, Applies: vendorQuirk},
		{Capability: VendorDeveloper, Applies: vendorQuirk},
		{Capability: VendorOptimization, Applies: vendorQuirk},
		{Capability: UnknownSources, ImplicitWhenPrivileged: true},
		{Capability: Administrator, ImplicitWhenPrivileged: true},
		{Capability: Overlay, ImplicitWhenPrivileged: true},
		{Capability: UsageStats},
		{Capability: Accessibility, SupersededBy: UsageStats},
	}
}

// Outcome of a ResolveNext pass.
type Outcome string

const (
	AllResolved       Outcome = "all_resolved"
	PendingUserAction Outcome = "pending_user_action"
)

// Result reports the gate outcome. Capability names the prompted capability
// when the outcome is PendingUserAction.
type Result struct {
	Outcome    Outcome
	Capability string
	Privileged bool
}

// Store is the persistence the gate needs.
type Store interface {
	Capability(ctx context.Context, name string) (state.CapabilityRecord, error)
	SetCapability(ctx context.Context, name string, st state.CapabilityState) error
	MarkPrompted(ctx context.Context, name string) error
	SetPrivileged(ctx context.Context, privileged bool) error
}

// Gate walks the requirement list.
type Gate struct {
	store  Store
	host   platform.Host
	reqs   []Requirement
	logger *slog.Logger
}

// NewGate constructs a gate over reqs; nil reqs selects DefaultRequirements.
func NewGate(store Store, host platform.Host, reqs []Requirement, logger *slog.Logger) *Gate {
	if reqs == nil {
		reqs = DefaultRequirements()
	}
	return &Gate{
		store:  store,
		host:   host,
		reqs:   reqs,
		logger: logging.NewComponentLogger(logger, "capability-gate"),
	}
}

// Requirements returns the requirements that apply to this host.
func (g *Gate) Requirements() []Requirement {
	vendor := g.host.Vendor()
	applicable := make([]Requirement, 0, len(g.reqs))
	for _, req := range g.reqs {
		if req.Applies == nil || req.Applies(vendor) {
			applicable = append(applicable, req)
		}
	}
	return applicable
}

// ResolveNext walks the checklist from the top. Resolved capabilities are
// skipped; the first one that needs the user is prompted and the pass stops.
// A capability that was prompted before and is still not granted is declined.
func (g *Gate) ResolveNext(ctx context.Context) (Result, error) {
	privileged, err := g.host.Privileged(ctx)
	if err != nil {
		logging.WarnWithContext(g.logger, "privilege detection failed", "privilege_detection_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "continuing as unprivileged"),
		)
		privileged = false
	}
	if err := g.store.SetPrivileged(ctx, privileged); err != nil {
		return Result{}, err
	}

	for _, req := range g.Requirements() {
		rec, err := g.store.Capability(ctx, req.Capability)
		if err != nil {
			return Result{}, err
		}
		if rec.State.Resolved() {
			continue
		}
		log := g.logger.With(logging.String(logging.FieldCapability, req.Capability))

		if req.ImplicitWhenPrivileged && privileged {
			if err := g.resolve(ctx, log, req.Capability, state.CapabilityGranted, "implicit_privileged"); err != nil {
				return Result{}, err
			}
			continue
		}
		if req.SupersededBy != "" {
			other, err := g.store.Capability(ctx, req.SupersededBy)
			if err != nil {
				return Result{}, err
			}
			if other.State == state.CapabilityGranted {
				if err := g.resolve(ctx, log, req.Capability, state.CapabilityDeclined, "superseded"); err != nil {
					return Result{}, err
				}
				continue
			}
		}
		if missing, err := g.missingDependency(ctx, req); err != nil {
			return Result{}, err
		} else if missing != "" {
			if err := g.resolve(ctx, log, req.Capability, state.CapabilityDeclined, "requires "+missing); err != nil {
				return Result{}, err
			}
			continue
		}

		granted, err := g.host.CheckCapability(ctx, req.Capability)
		if err != nil {
			logging.WarnWithContext(log, "capability check failed", "capability_check_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "capability treated as not granted"),
				logging.String(logging.FieldErrorHint, "verify platform.capabilities check command"),
			)
		}
		if granted {
			if err := g.resolve(ctx, log, req.Capability, state.CapabilityGranted, "already_granted"); err != nil {
				return Result{}, err
			}
			continue
		}
		if rec.Prompted() {
			if err := g.resolve(ctx, log, req.Capability, state.CapabilityDeclined, "not_granted_after_prompt"); err != nil {
				return Result{}, err
			}
			continue
		}

		if err := g.store.MarkPrompted(ctx, req.Capability); err != nil {
			return Result{}, err
		}
		if err := g.host.PromptCapability(ctx, req.Capability); err != nil {
			logging.WarnWithContext(log, "capability prompt failed", "capability_prompt_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "capability declined"),
				logging.String(logging.FieldErrorHint, "configure platform.capabilities prompt command"),
			)
			if err := g.resolve(ctx, log, req.Capability, state.CapabilityDeclined, "prompt_failed"); err != nil {
				return Result{}, err
			}
			continue
		}
		log.Info("capability prompt issued", logging.String(logging.FieldEventType, "capability_prompted"))
		return Result{Outcome: PendingUserAction, Capability: req.Capability, Privileged: privileged}, nil
	}
	return Result{Outcome: AllResolved, Privileged: privileged}, nil
}

func (g *Gate) missingDependency(ctx context.Context, req Requirement) (string, error) {
	for _, dep := range req.Requires {
		rec, err := g.store.Capability(ctx, dep)
		if err != nil {
			return "", err
		}
		if rec.State != state.CapabilityGranted {
			return dep, nil
		}
	}
	return "", nil
}

func (g *Gate) resolve(ctx context.Context, log *slog.Logger, name string, st state.CapabilityState, reason string) error {
	if err := g.store.SetCapability(ctx, name, st); err != nil {
		return err
	}
	log.Info("capability resolved", logging.Args(logging.DecisionAttrs("capability", string(st), reason)...)...)
	return nil
}

// Decline records an operator decline for name. The capability must belong
// to the checklist.
func (g *Gate) Decline(ctx context.Context, name string) error {
	known := slices.ContainsFunc(g.reqs, func(r Requirement) bool { return r.Capability == name })
	if !known {
		return services.Wrap(services.ErrNotFound, "capability", "decline", fmt.Sprintf("unknown capability %q", name), nil)
	}
	return g.resolve(ctx, g.logger.With(logging.String(logging.FieldCapability, name)), name, state.CapabilityDeclined, "operator_declined")
}

// Statuses returns the current record for every applicable requirement, in
// checklist order.
func (g *Gate) Statuses(ctx context.Context) ([]state.CapabilityRecord, error) {
	reqs := g.Requirements()
	out := make([]state.CapabilityRecord, 0, len(reqs))
	for _, req := range reqs {
		rec, err := g.store.Capability(ctx, req.Capability)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
