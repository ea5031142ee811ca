// Package escalation runs the privileged one-shot actions a configuration
// can request: factory reset, reboot and password reset.
//
// Steps run in that fixed order. Every present step is confirmed to the
// authority with the truthful outcome and the sequencer always advances to
// the next step, whether the action or its confirmation failed. Factory
// reset and reboot end the process, so they are confirmed before the action
// runs; the password reset is attempted first and confirmed afterwards.
package escalation

import (
	"context"
	"errors"
	"log/slog"

	"fleetagent/internal/logging"
	"fleetagent/internal/platform"
	"fleetagent/internal/services"
	"fleetagent/internal/services/mdmserver"
)

// Directives lists the escalation requests from one configuration.
type Directives struct {
	FactoryReset  bool
	Reboot        bool
	PasswordReset string
}

// Confirmer delivers a step outcome to the authority.
type Confirmer interface {
	Confirm(ctx context.Context, action string, outcome mdmserver.EscalationOutcome) error
}

// StepResult describes one executed step.
type StepResult struct {
	Action     string
	Attempted  bool
	Success    bool
	Confirmed  bool
	Err        error
	ConfirmErr error
}

// Sequencer runs escalation steps.
type Sequencer struct {
	host      platform.Host
	confirmer Confirmer
	logger    *slog.Logger
}

// New constructs a Sequencer.
func New(host platform.Host, confirmer Confirmer, logger *slog.Logger) *Sequencer {
	return &Sequencer{host: host, confirmer: confirmer, logger: logging.NewComponentLogger(logger, "escalation")}
}

// Run executes the requested steps in order and returns one result per
// present step.
func (s *Sequencer) Run(ctx context.Context, d Directives) []StepResult {
	var results []StepResult
	if d.FactoryReset {
		results = append(results, s.confirmThenAct(ctx, mdmserver.ConfirmReset, s.host.FactoryReset))
	}
	if d.Reboot {
		results = append(results, s.confirmThenAct(ctx, mdmserver.ConfirmReboot, s.host.Reboot))
	}
	if d.PasswordReset != "" {
		results = append(results, s.actThenConfirm(ctx, mdmserver.ConfirmPassword, func(ctx context.Context) error {
			return s.host.SetPassword(ctx, d.PasswordReset)
		}))
	}
	return results
}

func (s *Sequencer) privileged(ctx context.Context) bool {
	ok, err := s.host.Privileged(ctx)
	if err != nil {
		logging.WarnWithContext(s.logger, "privilege check failed", "privilege_check_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "escalation treated as unprivileged"),
		)
		return false
	}
	return ok
}

func (s *Sequencer) confirmThenAct(ctx context.Context, action string, act func(context.Context) error) StepResult {
	res := StepResult{Action: action}
	if !s.privileged(ctx) {
		res.Err = services.Wrap(services.ErrPrivilegeMissing, "escalation", action, "device is not privileged", nil)
		s.confirm(ctx, &res)
		return res
	}
	// The outcome of reset and reboot is unknown when the server hears
	// about them: the confirmation carries attempted=true, success=false.
	res.Attempted = true
	s.confirm(ctx, &res)
	if !res.Confirmed {
		res.Err = services.Wrap(services.ErrNetwork, "escalation", action, "not performed without server confirmation", res.ConfirmErr)
		return res
	}
	s.logger.Info("escalation action starting",
		logging.String("action", action),
		logging.String(logging.FieldEventType, "escalation_start"),
	)
	if err := act(ctx); err != nil {
		res.Err = err
		logging.ErrorWithContext(s.logger, "escalation action failed", "escalation_failed",
			logging.String("action", action),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "server was told the action was attempted; check the device"),
		)
		return res
	}
	res.Success = true
	return res
}

func (s *Sequencer) actThenConfirm(ctx context.Context, action string, act func(context.Context) error) StepResult {
	res := StepResult{Action: action}
	if !s.privileged(ctx) {
		res.Err = services.Wrap(services.ErrPrivilegeMissing, "escalation", action, "device is not privileged", nil)
	} else {
		res.Attempted = true
		if err := act(ctx); err != nil {
			res.Err = err
		} else {
			res.Success = true
		}
	}
	s.confirm(ctx, &res)
	return res
}

func (s *Sequencer) confirm(ctx context.Context, res *StepResult) {
	outcome := mdmserver.EscalationOutcome{Action: res.Action, Attempted: res.Attempted, Success: res.Success}
	if res.Err != nil {
		outcome.Error = res.Err.Error()
		if errors.Is(res.Err, services.ErrPrivilegeMissing) {
			outcome.Error = "privilege missing"
		}
	}
	if s.confirmer == nil {
		res.ConfirmErr = errors.New("no confirmer configured")
	} else {
		res.ConfirmErr = s.confirmer.Confirm(ctx, res.Action, outcome)
	}
	res.Confirmed = res.ConfirmErr == nil
	if res.ConfirmErr != nil {
		logging.WarnWithContext(s.logger, "escalation confirmation failed", "escalation_confirm_failed",
			logging.String("action", res.Action),
			logging.Error(res.ConfirmErr),
			logging.String(logging.FieldImpact, "server not informed of the escalation outcome"),
		)
		return
	}
	s.logger.Info("escalation confirmed",
		logging.String("action", res.Action),
		logging.Bool("success", res.Success),
		logging.String(logging.FieldEventType, "escalation_confirmed"),
	)
}
