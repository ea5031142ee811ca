// Package migration switches the authority endpoint pair when the desired
// configuration names a new server and the new server proves it can serve
// this device.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"fleetagent/internal/fetcher"
	"fleetagent/internal/logging"
	"fleetagent/internal/services"
	"fleetagent/internal/services/mdmserver"
	"fleetagent/internal/state"
)

// Action taken by the resolver.
type Action string

const (
	None     Action = "none"
	Switched Action = "switched"
	Skipped  Action = "skipped"
)

// Decision is posted back to the flow. Endpoints is the pair to persist
// when Action is Switched.
type Decision struct {
	Action    Action
	Endpoints state.Endpoints
	Err       error
}

// Prober fetches from a single endpoint.
type Prober interface {
	FetchFrom(ctx context.Context, ep mdmserver.Endpoint, deviceID string) fetcher.Result
}

// Resolver probes migration targets.
type Resolver struct {
	prober   Prober
	maxTries uint
	initial  time.Duration
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRetry sets the probe attempt budget and first backoff interval.
func WithRetry(maxTries uint, initial time.Duration) Option {
	return func(r *Resolver) {
		if maxTries > 0 {
			r.maxTries = maxTries
		}
		if initial > 0 {
			r.initial = initial
		}
	}
}

// New constructs a resolver.
func New(prober Prober, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		prober:   prober,
		maxTries: 3,
		initial:  time.Second,
		logger:   logging.NewComponentLogger(logger, "migration"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseTarget splits scheme://host[:port]/project into base URL and project.
func ParseTarget(raw string) (base, project string, err error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse migration target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("migration target %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("migration target %q: host required", raw)
	}
	return u.Scheme + "://" + u.Host, strings.Trim(u.Path, "/"), nil
}

// Resolve decides whether to switch to target. A malformed or unreachable
// target leaves the current endpoints in place.
func (r *Resolver) Resolve(ctx context.Context, target string, current state.Endpoints, deviceID string) Decision {
	if strings.TrimSpace(target) == "" {
		return Decision{Action: None, Endpoints: current}
	}
	log := logging.WithContext(ctx, r.logger).With(logging.String("target", target))

	base, project, err := ParseTarget(target)
	if err != nil {
		return r.skip(log, current, err)
	}
	if base == strings.TrimRight(current.Primary, "/") && project == current.Project {
		return Decision{Action: None, Endpoints: current}
	}

	ep := mdmserver.Endpoint{BaseURL: base, Project: project}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.initial
	expBackoff.MaxInterval = 30 * r.initial
	expBackoff.Reset()

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		res := r.prober.FetchFrom(ctx, ep, deviceID)
		switch res.Outcome {
		case fetcher.Success:
			return struct{}{}, nil
		case fetcher.AuthError:
			return struct{}{}, backoff.Permanent(res.Err)
		default:
			return struct{}{}, res.Err
		}
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Debug("migration probe retry", logging.Error(err), logging.Duration("wait", wait))
		}),
	)
	if err != nil {
		return r.skip(log, current, err)
	}

	next := state.Endpoints{Primary: base, Secondary: base, Project: project}
	log.Info("migration target verified",
		logging.String(logging.FieldEventType, "migration_switched"),
		logging.String("new_endpoint", ep.String()),
	)
	return Decision{Action: Switched, Endpoints: next}
}

func (r *Resolver) skip(log *slog.Logger, current state.Endpoints, cause error) Decision {
	err := services.Wrap(services.ErrMigrationProbe, "migration", "probe", "target not usable", cause)
	if errors.Is(cause, context.Canceled) {
		err = cause
	}
	logging.WarnWithContext(log, "migration skipped", "migration_probe_failed",
		logging.Error(cause),
		logging.String(logging.FieldImpact, "continuing with the current endpoint"),
		logging.String(logging.FieldErrorHint, "verify the new server URL and that it knows this device"),
	)
	return Decision{Action: Skipped, Endpoints: current, Err: err}
}
