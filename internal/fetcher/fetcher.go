// Package fetcher retrieves the desired-state document from the authority
// endpoint pair and classifies the outcome.
package fetcher

import (
	"context"
	"errors"
	"log/slog"

	"fleetagent/internal/desired"
	"fleetagent/internal/logging"
	"fleetagent/internal/services"
	"fleetagent/internal/services/mdmserver"
	"fleetagent/internal/state"
)

// Outcome classifies a fetch.
type Outcome string

const (
	Success      Outcome = "success"
	AuthError    Outcome = "auth_error"
	NetworkError Outcome = "network_error"
)

// Result is the value a fetch worker posts back to the flow.
type Result struct {
	Outcome Outcome
	Config  *desired.Config
	// Raw is the canonical encoding of Config, ready to persist.
	Raw      []byte
	Endpoint string
	Err      error
}

// Source fetches a raw document from one endpoint.
type Source interface {
	FetchConfiguration(ctx context.Context, ep mdmserver.Endpoint, deviceID string) ([]byte, error)
}

// Fetcher tries the primary endpoint and falls back to the secondary on
// hard failures.
type Fetcher struct {
	source Source
	logger *slog.Logger
}

// New constructs a fetcher.
func New(source Source, logger *slog.Logger) *Fetcher {
	return &Fetcher{source: source, logger: logging.NewComponentLogger(logger, "fetcher")}
}

// Fetch retrieves and validates the document. An auth failure on the
// primary is final; any other failure is retried once on the secondary.
func (f *Fetcher) Fetch(ctx context.Context, eps state.Endpoints, deviceID string) Result {
	primary := mdmserver.Endpoint{BaseURL: eps.Primary, Project: eps.Project}
	res := f.attempt(ctx, primary, deviceID)
	if res.Outcome != NetworkError {
		return res
	}
	if eps.Secondary == "" || eps.Secondary == eps.Primary {
		return res
	}
	logging.WarnWithContext(logging.WithContext(ctx, f.logger), "primary endpoint failed; trying secondary", "fetch_primary_failed",
		logging.String("endpoint", primary.String()),
		logging.Error(res.Err),
		logging.String(logging.FieldImpact, "configuration fetched from secondary endpoint"),
	)
	return f.attempt(ctx, mdmserver.Endpoint{BaseURL: eps.Secondary, Project: eps.Project}, deviceID)
}

// FetchFrom fetches and validates from a single endpoint without fallback.
func (f *Fetcher) FetchFrom(ctx context.Context, ep mdmserver.Endpoint, deviceID string) Result {
	return f.attempt(ctx, ep, deviceID)
}

func (f *Fetcher) attempt(ctx context.Context, ep mdmserver.Endpoint, deviceID string) Result {
	res := Result{Endpoint: ep.String()}
	data, err := f.source.FetchConfiguration(ctx, ep, deviceID)
	if err != nil {
		res.Err = err
		res.Outcome = classify(err)
		return res
	}
	cfg, err := desired.Decode(data)
	if err != nil {
		res.Err = services.Wrap(services.ErrNetwork, "fetcher", "decode", "invalid configuration document", err)
		res.Outcome = NetworkError
		return res
	}
	raw, err := cfg.Encode()
	if err != nil {
		res.Err = services.Wrap(services.ErrNetwork, "fetcher", "encode", "canonical encoding failed", err)
		res.Outcome = NetworkError
		return res
	}
	res.Outcome = Success
	res.Config = cfg
	res.Raw = raw
	return res
}

func classify(err error) Outcome {
	if errors.Is(err, services.ErrAuth) {
		return AuthError
	}
	return NetworkError
}
