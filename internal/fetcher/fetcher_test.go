package fetcher_test

import (
	"context"
	"errors"
	"testing"

	"fleetagent/internal/fetcher"
	"fleetagent/internal/logging"
	"fleetagent/internal/services"
	"fleetagent/internal/services/mdmserver"
	"fleetagent/internal/state"
)

type scriptedSource struct {
	responses map[string]func() ([]byte, error)
	calls     []string
}

func (s *scriptedSource) FetchConfiguration(_ context.Context, ep mdmserver.Endpoint, _ string) ([]byte, error) {
	s.calls = append(s.calls, ep.BaseURL)
	fn, ok := s.responses[ep.BaseURL]
	if !ok {
		return nil, services.Wrap(services.ErrNetwork, "test", "fetch", "no route", nil)
	}
	return fn()
}

var eps = state.Endpoints{Primary: "https://primary", Secondary: "https://secondary", Project: "fleet"}

func ok(doc string) func() ([]byte, error) {
	return func() ([]byte, error) { return []byte(doc), nil }
}

func fail(marker error) func() ([]byte, error) {
	return func() ([]byte, error) { return nil, services.Wrap(marker, "test", "fetch", "scripted", nil) }
}

func TestFetchPrimarySuccess(t *testing.T) {
	src := &scriptedSource{responses: map[string]func() ([]byte, error){
		"https://primary": ok(`{"lock":true}`),
	}}
	res := fetcher.New(src, logging.NewNop()).Fetch(context.Background(), eps, "dev")
	if res.Outcome != fetcher.Success || res.Config == nil || !res.Config.Lock {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(src.calls) != 1 {
		t.Fatalf("expected one call, got %v", src.calls)
	}
}

func TestFetchFallsBackToSecondaryOnHardFailure(t *testing.T) {
	src := &scriptedSource{responses: map[string]func() ([]byte, error){
		"https://primary":   fail(services.ErrNetwork),
		"https://secondary": ok(`{"kioskMode":true,"mainApp":"shell"}`),
	}}
	res := fetcher.New(src, logging.NewNop()).Fetch(context.Background(), eps, "dev")
	if res.Outcome != fetcher.Success || res.Endpoint != "https://secondary/fleet" {
		t.Fatalf("expected secondary success, got %+v", res)
	}
}

func TestFetchInvalidDocumentTriesSecondary(t *testing.T) {
	src := &scriptedSource{responses: map[string]func() ([]byte, error){
		"https://primary":   ok(`{"applications":[{"pkg":""}]}`),
		"https://secondary": fail(services.ErrNetwork),
	}}
	res := fetcher.New(src, logging.NewNop()).Fetch(context.Background(), eps, "dev")
	if res.Outcome != fetcher.NetworkError {
		t.Fatalf("expected network error, got %+v", res)
	}
	if len(src.calls) != 2 {
		t.Fatalf("expected both endpoints tried, got %v", src.calls)
	}
}

func TestFetchAuthErrorSkipsSecondary(t *testing.T) {
	src := &scriptedSource{responses: map[string]func() ([]byte, error){
		"https://primary":   fail(services.ErrAuth),
		"https://secondary": ok(`{}`),
	}}
	res := fetcher.New(src, logging.NewNop()).Fetch(context.Background(), eps, "dev")
	if res.Outcome != fetcher.AuthError || !errors.Is(res.Err, services.ErrAuth) {
		t.Fatalf("expected auth error, got %+v", res)
	}
	if len(src.calls) != 1 {
		t.Fatalf("secondary must not be tried on auth error, got %v", src.calls)
	}
}
