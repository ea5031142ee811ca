package migration_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"fleetagent/internal/desired"
	"fleetagent/internal/fetcher"
	"fleetagent/internal/migration"
	"fleetagent/internal/services"
	"fleetagent/internal/services/mdmserver"
	"fleetagent/internal/state"
)

type stubProber struct {
	results []fetcher.Result
	calls   []mdmserver.Endpoint
}

func (p *stubProber) FetchFrom(_ context.Context, ep mdmserver.Endpoint, _ string) fetcher.Result {
	p.calls = append(p.calls, ep)
	if len(p.results) == 0 {
		return fetcher.Result{Outcome: fetcher.NetworkError, Err: services.ErrNetwork}
	}
	res := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}
	return res
}

var current = state.Endpoints{Primary: "https://old.example", Secondary: "https://old-backup.example", Project: "fleet"}

func TestParseTarget(t *testing.T) {
	base, project, err := migration.ParseTarget("https://new.example:8443/tenant/")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if base != "https://new.example:8443" || project != "tenant" {
		t.Fatalf("unexpected split %q %q", base, project)
	}
	for _, bad := range []string{"new.example/tenant", "ftp://new.example/x", "https:///nohost", "://"} {
		if _, _, err := migration.ParseTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestResolveSwitchesAfterSuccessfulProbe(t *testing.T) {
	prober := &stubProber{results: []fetcher.Result{
		{Outcome: fetcher.NetworkError, Err: services.ErrNetwork},
		{Outcome: fetcher.Success, Config: &desired.Config{}},
	}}
	r := migration.New(prober, nil, migration.WithRetry(3, time.Millisecond))

	dec := r.Resolve(context.Background(), "https://new.example/tenant", current, "dev")
	if dec.Action != migration.Switched {
		t.Fatalf("expected switch, got %+v", dec)
	}
	want := state.Endpoints{Primary: "https://new.example", Secondary: "https://new.example", Project: "tenant"}
	if dec.Endpoints != want {
		t.Fatalf("unexpected endpoints %+v", dec.Endpoints)
	}
	if len(prober.calls) != 2 {
		t.Fatalf("expected a retry, got %d calls", len(prober.calls))
	}
}

func TestResolveProbeFailureKeepsEndpointAndWarns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	prober := &stubProber{}
	r := migration.New(prober, logger, migration.WithRetry(2, time.Millisecond))

	dec := r.Resolve(context.Background(), "https://unreachable.example/tenant", current, "dev")
	if dec.Action != migration.Skipped {
		t.Fatalf("expected skip, got %+v", dec)
	}
	if dec.Endpoints != current {
		t.Fatalf("expected current endpoints kept, got %+v", dec.Endpoints)
	}
	if !errors.Is(dec.Err, services.ErrMigrationProbe) {
		t.Fatalf("expected ErrMigrationProbe, got %v", dec.Err)
	}
	if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), "migration skipped") {
		t.Fatalf("expected warning logged, got %q", buf.String())
	}
}

func TestResolveMalformedTargetIsProbeFailure(t *testing.T) {
	prober := &stubProber{}
	dec := migration.New(prober, nil).Resolve(context.Background(), "not a url", current, "dev")
	if dec.Action != migration.Skipped || !errors.Is(dec.Err, services.ErrMigrationProbe) {
		t.Fatalf("expected probe failure, got %+v", dec)
	}
	if len(prober.calls) != 0 {
		t.Fatal("malformed target must not be probed")
	}
}

func TestResolveAuthErrorIsNotRetried(t *testing.T) {
	prober := &stubProber{results: []fetcher.Result{{Outcome: fetcher.AuthError, Err: services.ErrAuth}}}
	dec := migration.New(prober, nil, migration.WithRetry(5, time.Millisecond)).
		Resolve(context.Background(), "https://new.example/tenant", current, "dev")
	if dec.Action != migration.Skipped {
		t.Fatalf("expected skip, got %+v", dec)
	}
	if len(prober.calls) != 1 {
		t.Fatalf("expected single probe, got %d", len(prober.calls))
	}
}

func TestResolveSameTargetIsNoop(t *testing.T) {
	prober := &stubProber{}
	dec := migration.New(prober, nil).Resolve(context.Background(), "https://old.example/fleet", current, "dev")
	if dec.Action != migration.None || len(prober.calls) != 0 {
		t.Fatalf("expected no-op, got %+v calls=%d", dec, len(prober.calls))
	}
}
