package capability_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"fleetagent/internal/capability"
	"fleetagent/internal/logging"
	"fleetagent/internal/services"
	"fleetagent/internal/state"
	"fleetagent/internal/testsupport"
)

func newGate(t *testing.T, host *testsupport.FakeHost) (*capability.Gate, *state.Store) {
	t.Helper()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	return capability.NewGate(store, host, nil, logging.NewNop()), store
}

func countCalls(calls []string, want string) int {
	n := 0
	for _, c := range calls {
		if c == want {
			n++
		}
	}
	return n
}

func TestResolvedCapabilitiesAreNeverPromptedAgain(t *testing.T) {
	host := testsupport.NewFakeHost()
	gate, store := newGate(t, host)
	ctx := context.Background()

	res, err := gate.ResolveNext(ctx)
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if res.Outcome != capability.PendingUserAction || res.Capability != capability.UnknownSources {
		t.Fatalf("expected prompt for unknown_sources, got %+v", res)
	}

	// The user grants it; the next pass moves on to the following capability.
	host.SetGranted(capability.UnknownSources, true)
	res, err = gate.ResolveNext(ctx)
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if res.Capability != capability.Administrator {
		t.Fatalf("expected administrator next, got %+v", res)
	}

	// Administrator is not granted after its prompt and becomes declined.
	// Repeated passes never prompt either capability again.
	for range 6 {
		res, err = gate.ResolveNext(ctx)
		if err != nil {
			t.Fatalf("ResolveNext: %v", err)
		}
		if res.Outcome == capability.AllResolved {
			break
		}
		host.SetGranted(res.Capability, false)
	}

	calls := host.CallLog()
	for _, name := range []string{capability.UnknownSources, capability.Administrator, capability.Overlay, capability.UsageStats} {
		if got := countCalls(calls, "prompt "+name); got != 1 {
			t.Fatalf("expected %s prompted once, got %d (%v)", name, got, calls)
		}
	}
	rec, _ := store.Capability(ctx, capability.Administrator)
	if rec.State != state.CapabilityDeclined {
		t.Fatalf("expected administrator declined, got %s", rec.State)
	}

	before := len(host.CallLog())
	res, err = gate.ResolveNext(ctx)
	if err != nil || res.Outcome != capability.AllResolved {
		t.Fatalf("expected all resolved, got %+v err %v", res, err)
	}
	for _, c := range host.CallLog()[before:] {
		if len(c) > 6 && c[:6] == "prompt" {
			t.Fatalf("unexpected re-prompt %q", c)
		}
	}
}

func TestPrivilegedSkipsImplicitCapabilities(t *testing.T) {
	host := testsupport.NewFakeHost()
	host.IsPrivileged = true
	host.SetGranted(capability.UsageStats, true)
	gate, store := newGate(t, host)
	ctx := context.Background()

	res, err := gate.ResolveNext(ctx)
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if res.Outcome != capability.AllResolved || !res.Privileged {
		t.Fatalf("expected all resolved while privileged, got %+v", res)
	}
	for _, name := range []string{capability.UnknownSources, capability.Administrator, capability.Overlay} {
		rec, _ := store.Capability(ctx, name)
		if rec.State != state.CapabilityGranted || rec.Prompted() {
			t.Fatalf("expected %s implicitly granted, got %+v", name, rec)
		}
	}
	acc, _ := store.Capability(ctx, capability.Accessibility)
	if acc.State != state.CapabilityDeclined {
		t.Fatalf("expected accessibility superseded, got %s", acc.State)
	}
	if privileged, _ := store.Privileged(ctx); !privileged {
		t.Fatal("expected privileged flag recorded")
	}
	if slices.ContainsFunc(host.CallLog(), func(c string) bool { return len(c) > 6 && c[:6] == "prompt" }) {
		t.Fatalf("privileged host must not be prompted: %v", host.CallLog())
	}
}

func TestVendorQuirksOnlyForQuirkVendors(t *testing.T) {
	host := testsupport.NewFakeHost()
	gate, _ := newGate(t, host)
	for _, req := range gate.Requirements() {
		if req.Capability == capability.VendorPermissions {
			t.Fatal("vendor quirk must not apply to a plain host")
		}
	}

	quirky := testsupport.NewFakeHost()
	quirky.VendorName = "miui"
	gate, _ = newGate(t, quirky)
	res, err := gate.ResolveNext(context.Background())
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if res.Capability != capability.VendorPermissions {
		t.Fatalf("expected vendor quirk first, got %+v", res)
	}
}

func TestPromptFailureDeclinesAndContinues(t *testing.T) {
	host := testsupport.NewFakeHost()
	host.Fail["prompt"] = errors.New("no prompt command")
	gate, store := newGate(t, host)

	res, err := gate.ResolveNext(context.Background())
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if res.Outcome != capability.AllResolved {
		t.Fatalf("expected gate to finish when prompts cannot be issued, got %+v", res)
	}
	rec, _ := store.Capability(context.Background(), capability.Overlay)
	if rec.State != state.CapabilityDeclined {
		t.Fatalf("expected overlay declined, got %s", rec.State)
	}
}

func TestDeclineRejectsUnknownCapability(t *testing.T) {
	gate, store := newGate(t, testsupport.NewFakeHost())
	ctx := context.Background()
	if err := gate.Decline(ctx, "teleport"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := gate.Decline(ctx, capability.Overlay); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	rec, _ := store.Capability(ctx, capability.Overlay)
	if rec.State != state.CapabilityDeclined {
		t.Fatalf("expected declined, got %s", rec.State)
	}
}

func TestRequiresDeclinesWhenDependencyMissing(t *testing.T) {
	host := testsupport.NewFakeHost()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	reqs := []capability.Requirement{
		{Capability: "base"},
		{Capability: "dependent", Requires: []string{"base"}},
	}
	gate := capability.NewGate(store, host, reqs, logging.NewNop())
	ctx := context.Background()
	if err := gate.Decline(ctx, "base"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	res, err := gate.ResolveNext(ctx)
	if err != nil || res.Outcome != capability.AllResolved {
		t.Fatalf("expected all resolved, got %+v err %v", res, err)
	}
	rec, _ := store.Capability(ctx, "dependent")
	if rec.State != state.CapabilityDeclined || rec.Prompted() {
		t.Fatalf("expected dependent declined without prompt, got %+v", rec)
	}
}
