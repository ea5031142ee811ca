package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fleetagent/internal/state"
	"fleetagent/internal/testsupport"
)

func TestOpenCreatesSchemaAndReopens(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := state.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := store.SetDeviceID(ctx, "dev-1"); err != nil {
		t.Fatalf("SetDeviceID: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := testsupport.MustOpenStore(t, cfg)
	id, err := reopened.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID: %v", err)
	}
	if id != "dev-1" {
		t.Fatalf("expected persisted device id, got %q", id)
	}
}

func TestEndpointsRoundTripAndReset(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	ep, err := store.Endpoints(ctx)
	if err != nil {
		t.Fatalf("Endpoints: %v", err)
	}
	if !ep.IsZero() {
		t.Fatalf("expected empty endpoints, got %+v", ep)
	}

	want := state.Endpoints{Primary: "https://a.example", Secondary: "https://b.example", Project: "fleet"}
	if err := store.SetEndpoints(ctx, want); err != nil {
		t.Fatalf("SetEndpoints: %v", err)
	}
	got, err := store.Endpoints(ctx)
	if err != nil {
		t.Fatalf("Endpoints: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("endpoints mismatch (-want +got):\n%s", diff)
	}

	if err := store.SetDeviceID(ctx, "dev-1"); err != nil {
		t.Fatalf("SetDeviceID: %v", err)
	}
	if err := store.ResetIdentity(ctx); err != nil {
		t.Fatalf("ResetIdentity: %v", err)
	}
	got, _ = store.Endpoints(ctx)
	if !got.IsZero() {
		t.Fatalf("expected endpoints cleared, got %+v", got)
	}
	if id, _ := store.DeviceID(ctx); id != "" {
		t.Fatalf("expected device id cleared, got %q", id)
	}
}

func TestSaveActiveConfigPrunesOldSkips(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	if _, _, ok, err := store.ActiveConfig(ctx); err != nil || ok {
		t.Fatalf("expected no active config, ok=%v err=%v", ok, err)
	}
	if err := store.RecordSkip(ctx, state.QueueFiles, "a.txt", "rev1", "download failed"); err != nil {
		t.Fatalf("RecordSkip: %v", err)
	}
	if err := store.SaveActiveConfig(ctx, []byte(`{"applications":[]}`), "rev2"); err != nil {
		t.Fatalf("SaveActiveConfig: %v", err)
	}

	data, rev, ok, err := store.ActiveConfig(ctx)
	if err != nil || !ok {
		t.Fatalf("ActiveConfig ok=%v err=%v", ok, err)
	}
	if rev != "rev2" || string(data) != `{"applications":[]}` {
		t.Fatalf("unexpected active config %q rev %q", data, rev)
	}
	skipped, err := store.SkippedIdentities(ctx, state.QueueFiles, "rev1")
	if err != nil {
		t.Fatalf("SkippedIdentities: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("expected skips for older revision pruned, got %v", skipped)
	}
}

func TestCapabilityPromptThenResolve(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	rec, err := store.Capability(ctx, "overlay")
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}
	if rec.State != state.CapabilityUnresolved || rec.Prompted() {
		t.Fatalf("unexpected initial record %+v", rec)
	}

	if err := store.MarkPrompted(ctx, "overlay"); err != nil {
		t.Fatalf("MarkPrompted: %v", err)
	}
	if err := store.SetCapability(ctx, "overlay", state.CapabilityGranted); err != nil {
		t.Fatalf("SetCapability: %v", err)
	}
	rec, err = store.Capability(ctx, "overlay")
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}
	if rec.State != state.CapabilityGranted || !rec.Prompted() {
		t.Fatalf("expected granted and prompted, got %+v", rec)
	}

	all, err := store.Capabilities(ctx)
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if len(all) != 1 || all[0].Name != "overlay" {
		t.Fatalf("unexpected capability list %+v", all)
	}
}

func TestInstalledFileLifecycle(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	installed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := state.InstalledFile{
		Path:        "docs/a.txt",
		URL:         "http://x/a",
		LastUpdate:  42,
		Digest:      "abc",
		Size:        3,
		InstalledAt: installed,
	}
	if err := store.PutInstalledFile(ctx, rec); err != nil {
		t.Fatalf("PutInstalledFile: %v", err)
	}
	got, ok, err := store.InstalledFile(ctx, "docs/a.txt")
	if err != nil || !ok {
		t.Fatalf("InstalledFile ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	all, err := store.InstalledFiles(ctx)
	if err != nil {
		t.Fatalf("InstalledFiles: %v", err)
	}
	if _, ok := all["docs/a.txt"]; !ok || len(all) != 1 {
		t.Fatalf("unexpected records %v", all)
	}

	if err := store.DeleteInstalledFile(ctx, "docs/a.txt"); err != nil {
		t.Fatalf("DeleteInstalledFile: %v", err)
	}
	if _, ok, _ := store.InstalledFile(ctx, "docs/a.txt"); ok {
		t.Fatal("expected record removed")
	}
}

func TestSaveQueueReplacesContentsInOrder(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	first := []state.QueuedOperation{
		{Kind: "install_file", Identity: "a.txt", Payload: []byte(`{"path":"a.txt"}`)},
		{Kind: "remove_file", Identity: "b.txt", Payload: []byte(`{"path":"b.txt"}`), Attempts: 2},
	}
	if err := store.SaveQueue(ctx, state.QueueFiles, first); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}
	if err := store.SaveQueue(ctx, state.QueueApps, []state.QueuedOperation{{Kind: "install_app", Identity: "pkg", Payload: []byte(`{}`)}}); err != nil {
		t.Fatalf("SaveQueue apps: %v", err)
	}

	got, err := store.LoadQueue(ctx, state.QueueFiles)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if diff := cmp.Diff(first, got); diff != "" {
		t.Fatalf("queue mismatch (-want +got):\n%s", diff)
	}

	if err := store.SaveQueue(ctx, state.QueueFiles, first[1:]); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}
	got, _ = store.LoadQueue(ctx, state.QueueFiles)
	if len(got) != 1 || got[0].Identity != "b.txt" {
		t.Fatalf("expected only b.txt left, got %+v", got)
	}
	apps, _ := store.LoadQueue(ctx, state.QueueApps)
	if len(apps) != 1 {
		t.Fatalf("expected apps queue untouched, got %+v", apps)
	}
}

func TestCyclePhaseSetAndClear(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	if err := store.SetCyclePhase(ctx, "files", "cycle-1"); err != nil {
		t.Fatalf("SetCyclePhase: %v", err)
	}
	phase, id, err := store.CyclePhase(ctx)
	if err != nil || phase != "files" || id != "cycle-1" {
		t.Fatalf("unexpected phase %q id %q err %v", phase, id, err)
	}
	if err := store.SetCyclePhase(ctx, "", ""); err != nil {
		t.Fatalf("clear phase: %v", err)
	}
	phase, id, _ = store.CyclePhase(ctx)
	if phase != "" || id != "" {
		t.Fatalf("expected cleared phase, got %q %q", phase, id)
	}
}

func TestCountFaultsSinceUsesWindow(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	for _, offset := range []time.Duration{0, 50 * time.Second, 55*time.Second + 500*time.Millisecond} {
		at := base.Add(offset)
		state.SetClock(store, func() time.Time { return at })
		if err := store.RecordFault(ctx, "panic"); err != nil {
			t.Fatalf("RecordFault: %v", err)
		}
	}

	count, err := store.CountFaultsSince(ctx, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("CountFaultsSince: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 faults in window, got %d", count)
	}
	if err := store.ClearFaults(ctx); err != nil {
		t.Fatalf("ClearFaults: %v", err)
	}
	count, _ = store.CountFaultsSince(ctx, base)
	if count != 0 {
		t.Fatalf("expected no faults after clear, got %d", count)
	}
}

func TestPrivilegedFlag(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	if got, err := store.Privileged(ctx); err != nil || got {
		t.Fatalf("expected unprivileged default, got %v err %v", got, err)
	}
	if err := store.SetPrivileged(ctx, true); err != nil {
		t.Fatalf("SetPrivileged: %v", err)
	}
	if got, _ := store.Privileged(ctx); !got {
		t.Fatal("expected privileged flag persisted")
	}
}
