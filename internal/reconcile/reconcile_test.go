package reconcile_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fleetagent/internal/desired"
	"fleetagent/internal/installer"
	"fleetagent/internal/reconcile"
	"fleetagent/internal/services"
	"fleetagent/internal/state"
	"fleetagent/internal/testsupport"
)

func opStrings(ops []reconcile.Operation) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.String())
	}
	return out
}

func TestDiffFilesInstallThenRemoveScenario(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	root := cfg.Paths.FilesRoot
	records := map[string]state.InstalledFile{
		"b.txt": testsupport.WriteInstalledFile(t, root, "b.txt", "http://x/b", "beta"),
	}
	directives := []desired.FileDirective{
		{Path: "a.txt", URL: "http://x/a"},
		{Path: "b.txt", Remove: true},
	}

	local, err := reconcile.Inspect(ctx, root, []string{"a.txt", "b.txt"}, 2)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	ops := reconcile.DiffFiles(directives, records, local, nil)
	want := []string{"install_file a.txt", "remove_file b.txt"}
	if diff := cmp.Diff(want, opStrings(ops)); diff != "" {
		t.Fatalf("queue mismatch (-want +got):\n%s", diff)
	}

	downloader := testsupport.NewFakeDownloader(cfg.Paths.DownloadDir)
	downloader.Serve("http://x/a", "alpha")
	exec := reconcile.NewExecutor(downloader, nil, root, 0, nil)
	for _, op := range ops {
		out := exec.Execute(ctx, op, nil)
		if !out.Succeeded() {
			t.Fatalf("%s failed: %v", op, out.Err)
		}
		if op.Kind == reconcile.InstallFile && out.Record == nil {
			t.Fatalf("expected record for %s", op)
		}
	}

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil || string(data) != "alpha" {
		t.Fatalf("a.txt not installed: %q %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(root, "b.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected b.txt removed, stat err=%v", err)
	}
}

func TestDiffFilesSkipsReconciledAndRemovedAbsent(t *testing.T) {
	directives := []desired.FileDirective{
		{Path: "same.txt", URL: "http://x/same", Checksum: "c1", LastUpdate: 10},
		{Path: "stale.txt", URL: "http://x/stale", LastUpdate: 20},
		{Path: "tampered.txt", URL: "http://x/t"},
		{Path: "gone.txt", Remove: true},
		{Path: "skipped.txt", URL: "http://x/s"},
	}
	records := map[string]state.InstalledFile{
		"same.txt":     {URL: "http://x/same", Checksum: "c1", LastUpdate: 10, Digest: "d1"},
		"stale.txt":    {URL: "http://x/stale", LastUpdate: 19, Digest: "d2"},
		"tampered.txt": {URL: "http://x/t", Digest: "d3"},
	}
	local := map[string]reconcile.LocalFile{
		"same.txt":     {Exists: true, Digest: "d1"},
		"stale.txt":    {Exists: true, Digest: "d2"},
		"tampered.txt": {Exists: true, Digest: "other"},
	}
	skipped := map[string]struct{}{"skipped.txt": {}}

	got := opStrings(reconcile.DiffFiles(directives, records, local, skipped))
	want := []string{"install_file stale.txt", "install_file tampered.txt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("diff mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffAppsPreservesOrderAndIsIdempotent(t *testing.T) {
	directives := []desired.AppDirective{
		{Package: "com.example.c", URL: "http://x/c.pkg"},
		{Package: "com.example.a", URL: "http://x/a.pkg", Version: "2"},
		{Package: "com.example.b", Remove: true},
		{Package: "com.example.d", URL: "store:d"},
	}
	installed := map[string]string{"com.example.a": "1", "com.example.b": "5"}

	got := opStrings(reconcile.DiffApps(directives, installed, nil))
	want := []string{
		"install_app com.example.c",
		"install_app com.example.a",
		"remove_app com.example.b",
		"install_app com.example.d",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("diff mismatch (-want +got):\n%s", diff)
	}

	reconciled := map[string]string{"com.example.c": "9", "com.example.a": "2", "com.example.d": "1"}
	if ops := reconcile.DiffApps(directives, reconciled, nil); len(ops) != 0 {
		t.Fatalf("expected empty diff once reconciled, got %v", opStrings(ops))
	}
}

func TestWorkQueuePersistsAndKeepsFailedItemAtFront(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	q := reconcile.NewWorkQueue(state.QueueFiles, store)
	ops := []reconcile.Operation{
		{Kind: reconcile.InstallFile, File: &desired.FileDirective{Path: "one", URL: "http://x/1"}},
		{Kind: reconcile.InstallFile, File: &desired.FileDirective{Path: "two", URL: "http://x/2"}},
	}
	if err := q.Replace(ctx, ops); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := q.MarkFailed(ctx); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	front, ok := q.Peek()
	if !ok || front.Identity() != "one" || front.Attempts != 1 {
		t.Fatalf("unexpected front after failure: %+v", front)
	}

	restored := reconcile.NewWorkQueue(state.QueueFiles, store)
	items, err := store.LoadQueue(ctx, state.QueueFiles)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if err := restored.Restore(items); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if diff := cmp.Diff([]string{"install_file one", "install_file two"}, opStrings(restored.Items())); diff != "" {
		t.Fatalf("restored queue mismatch (-want +got):\n%s", diff)
	}
	if restored.Items()[0].Attempts != 1 {
		t.Fatalf("attempt count not persisted")
	}

	if err := restored.Drop(ctx); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if err := restored.Drop(ctx); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	items, err = store.LoadQueue(ctx, state.QueueFiles)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty persisted queue, got %d", len(items))
	}
}

func TestExecutorAppInstallWaitsForCompletion(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	host := testsupport.NewFakeHost()
	inst := installer.New(host, nil, installer.WithMode(installer.Privileged))
	downloader := testsupport.NewFakeDownloader(cfg.Paths.DownloadDir)
	downloader.Serve("http://x/app.pkg", "binary")

	exec := reconcile.NewExecutor(downloader, inst, cfg.Paths.FilesRoot, 0, nil)
	out := exec.Execute(ctx, reconcile.Operation{Kind: reconcile.InstallApp, App: &desired.AppDirective{Package: "com.example.app", URL: "http://x/app.pkg"}}, nil)
	if !out.Succeeded() {
		t.Fatalf("install failed: %v", out.Err)
	}
	if host.Packages["com.example.app"] != "installed" {
		t.Fatalf("package not installed: %v", host.Packages)
	}
	leftovers, _ := filepath.Glob(filepath.Join(cfg.Paths.DownloadDir, "*.part"))
	if len(leftovers) != 0 {
		t.Fatalf("artifact not cleaned up: %v", leftovers)
	}

	host.Fail["uninstall"] = errors.New("device busy")
	out = exec.Execute(ctx, reconcile.Operation{Kind: reconcile.RemoveApp, App: &desired.AppDirective{Package: "com.example.app", Remove: true}}, nil)
	if !errors.Is(out.Err, services.ErrInstall) {
		t.Fatalf("expected install error, got %v", out.Err)
	}
}

// slowConsentHost never answers the first consent request; the host call
// only returns once its context is cancelled.
type slowConsentHost struct {
	*testsupport.FakeHost
	once sync.Once
}

func (h *slowConsentHost) RequestConsent(ctx context.Context, pkg, action string) error {
	stall := false
	h.once.Do(func() { stall = true })
	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return h.FakeHost.RequestConsent(ctx, pkg, action)
}

func TestExecutorInstallTimeoutAllowsRetry(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	host := &slowConsentHost{FakeHost: testsupport.NewFakeHost()}
	inst := installer.New(host, nil, installer.WithMode(installer.Consent))
	downloader := testsupport.NewFakeDownloader(cfg.Paths.DownloadDir)
	downloader.Serve("http://x/p.pkg", "binary")

	exec := reconcile.NewExecutor(downloader, inst, cfg.Paths.FilesRoot, 50*time.Millisecond, nil)
	op := reconcile.Operation{Kind: reconcile.InstallApp, App: &desired.AppDirective{Package: "p", URL: "http://x/p.pkg"}}

	if out := exec.Execute(ctx, op, nil); !errors.Is(out.Err, services.ErrTimeout) {
		t.Fatalf("expected timeout on first attempt, got %v", out.Err)
	}
	out := exec.Execute(ctx, op, nil)
	if !out.Succeeded() {
		t.Fatalf("retry after timeout failed: %v", out.Err)
	}
	if host.Packages["p"] != "installed" {
		t.Fatalf("package not installed on retry: %v", host.Packages)
	}
}

func TestExecutorDownloadFailureLeavesTargetUntouched(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	downloader := testsupport.NewFakeDownloader(cfg.Paths.DownloadDir)

	exec := reconcile.NewExecutor(downloader, nil, cfg.Paths.FilesRoot, 0, nil)
	out := exec.Execute(ctx, reconcile.Operation{Kind: reconcile.InstallFile, File: &desired.FileDirective{Path: "docs/a.txt", URL: "http://x/missing"}}, nil)
	if !errors.Is(out.Err, services.ErrTransfer) {
		t.Fatalf("expected transfer error, got %v", out.Err)
	}
	if out.Record != nil {
		t.Fatalf("record must not be produced on failure")
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.FilesRoot, "docs", "a.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("target should not exist, stat err=%v", err)
	}
}

func TestResolvePathRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"", "/etc/passwd", "../outside"} {
		if _, err := reconcile.ResolvePath(root, rel); err == nil {
			t.Fatalf("expected %q to be rejected", rel)
		}
	}
	got, err := reconcile.ResolvePath(root, "sub/file.txt")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if got != filepath.Join(root, "sub", "file.txt") {
		t.Fatalf("unexpected path %q", got)
	}
}
