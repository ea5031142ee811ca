package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetagent/internal/capability"
	"fleetagent/internal/config"
	"fleetagent/internal/escalation"
	"fleetagent/internal/fetcher"
	"fleetagent/internal/installer"
	"fleetagent/internal/logging"
	"fleetagent/internal/migration"
	"fleetagent/internal/reconcile"
	"fleetagent/internal/selfupdate"
	"fleetagent/internal/services/mdmserver"
	"fleetagent/internal/state"
	"fleetagent/internal/testsupport"
	"fleetagent/internal/workflow"
)

// authority is a scripted configuration server.
type authority struct {
	mu       sync.Mutex
	doc      string
	status   int
	fetches  int
	hold     chan struct{}
	rejected map[string]bool
}

func (a *authority) setDoc(doc string) {
	a.mu.Lock()
	a.doc = doc
	a.mu.Unlock()
}

func (a *authority) setStatus(code int) {
	a.mu.Lock()
	a.status = code
	a.mu.Unlock()
}

func (a *authority) reject(deviceID string) {
	a.mu.Lock()
	a.rejected[deviceID] = true
	a.mu.Unlock()
}

func (a *authority) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

func (a *authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.URL.Path, "/sync/configuration/") {
		w.WriteHeader(http.StatusOK)
		return
	}
	a.mu.Lock()
	a.fetches++
	hold := a.hold
	a.mu.Unlock()
	if hold != nil {
		<-hold
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rejected[path.Base(r.URL.Path)] {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if a.status != 0 {
		w.WriteHeader(a.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"OK","data":%s}`, a.doc)
}

type recordingConfirmer struct {
	mu       sync.Mutex
	actions  []mdmserver.EscalationOutcome
	failures int // leading calls that fail
}

func (c *recordingConfirmer) Confirm(_ context.Context, _ string, outcome mdmserver.EscalationOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, outcome)
	if c.failures > 0 {
		c.failures--
		return errors.New("confirmation endpoint unavailable")
	}
	return nil
}

func (c *recordingConfirmer) outcomes() []mdmserver.EscalationOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mdmserver.EscalationOutcome(nil), c.actions...)
}

type recordingHelper struct {
	mu      sync.Mutex
	records []string
}

func (h *recordingHelper) Handoff(_ context.Context, rec selfupdate.Record) error {
	h.mu.Lock()
	h.records = append(h.records, rec.Package+" "+rec.PreviousVersion)
	h.mu.Unlock()
	return nil
}

func (h *recordingHelper) handoffs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.records...)
}

type harness struct {
	t         *testing.T
	cfg       *config.Config
	store     *state.Store
	host      *testsupport.FakeHost
	downloads *testsupport.FakeDownloader
	authority *authority
	confirmer *recordingConfirmer
	reqs      []capability.Requirement
	deps      workflow.Dependencies
}

func newHarness(t *testing.T, doc string, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	auth := &authority{doc: doc, rejected: map[string]bool{}}
	srv := httptest.NewServer(auth)
	t.Cleanup(srv.Close)

	cfg := testsupport.NewConfig(t, append([]testsupport.ConfigOption{testsupport.WithServer(srv.URL)}, opts...)...)
	store := testsupport.MustOpenStore(t, cfg)
	host := testsupport.NewFakeHost()
	downloads := testsupport.NewFakeDownloader(cfg.Paths.DownloadDir)

	h := &harness{
		t:         t,
		cfg:       cfg,
		store:     store,
		host:      host,
		downloads: downloads,
		authority: auth,
		confirmer: &recordingConfirmer{},
		reqs:      []capability.Requirement{},
	}
	return h
}

// manager builds a manager over the harness collaborators. Fields already
// set in h.deps are kept.
func (h *harness) manager() *workflow.Manager {
	client := mdmserver.New(nil, 5*time.Second)
	fetch := fetcher.New(client, logging.NewNop())
	inst := installer.New(h.host, logging.NewNop(), installer.WithMode(installer.Privileged))

	deps := h.deps
	deps.Host = h.host
	deps.Gate = capability.NewGate(h.store, h.host, h.reqs, logging.NewNop())
	deps.Fetcher = fetch
	deps.Migrator = migration.New(fetch, logging.NewNop(), migration.WithRetry(1, time.Millisecond))
	deps.Executor = reconcile.NewExecutor(h.downloads, inst, h.cfg.Paths.FilesRoot, 5*time.Second, logging.NewNop())
	deps.Installs = inst
	if deps.Escalator == nil {
		deps.Escalator = escalation.New(h.host, h.confirmer, logging.NewNop())
	}
	return workflow.NewManager(h.cfg, h.store, deps, logging.NewNop())
}

// run starts m and returns a stop function that cancels it and returns the
// Run error.
func (h *harness) run(m *workflow.Manager) func() error {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(5 * time.Second):
				h.t.Errorf("workflow did not stop")
			}
		})
		return runErr
	}
	h.t.Cleanup(func() { _ = stop() })
	waitFor(h.t, "manager running", func() bool { return m.Status().Running })
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForPhase(t *testing.T, m *workflow.Manager, phase workflow.Phase) workflow.StatusSummary {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last workflow.StatusSummary
	for time.Now().Before(deadline) {
		last = m.Status()
		if last.Phase == phase {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %s; last status %+v", phase, last)
	return last
}

type recordingPostSync struct {
	mu     sync.Mutex
	cycles [][]string
}

func (p *recordingPostSync) AfterCycle(_ context.Context, _ string, runAfter []string) {
	p.mu.Lock()
	p.cycles = append(p.cycles, append([]string(nil), runAfter...))
	p.mu.Unlock()
}

func (p *recordingPostSync) ScheduleBootRuns(context.Context, []string, time.Duration) bool {
	return false
}

func (p *recordingPostSync) Stop() {}

func (p *recordingPostSync) launches() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.cycles...)
}
