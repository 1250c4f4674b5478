package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/store"
	"github.com/Iron-Ham/conductor/internal/supervisor"
)

const testAgentCommand = "agent --mode {{mode}} --prompt {{promptFile}} {{nonInteractiveFlag}}"

// fakeSupervisor records launches and lets tests deliver output and exits.
type fakeSupervisor struct {
	mu        sync.Mutex
	specs     map[string]supervisor.LaunchSpec
	alive     map[string]bool
	launched  []string
	stopped   []string
	stopAll   bool
	failNext  int
	launchErr error
	onLaunch  func(spec supervisor.LaunchSpec)
	nextPID   int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		specs:   make(map[string]supervisor.LaunchSpec),
		alive:   make(map[string]bool),
		nextPID: 1000,
	}
}

func (f *fakeSupervisor) Launch(_ context.Context, spec supervisor.LaunchSpec) (supervisor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		return supervisor.Handle{}, fmt.Errorf("exec: %q: executable file not found", spec.Argv[0])
	}
	if f.launchErr != nil {
		return supervisor.Handle{}, f.launchErr
	}
	if f.onLaunch != nil {
		f.onLaunch(spec)
	}
	f.nextPID++
	f.specs[spec.SessionID] = spec
	f.alive[spec.SessionID] = true
	f.launched = append(f.launched, spec.SessionID)
	return supervisor.Handle{SessionID: spec.SessionID, PID: f.nextPID}, nil
}

func (f *fakeSupervisor) Stop(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[sessionID] = false
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func (f *fakeSupervisor) IsAlive(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[sessionID]
}

func (f *fakeSupervisor) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAll = true
	for id := range f.alive {
		f.alive[id] = false
	}
}

func (f *fakeSupervisor) spec(t *testing.T, sessionID string) supervisor.LaunchSpec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[sessionID]
	if !ok {
		t.Fatalf("session %s was never launched", sessionID)
	}
	return spec
}

// exit reports a process exit the way the real supervisor does.
func (f *fakeSupervisor) exit(t *testing.T, sessionID string, code int) {
	t.Helper()
	spec := f.spec(t, sessionID)
	f.mu.Lock()
	f.alive[sessionID] = false
	f.mu.Unlock()
	spec.OnExit(code)
}

func (f *fakeSupervisor) output(t *testing.T, sessionID, chunk string) {
	t.Helper()
	f.spec(t, sessionID).OnOutput(chunk)
}

// kill makes a process dead without reporting the exit yet.
func (f *fakeSupervisor) kill(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[sessionID] = false
}

func (f *fakeSupervisor) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

func (f *fakeSupervisor) stoppedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// fakeProvisioner creates plain directories instead of git worktrees.
type fakeProvisioner struct {
	mu        sync.Mutex
	invalid   bool
	createErr error
	removeErr error
	created   []string
	removed   []string
	branchDel []bool
	extra     []string // worktrees git knows about that no task created
}

func (p *fakeProvisioner) IsValidRepository(context.Context, string) bool {
	return !p.invalid
}

func (p *fakeProvisioner) CreateWorktree(_ context.Context, _, path, _, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return p.createErr
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	p.created = append(p.created, path)
	return nil
}

func (p *fakeProvisioner) RemoveWorktree(_ context.Context, _, path string, deleteBranch bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, path)
	p.branchDel = append(p.branchDel, deleteBranch)
	return p.removeErr
}

func (p *fakeProvisioner) ListWorktrees(_ context.Context, repo string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []string{repo}
	for _, path := range append(append([]string(nil), p.created...), p.extra...) {
		if !slices.Contains(p.removed, path) {
			out = append(out, path)
		}
	}
	return out, nil
}

func (p *fakeProvisioner) CurrentBranch(_ context.Context, path string) (string, error) {
	return "task/" + filepath.Base(path), nil
}

func (p *fakeProvisioner) removedPaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.removed...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// manualTicker fires only when a test calls Tick. The channel is unbuffered,
// so Tick returns once the coordinator has picked the tick up.
type manualTicker struct {
	ch chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}
func (m *manualTicker) Tick()               { m.ch <- time.Now() }

// recorder collects bus events.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// statusChanges returns "sessionID:status" for every status event after index from.
func (r *recorder) statusChanges(from int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events[from:] {
		if changed, ok := e.(event.SessionChangedEvent); ok && !changed.Removed {
			out = append(out, changed.Session.ID+":"+string(changed.Session.Status))
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	orch    *Orchestrator
	sup     *fakeSupervisor
	prov    *fakeProvisioner
	clock   *fakeClock
	ticker  *manualTicker
	store   *store.FileStore
	dataDir string
	rec     *recorder
	ws      model.Workspace
	runDone chan struct{}
}

type harnessConfig struct {
	maxConcurrent int
	seed          func(st *store.FileStore)
}

type harnessOption func(*harnessConfig)

func withMaxConcurrent(n int) harnessOption {
	return func(c *harnessConfig) { c.maxConcurrent = n }
}

func withSeed(seed func(st *store.FileStore)) harnessOption {
	return func(c *harnessConfig) { c.seed = seed }
}

// newHarness starts an orchestrator wired to fakes and registers one workspace.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	hc := harnessConfig{maxConcurrent: 1}
	for _, opt := range opts {
		opt(&hc)
	}

	h := newStoppedHarness(t, hc)
	h.start()

	ws, err := h.orch.AddWorkspace(h.ctx, WorkspaceInput{
		RepoPath:      t.TempDir(),
		WorktreesRoot: filepath.Join(h.dataDir, "worktrees"),
	})
	if err != nil {
		t.Fatalf("AddWorkspace() error = %v", err)
	}
	h.ws = ws
	return h
}

func newStoppedHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()

	dataDir := t.TempDir()
	st := store.NewFileStore(dataDir)
	if hc.seed != nil {
		hc.seed(st)
	}

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		sup:     newFakeSupervisor(),
		prov:    &fakeProvisioner{},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		ticker:  &manualTicker{ch: make(chan time.Time)},
		store:   st,
		dataDir: dataDir,
		rec:     &recorder{},
		runDone: make(chan struct{}),
	}

	settings := model.DefaultSettings()
	settings.AgentCommandTemplate = testAgentCommand
	settings.MaxConcurrentSessions = hc.maxConcurrent

	bus := event.NewBus(nil)
	bus.SubscribeAll(h.rec.handle)

	ids := 0
	orch, err := New(
		Config{DataDir: dataDir, DefaultSettings: &settings},
		h.sup, h.prov, st,
		WithBus(bus),
		WithClock(h.clock.Now),
		WithTicker(func(time.Duration) Ticker { return h.ticker }),
		WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("id-%d", ids)
		}),
		WithEnviron(func() []string { return []string{"PATH=/usr/bin"} }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) start() {
	go func() {
		defer close(h.runDone)
		_ = h.orch.Run(context.Background())
	}()
	h.t.Cleanup(func() {
		_ = h.orch.Close()
		<-h.runDone
	})
}

func (h *harness) addTask(title string, mode model.Mode) model.Task {
	h.t.Helper()
	task, err := h.orch.CreateTask(h.ctx, TaskInput{WorkspaceID: h.ws.ID, Title: title, Mode: mode})
	if err != nil {
		h.t.Fatalf("CreateTask(%q) error = %v", title, err)
	}
	return task
}

func (h *harness) startSession(taskID string) model.Session {
	h.t.Helper()
	s, err := h.orch.StartSession(h.ctx, taskID)
	if err != nil {
		h.t.Fatalf("StartSession(%s) error = %v", taskID, err)
	}
	return s
}

func (h *harness) session(id string) model.Session {
	h.t.Helper()
	s, err := h.orch.Session(h.ctx, id)
	if err != nil {
		h.t.Fatalf("Session(%s) error = %v", id, err)
	}
	return s
}

func (h *harness) activeCount() int {
	h.t.Helper()
	n, err := h.orch.ActiveCount(h.ctx)
	if err != nil {
		h.t.Fatalf("ActiveCount() error = %v", err)
	}
	return n
}

func (h *harness) wantStatus(id string, want model.Status) model.Session {
	h.t.Helper()
	s := h.session(id)
	if s.Status != want {
		h.t.Fatalf("session %s status = %s, want %s", id, s.Status, want)
	}
	return s
}
