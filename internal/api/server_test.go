package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/store"
	"github.com/Iron-Ham/conductor/internal/supervisor"
)

type stubSupervisor struct {
	mu    sync.Mutex
	specs map[string]supervisor.LaunchSpec
	alive map[string]bool
}

func (s *stubSupervisor) Launch(_ context.Context, spec supervisor.LaunchSpec) (supervisor.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.SessionID] = spec
	s.alive[spec.SessionID] = true
	return supervisor.Handle{SessionID: spec.SessionID, PID: 4000 + len(s.specs)}, nil
}

func (s *stubSupervisor) Stop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive[id] = false
	return nil
}

func (s *stubSupervisor) IsAlive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive[id]
}

func (s *stubSupervisor) StopAll() {}

func (s *stubSupervisor) exit(t *testing.T, id string, code int) {
	t.Helper()
	s.mu.Lock()
	spec, ok := s.specs[id]
	s.alive[id] = false
	s.mu.Unlock()
	if !ok {
		t.Fatalf("session %s was never launched", id)
	}
	spec.OnExit(code)
}

type stubProvisioner struct{}

func (stubProvisioner) IsValidRepository(_ context.Context, repo string) bool {
	_, err := os.Stat(repo)
	return err == nil
}

func (stubProvisioner) CreateWorktree(_ context.Context, _, path, _, _ string) error {
	return os.MkdirAll(path, 0755)
}

func (stubProvisioner) RemoveWorktree(_ context.Context, _, path string, _ bool) error {
	return os.RemoveAll(path)
}

func (stubProvisioner) ListWorktrees(_ context.Context, repo string) ([]string, error) {
	return []string{repo}, nil
}

func (stubProvisioner) CurrentBranch(context.Context, string) (string, error) {
	return "main", nil
}

type testServer struct {
	ctx    context.Context
	sup    *stubSupervisor
	hub    *Hub
	client *Client
	url    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dataDir := t.TempDir()
	sup := &stubSupervisor{specs: make(map[string]supervisor.LaunchSpec), alive: make(map[string]bool)}
	settings := model.DefaultSettings()
	settings.DefaultWorktreesRoot = t.TempDir()
	orch, err := orchestrator.New(
		orchestrator.Config{DataDir: dataDir, DefaultSettings: &settings},
		sup, stubProvisioner{}, store.NewFileStore(dataDir),
	)
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Run(ctx)
	}()

	hub := NewHub(nil)
	hub.Attach(orch.Bus())
	srv := httptest.NewServer(NewServer(orch, hub, nil).Handler())

	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		_ = orch.Close()
		cancel()
		<-done
	})

	return &testServer{ctx: ctx, sup: sup, hub: hub, client: NewClient(srv.URL), url: srv.URL}
}

func (ts *testServer) addTask(t *testing.T, mode model.Mode) model.Task {
	t.Helper()
	ws, err := ts.client.AddWorkspace(ts.ctx, orchestrator.WorkspaceInput{RepoPath: t.TempDir()})
	if err != nil {
		t.Fatalf("AddWorkspace() error = %v", err)
	}
	task, err := ts.client.CreateTask(ts.ctx, orchestrator.TaskInput{WorkspaceID: ws.ID, Title: "Fix the build", Mode: mode})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return task
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	got, err := ts.client.Health(ts.ctx)
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if got.Status != "ok" || got.Version != Version {
		t.Errorf("Health() = %+v", got)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	task := ts.addTask(t, model.ModeDirect)

	sess, err := ts.client.StartSession(ts.ctx, task.ID)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if sess.Status != model.StatusRunning || sess.Phase != model.PhaseDirect {
		t.Errorf("started session = %s/%s", sess.Phase, sess.Status)
	}

	status, err := ts.client.Status(ts.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Active != 1 || status.Sessions != 1 {
		t.Errorf("Status() = %+v", status)
	}

	sessions, err := ts.client.SessionsForTask(ts.ctx, task.ID)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("SessionsForTask() = %v, %v", sessions, err)
	}

	log, err := ts.client.Log(ts.ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if log.Path != sess.LogPath || log.Content != "" {
		t.Errorf("Log() = %+v", log)
	}

	stopped, err := ts.client.StopSession(ts.ctx, sess.ID)
	if err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	if stopped.Status != model.StatusStopped {
		t.Errorf("StopSession() status = %s", stopped.Status)
	}

	retried, err := ts.client.RetrySession(ts.ctx, sess.ID)
	if err != nil {
		t.Fatalf("RetrySession() error = %v", err)
	}
	if retried.ID == sess.ID || retried.Status != model.StatusRunning {
		t.Errorf("RetrySession() = %+v", retried)
	}
}

func TestApprovePlanOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	task := ts.addTask(t, model.ModePlanFirst)

	planner, err := ts.client.StartSession(ts.ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	ts.sup.exit(t, planner.ID, 0)

	got, err := ts.client.Session(ts.ctx, planner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusAwaitingApproval {
		t.Fatalf("planner status = %s, want awaiting_approval", got.Status)
	}

	plan := "1. Reproduce\n2. Fix\n"
	executor, err := ts.client.ApprovePlan(ts.ctx, planner.ID, &plan)
	if err != nil {
		t.Fatalf("ApprovePlan() error = %v", err)
	}
	if executor.Phase != model.PhaseExecutor {
		t.Errorf("approved session phase = %s", executor.Phase)
	}

	resp, err := ts.client.Plan(ts.ctx, task.ID)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !resp.Exists || resp.Content != plan {
		t.Errorf("Plan() = %+v", resp)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	task := ts.addTask(t, model.ModeDirect)
	sess, err := ts.client.StartSession(ts.ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		call   func() error
		status int
		is     error
	}{
		{
			name:   "unknown task",
			call:   func() error { _, err := ts.client.Task(ts.ctx, "missing"); return err },
			status: http.StatusNotFound,
			is:     errors.ErrTaskNotFound,
		},
		{
			name: "empty title",
			call: func() error {
				_, err := ts.client.CreateTask(ts.ctx, orchestrator.TaskInput{WorkspaceID: task.WorkspaceID})
				return err
			},
			status: http.StatusBadRequest,
			is:     errors.ErrInvalidInput,
		},
		{
			name:   "busy task",
			call:   func() error { _, err := ts.client.StartSession(ts.ctx, task.ID); return err },
			status: http.StatusConflict,
			is:     errors.ErrTaskBusy,
		},
		{
			name:   "approve a direct session",
			call:   func() error { _, err := ts.client.ApprovePlan(ts.ctx, sess.ID, nil); return err },
			status: http.StatusConflict,
			is:     errors.ErrInvalidTransition,
		},
		{
			name: "not a repository",
			call: func() error {
				_, err := ts.client.AddWorkspace(ts.ctx, orchestrator.WorkspaceInput{RepoPath: "/does/not/exist"})
				return err
			},
			status: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.Status != tt.status {
				t.Errorf("status = %d, want %d (%s)", apiErr.Status, tt.status, apiErr.Message)
			}
			if apiErr.Message == "" {
				t.Error("error message is empty")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.is)
			}
		})
	}
}

func TestMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.url+"/api/v1/tasks", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteTaskOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	task := ts.addTask(t, model.ModeDirect)

	if err := ts.client.DeleteTask(ts.ctx, task.ID, true, false); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if _, err := os.Stat(task.WorktreePath); !os.IsNotExist(err) {
		t.Errorf("worktree still present: %v", err)
	}
	tasks, err := ts.client.Tasks(ts.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("Tasks() = %+v", tasks)
	}
}

func TestPruneWorktreesOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	task := ts.addTask(t, model.ModeDirect)

	stale, err := ts.client.StaleWorktrees(ts.ctx, task.WorkspaceID)
	if err != nil {
		t.Fatalf("StaleWorktrees() error = %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("StaleWorktrees() = %+v, want none", stale)
	}

	pruned, err := ts.client.PruneWorktrees(ts.ctx, task.WorkspaceID, false)
	if err != nil {
		t.Fatalf("PruneWorktrees() error = %v", err)
	}
	if pruned == nil || len(pruned) != 0 {
		t.Errorf("PruneWorktrees() = %#v, want empty list", pruned)
	}
	if _, err := os.Stat(task.WorktreePath); err != nil {
		t.Errorf("task worktree was touched: %v", err)
	}

	if _, err := ts.client.StaleWorktrees(ts.ctx, "missing"); !errors.Is(err, errors.ErrWorkspaceNotFound) {
		t.Errorf("missing workspace error = %v", err)
	}
}

func TestSettingsOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	s, err := ts.client.Settings(ts.ctx)
	if err != nil {
		t.Fatal(err)
	}
	s.MaxConcurrentSessions = 4
	updated, err := ts.client.UpdateSettings(ts.ctx, s)
	if err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	if updated.MaxConcurrentSessions != 4 {
		t.Errorf("MaxConcurrentSessions = %d", updated.MaxConcurrentSessions)
	}

	s.MaxConcurrentSessions = 0
	if _, err := ts.client.UpdateSettings(ts.ctx, s); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("invalid settings error = %v", err)
	}
}

func TestWatchStreamsEvents(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(ts.ctx, 10*time.Second)
	defer cancel()

	msgs := make(chan Message, 16)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- ts.client.Watch(ctx, func(m Message) { msgs <- m })
	}()

	deadline := time.Now().Add(5 * time.Second)
	for ts.hub.ConnectionCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := ts.client.AddWorkspace(ctx, orchestrator.WorkspaceInput{RepoPath: t.TempDir()}); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-msgs:
		if m.Type != event.TypeWorkspaceChanged {
			t.Errorf("message type = %q, want %q", m.Type, event.TypeWorkspaceChanged)
		}
		if !strings.Contains(string(m.Payload), `"workspace"`) {
			t.Errorf("payload = %s", m.Payload)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	cancel()
	if err := <-watchErr; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}
