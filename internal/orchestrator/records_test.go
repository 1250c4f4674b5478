package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/store"
)

func TestAddWorkspace(t *testing.T) {
	h := newHarness(t)

	if h.ws.Name != filepath.Base(h.ws.RepoPath) {
		t.Errorf("Name = %q, want repository directory name", h.ws.Name)
	}
	if h.ws.DefaultBaseBranch != model.DefaultBaseBranch {
		t.Errorf("DefaultBaseBranch = %q, want main", h.ws.DefaultBaseBranch)
	}

	t.Run("rejects a non-repository", func(t *testing.T) {
		h.prov.invalid = true
		defer func() { h.prov.invalid = false }()

		_, err := h.orch.AddWorkspace(h.ctx, WorkspaceInput{RepoPath: t.TempDir()})
		if !errors.Is(err, errors.ErrNotGitRepository) {
			t.Errorf("error = %v, want ErrNotGitRepository", err)
		}
	})

	t.Run("requires a path", func(t *testing.T) {
		_, err := h.orch.AddWorkspace(h.ctx, WorkspaceInput{})
		if !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})
}

func TestUpdateWorkspace(t *testing.T) {
	h := newHarness(t)

	name, base := "renamed", "develop"
	ws, err := h.orch.UpdateWorkspace(h.ctx, h.ws.ID, WorkspaceUpdate{Name: &name, DefaultBaseBranch: &base})
	if err != nil {
		t.Fatalf("UpdateWorkspace() error = %v", err)
	}
	if ws.Name != name || ws.DefaultBaseBranch != base || ws.RepoPath != h.ws.RepoPath {
		t.Errorf("updated workspace = %+v", ws)
	}

	empty := ""
	if _, err := h.orch.UpdateWorkspace(h.ctx, h.ws.ID, WorkspaceUpdate{Name: &empty}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty name error = %v, want ErrInvalidInput", err)
	}
	if _, err := h.orch.UpdateWorkspace(h.ctx, "missing", WorkspaceUpdate{}); !errors.Is(err, errors.ErrWorkspaceNotFound) {
		t.Errorf("missing workspace error = %v", err)
	}
}

func TestCreateTask(t *testing.T) {
	h := newHarness(t)

	task := h.addTask("Add Login Page!", model.ModePlanFirst)

	if task.BranchName != "task/add-login-page" {
		t.Errorf("BranchName = %q", task.BranchName)
	}
	if task.BaseBranch != h.ws.DefaultBaseBranch {
		t.Errorf("BaseBranch = %q, want workspace default", task.BaseBranch)
	}
	if want := filepath.Join(h.ws.WorktreesRoot, "task/add-login-page"); task.WorktreePath != want {
		t.Errorf("WorktreePath = %q, want %q", task.WorktreePath, want)
	}
	if !slices.Contains(h.prov.created, task.WorktreePath) {
		t.Error("worktree was not provisioned")
	}

	tasks, _ := h.orch.TasksForWorkspace(h.ctx, h.ws.ID)
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Errorf("TasksForWorkspace() = %+v", tasks)
	}
}

func TestCreateTask_ProvisionFailureRecordsNothing(t *testing.T) {
	h := newHarness(t)
	h.prov.createErr = errors.NewGitError("create worktree", errors.ErrBranchExists).WithBranch("task/a")

	_, err := h.orch.CreateTask(h.ctx, TaskInput{WorkspaceID: h.ws.ID, Title: "A"})
	if !errors.Is(err, errors.ErrBranchExists) {
		t.Fatalf("error = %v, want ErrBranchExists", err)
	}
	tasks, _ := h.orch.Tasks(h.ctx)
	if len(tasks) != 0 {
		t.Errorf("tasks recorded after failed provisioning: %+v", tasks)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		in   TaskInput
		want error
	}{
		{"empty title", TaskInput{WorkspaceID: h.ws.ID}, errors.ErrInvalidInput},
		{"bad mode", TaskInput{WorkspaceID: h.ws.ID, Title: "x", Mode: "later"}, errors.ErrInvalidInput},
		{"unknown workspace", TaskInput{WorkspaceID: "missing", Title: "x"}, errors.ErrWorkspaceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.orch.CreateTask(h.ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeleteTask(t *testing.T) {
	h := newHarness(t)
	a := h.addTask("A", model.ModeDirect)
	b := h.addTask("B", model.ModeDirect)
	sa := h.startSession(a.ID)
	sb := h.startSession(b.ID)

	if err := h.orch.DeleteTask(h.ctx, a.ID, true, true); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}

	if !slices.Contains(h.sup.stoppedIDs(), sa.ID) {
		t.Error("live session was not stopped")
	}
	if _, err := h.orch.Session(h.ctx, sa.ID); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("session of deleted task still present: %v", err)
	}
	if _, err := h.orch.Task(h.ctx, a.ID); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("deleted task still present: %v", err)
	}
	if got := h.prov.removedPaths(); !slices.Equal(got, []string{a.WorktreePath}) {
		t.Errorf("removed worktrees = %v", got)
	}
	if !h.prov.branchDel[0] {
		t.Error("branch deletion was not requested")
	}

	h.wantStatus(sb.ID, model.StatusRunning)

	// The stopped process exits after its session is gone.
	h.sup.exit(t, sa.ID, 143)
	if n := h.activeCount(); n != 1 {
		t.Errorf("ActiveCount() = %d, want 1", n)
	}
}

func TestDeleteTask_KeepWorktree(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModeDirect)

	if err := h.orch.DeleteTask(h.ctx, task.ID, false, false); err != nil {
		t.Fatal(err)
	}
	if got := h.prov.removedPaths(); len(got) != 0 {
		t.Errorf("worktree removed although not requested: %v", got)
	}
}

func TestDeleteTask_RemovalFailureReported(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModeDirect)
	h.prov.removeErr = fmt.Errorf("worktree is locked")

	if err := h.orch.DeleteTask(h.ctx, task.ID, true, false); err == nil {
		t.Fatal("DeleteTask() should return the removal error")
	}
	if _, err := h.orch.Task(h.ctx, task.ID); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Error("task should be deleted even when removal fails")
	}
	if msg, _ := h.orch.TakeError(h.ctx); msg == "" {
		t.Error("removal failure was not recorded as the current error")
	}
}

func TestDeleteWorkspaceCascades(t *testing.T) {
	h := newHarness(t, withMaxConcurrent(2))
	a := h.addTask("A", model.ModeDirect)
	b := h.addTask("B", model.ModePlanFirst)
	sa := h.startSession(a.ID)
	h.startSession(b.ID)

	if err := h.orch.DeleteWorkspace(h.ctx, h.ws.ID); err != nil {
		t.Fatalf("DeleteWorkspace() error = %v", err)
	}

	if ws, _ := h.orch.Workspaces(h.ctx); len(ws) != 0 {
		t.Errorf("workspaces left: %+v", ws)
	}
	if tasks, _ := h.orch.Tasks(h.ctx); len(tasks) != 0 {
		t.Errorf("tasks left: %+v", tasks)
	}
	if sessions, _ := h.orch.Sessions(h.ctx); len(sessions) != 0 {
		t.Errorf("sessions left: %+v", sessions)
	}
	removed := h.prov.removedPaths()
	slices.Sort(removed)
	want := []string{a.WorktreePath, b.WorktreePath}
	slices.Sort(want)
	if !slices.Equal(removed, want) {
		t.Errorf("removed = %v, want %v", removed, want)
	}
	if !slices.Contains(h.sup.stoppedIDs(), sa.ID) {
		t.Error("live session was not stopped")
	}
}

func TestUpdateSettings(t *testing.T) {
	h := newHarness(t)
	a := h.addTask("A", model.ModeDirect)
	b := h.addTask("B", model.ModeDirect)
	c := h.addTask("C", model.ModeDirect)
	h.startSession(a.ID)
	sb := h.startSession(b.ID)
	sc := h.startSession(c.ID)

	settings, _ := h.orch.Settings(h.ctx)
	settings.MaxConcurrentSessions = 3
	if _, err := h.orch.UpdateSettings(h.ctx, settings); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	h.wantStatus(sb.ID, model.StatusRunning)
	h.wantStatus(sc.ID, model.StatusRunning)

	reloaded, err := h.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Settings == nil || reloaded.Settings.MaxConcurrentSessions != 3 {
		t.Errorf("persisted settings = %+v", reloaded.Settings)
	}

	t.Run("invalid settings are rejected", func(t *testing.T) {
		bad := settings
		bad.MaxConcurrentSessions = 0
		if _, err := h.orch.UpdateSettings(h.ctx, bad); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
		current, _ := h.orch.Settings(h.ctx)
		if current.MaxConcurrentSessions != 3 {
			t.Errorf("invalid update applied: %d", current.MaxConcurrentSessions)
		}
	})
}

func TestTaskAgentCommandOverride(t *testing.T) {
	h := newHarness(t)
	task, err := h.orch.CreateTask(h.ctx, TaskInput{
		WorkspaceID:          h.ws.ID,
		Title:                "A",
		Mode:                 model.ModeDirect,
		AgentCommandTemplate: "other-agent {{worktree}}",
	})
	if err != nil {
		t.Fatal(err)
	}

	s := h.startSession(task.ID)
	argv := h.sup.spec(t, s.ID).Argv
	if !slices.Equal(argv, []string{"other-agent", task.WorktreePath}) {
		t.Errorf("Argv = %q", argv)
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModePlanFirst)
	s := h.startSession(task.ID)
	h.sup.exit(t, s.ID, 0)
	// Exits are posted; a synchronous call orders the read after the flush.
	h.wantStatus(s.ID, model.StatusAwaitingApproval)

	snap, err := store.NewFileStore(h.dataDir).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Workspaces) != 1 || len(snap.Tasks) != 1 || len(snap.Sessions) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Sessions[0].Status != model.StatusAwaitingApproval {
		t.Errorf("persisted status = %s", snap.Sessions[0].Status)
	}
	if _, err := os.Stat(filepath.Join(h.store.Dir(), store.TasksFile)); err != nil {
		t.Errorf("tasks.json missing: %v", err)
	}
}

func TestSaveFailureKeepsMemoryState(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModeDirect)

	// A plain file where the data directory should be makes every save fail.
	if err := os.RemoveAll(h.store.Dir()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(h.store.Dir(), []byte("not a directory"), 0644); err != nil {
		t.Fatal(err)
	}
	from := h.rec.len()

	s := h.startSession(task.ID)
	h.wantStatus(s.ID, model.StatusRunning)
	h.sup.exit(t, s.ID, 0)
	h.wantStatus(s.ID, model.StatusSucceeded)

	h.rec.mu.Lock()
	events := slices.Clone(h.rec.events[from:])
	h.rec.mu.Unlock()

	var saveErrors int
	for _, e := range events {
		if ee, ok := e.(event.ErrorEvent); ok && ee.Op == "save sessions" {
			saveErrors++
			if ee.Message == "" {
				t.Error("ErrorEvent has no message")
			}
		}
	}
	if saveErrors < 2 {
		t.Errorf("save sessions errors = %d, want one per changing step", saveErrors)
	}
}
