package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/store"
	"github.com/Iron-Ham/conductor/internal/supervisor"
)

func TestStartSession_LaunchesWhenSlotFree(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("Add login", model.ModePlanFirst)

	s := h.startSession(task.ID)

	if s.Status != model.StatusPlanning || s.Phase != model.PhasePlanner {
		t.Fatalf("session = %s/%s, want planner/planning", s.Phase, s.Status)
	}
	if s.PID == nil || s.StartedAt == nil || s.LastActivityAt == nil {
		t.Errorf("launch fields not set: %+v", s)
	}
	if want := filepath.Join(h.dataDir, "logs", task.ID, s.ID+".log"); s.LogPath != want {
		t.Errorf("LogPath = %s, want %s", s.LogPath, want)
	}
	if s.PlanPath != task.PlanPath() {
		t.Errorf("PlanPath = %s, want %s", s.PlanPath, task.PlanPath())
	}

	spec := h.sup.spec(t, s.ID)
	wantArgv := []string{"agent", "--mode", "planner", "--prompt", task.PromptPath()}
	if !slices.Equal(spec.Argv, wantArgv) {
		t.Errorf("Argv = %q, want %q", spec.Argv, wantArgv)
	}
	if spec.Dir != task.WorktreePath {
		t.Errorf("Dir = %s, want %s", spec.Dir, task.WorktreePath)
	}
	for _, kv := range []string{
		"PATH=/usr/bin",
		EnvSessionID + "=" + s.ID,
		EnvTaskID + "=" + task.ID,
		EnvPhase + "=planner",
		EnvWorktree + "=" + task.WorktreePath,
	} {
		if !slices.Contains(spec.Env, kv) {
			t.Errorf("Env missing %q: %v", kv, spec.Env)
		}
	}

	prompt, err := os.ReadFile(task.PromptPath())
	if err != nil {
		t.Fatalf("prompt file not written: %v", err)
	}
	if !strings.Contains(string(prompt), "Task: Add login") || !strings.Contains(string(prompt), task.PlanPath()) {
		t.Errorf("prompt not rendered:\n%s", prompt)
	}
}

func TestStartSession_DirectTaskRuns(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("Fix typo", model.ModeDirect)

	s := h.startSession(task.ID)
	if s.Status != model.StatusRunning || s.Phase != model.PhaseDirect {
		t.Fatalf("session = %s/%s, want direct/running", s.Phase, s.Status)
	}
	if s.PlanPath != "" {
		t.Errorf("direct session PlanPath = %q, want empty", s.PlanPath)
	}
	if argv := h.sup.spec(t, s.ID).Argv; slices.Contains(argv, "--yes") {
		t.Errorf("direct session got the non-interactive flag: %q", argv)
	}
}

func TestStartSession_QueuesWhenFull(t *testing.T) {
	h := newHarness(t)
	a := h.addTask("A", model.ModeDirect)
	b := h.addTask("B", model.ModeDirect)

	h.startSession(a.ID)
	sb := h.startSession(b.ID)

	if sb.Status != model.StatusQueued {
		t.Fatalf("second session status = %s, want queued", sb.Status)
	}
	if sb.StartedAt != nil || sb.PID != nil {
		t.Errorf("queued session has launch fields: %+v", sb)
	}
	if n := h.sup.launchCount(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
	if ok, _ := h.orch.CanAdmit(h.ctx); ok {
		t.Error("CanAdmit() = true with the only slot taken")
	}
}

func TestExitPromotesQueuedInSameStep(t *testing.T) {
	h := newHarness(t)
	a := h.addTask("A", model.ModeDirect)
	b := h.addTask("B", model.ModeDirect)

	sa := h.startSession(a.ID)
	sb := h.startSession(b.ID)

	mark := h.rec.len()
	h.sup.exit(t, sa.ID, 0)

	got := h.wantStatus(sa.ID, model.StatusSucceeded)
	if got.ExitCode == nil || *got.ExitCode != 0 || got.EndedAt == nil {
		t.Errorf("exit not recorded: %+v", got)
	}
	h.wantStatus(sb.ID, model.StatusRunning)

	want := []string{sa.ID + ":succeeded", sb.ID + ":running"}
	if changes := h.rec.statusChanges(mark); !slices.Equal(changes, want) {
		t.Errorf("status changes = %v, want %v", changes, want)
	}
}

func TestExitNonZeroFails(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModePlanFirst)
	s := h.startSession(task.ID)

	h.sup.exit(t, s.ID, 2)

	got := h.wantStatus(s.ID, model.StatusFailed)
	if got.ExitCode == nil || *got.ExitCode != 2 {
		t.Errorf("ExitCode = %v, want 2", got.ExitCode)
	}
}

func TestPromotionOrder(t *testing.T) {
	h := newHarness(t)
	a := h.addTask("A", model.ModeDirect)
	b := h.addTask("B", model.ModeDirect)
	c := h.addTask("C", model.ModeDirect)

	sa := h.startSession(a.ID)
	sb := h.startSession(b.ID)
	sc := h.startSession(c.ID)

	h.sup.exit(t, sa.ID, 1)

	h.wantStatus(sb.ID, model.StatusRunning)
	h.wantStatus(sc.ID, model.StatusQueued)
}

func TestAdmissionBoundHolds(t *testing.T) {
	const limit = 2
	h := newHarness(t, withMaxConcurrent(limit))

	var sessions []model.Session
	for _, title := range []string{"a", "b", "c", "d", "e", "f"} {
		task := h.addTask(title, model.ModeDirect)
		sessions = append(sessions, h.startSession(task.ID))
	}

	check := func(step string) {
		t.Helper()
		all, err := h.orch.Sessions(h.ctx)
		if err != nil {
			t.Fatal(err)
		}
		active := 0
		for _, s := range all {
			if !s.Status.IsActive() {
				continue
			}
			active++
			if !h.sup.IsAlive(s.ID) {
				t.Errorf("%s: session %s is %s without a live process", step, s.ID, s.Status)
			}
		}
		if active > limit {
			t.Errorf("%s: %d active sessions, limit %d", step, active, limit)
		}
	}

	check("after start")
	if n := h.activeCount(); n != limit {
		t.Fatalf("ActiveCount() = %d, want %d", n, limit)
	}

	// Finish sessions in a mixed order, always picking a running one.
	for _, code := range []int{0, 1, 0, 1, 0, 0} {
		all, _ := h.orch.Sessions(h.ctx)
		var runningID string
		for i := len(all) - 1; i >= 0; i-- {
			if all[i].Status == model.StatusRunning {
				runningID = all[i].ID
				break
			}
		}
		if runningID == "" {
			break
		}
		h.sup.exit(t, runningID, code)
		check("after exit of " + runningID)
	}

	for _, s := range sessions {
		if got := h.session(s.ID); !got.Status.IsTerminal() {
			t.Errorf("session %s ended as %s, want terminal", s.ID, got.Status)
		}
	}
}

func TestStartSession_TaskBusy(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModeDirect)
	s := h.startSession(task.ID)

	_, err := h.orch.StartSession(h.ctx, task.ID)
	if !errors.Is(err, errors.ErrTaskBusy) {
		t.Fatalf("second StartSession error = %v, want ErrTaskBusy", err)
	}

	h.sup.exit(t, s.ID, 0)
	if _, err := h.orch.StartSession(h.ctx, task.ID); err != nil {
		t.Errorf("StartSession after exit error = %v", err)
	}
}

func TestStartSession_UnknownTask(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.StartSession(h.ctx, "missing")
	if !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
}

func TestPlannerSuccessAwaitsApproval(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("Add login", model.ModePlanFirst)
	s := h.startSession(task.ID)

	plan := "# Plan\n1. Add form\n"
	if err := os.WriteFile(task.PlanPath(), []byte(plan), 0644); err != nil {
		t.Fatal(err)
	}
	h.sup.exit(t, s.ID, 0)

	got := h.wantStatus(s.ID, model.StatusAwaitingApproval)
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", got.ExitCode)
	}
	if n := h.activeCount(); n != 0 {
		t.Errorf("ActiveCount() = %d, want 0 while awaiting approval", n)
	}

	content, ok, err := h.orch.ReadPlan(h.ctx, task.ID)
	if err != nil || !ok || content != plan {
		t.Errorf("ReadPlan() = %q, %v, %v", content, ok, err)
	}
}

func TestApprovePlan_EditedPlanWrittenBeforeLaunch(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("Add login", model.ModePlanFirst)
	planner := h.startSession(task.ID)
	h.sup.exit(t, planner.ID, 0)

	var planAtLaunch string
	h.sup.mu.Lock()
	h.sup.onLaunch = func(spec supervisor.LaunchSpec) {
		data, _ := os.ReadFile(task.PlanPath())
		planAtLaunch = string(data)
	}
	h.sup.mu.Unlock()

	edited := "# Edited plan\n"
	executor, err := h.orch.ApprovePlan(h.ctx, planner.ID, &edited)
	if err != nil {
		t.Fatalf("ApprovePlan() error = %v", err)
	}

	if executor.ID == planner.ID {
		t.Fatal("ApprovePlan() returned the planner session")
	}
	if executor.Phase != model.PhaseExecutor || executor.Status != model.StatusRunning {
		t.Errorf("executor = %s/%s, want executor/running", executor.Phase, executor.Status)
	}
	if executor.PlanPath != task.PlanPath() {
		t.Errorf("executor PlanPath = %s, want %s", executor.PlanPath, task.PlanPath())
	}
	if planAtLaunch != edited {
		t.Errorf("plan at launch = %q, want %q", planAtLaunch, edited)
	}
	if argv := h.sup.spec(t, executor.ID).Argv; !slices.Contains(argv, "--yes") {
		t.Errorf("executor argv missing the non-interactive flag: %q", argv)
	}

	h.wantStatus(planner.ID, model.StatusAwaitingApproval)
}

func TestApprovePlan_WithoutEditKeepsPlan(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModePlanFirst)
	planner := h.startSession(task.ID)
	if err := os.WriteFile(task.PlanPath(), []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}
	h.sup.exit(t, planner.ID, 0)

	if _, err := h.orch.ApprovePlan(h.ctx, planner.ID, nil); err != nil {
		t.Fatalf("ApprovePlan() error = %v", err)
	}
	content, _, _ := h.orch.ReadPlan(h.ctx, task.ID)
	if content != "original" {
		t.Errorf("plan = %q, want unchanged", content)
	}
}

func TestApprovePlan_InvalidStatus(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModePlanFirst)
	s := h.startSession(task.ID)

	_, err := h.orch.ApprovePlan(h.ctx, s.ID, nil)
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("ApprovePlan(planning) error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelPlan(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModePlanFirst)
	s := h.startSession(task.ID)
	h.sup.exit(t, s.ID, 0)

	got, err := h.orch.CancelPlan(h.ctx, s.ID)
	if err != nil {
		t.Fatalf("CancelPlan() error = %v", err)
	}
	if got.Status != model.StatusStopped || got.EndedAt == nil {
		t.Errorf("cancelled session = %+v", got)
	}

	if _, err := h.orch.CancelPlan(h.ctx, s.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("second CancelPlan() error = %v, want ErrInvalidTransition", err)
	}
}

func TestStopSession(t *testing.T) {
	t.Run("running session stops and ignores its exit", func(t *testing.T) {
		h := newHarness(t)
		task := h.addTask("A", model.ModeDirect)
		s := h.startSession(task.ID)

		got, err := h.orch.StopSession(h.ctx, s.ID)
		if err != nil {
			t.Fatalf("StopSession() error = %v", err)
		}
		if got.Status != model.StatusStopped || got.EndedAt == nil {
			t.Errorf("stopped session = %+v", got)
		}
		if !slices.Contains(h.sup.stoppedIDs(), s.ID) {
			t.Error("supervisor Stop was not called")
		}

		mark := h.rec.len()
		h.sup.exit(t, s.ID, 143)
		after := h.wantStatus(s.ID, model.StatusStopped)
		if after.ExitCode != nil {
			t.Errorf("late exit recorded ExitCode %d", *after.ExitCode)
		}
		if n := h.rec.len(); n != mark {
			t.Errorf("late exit published %d events", n-mark)
		}
	})

	t.Run("queued session stops without a process", func(t *testing.T) {
		h := newHarness(t)
		a := h.addTask("A", model.ModeDirect)
		b := h.addTask("B", model.ModeDirect)
		h.startSession(a.ID)
		sb := h.startSession(b.ID)

		got, err := h.orch.StopSession(h.ctx, sb.ID)
		if err != nil || got.Status != model.StatusStopped {
			t.Fatalf("StopSession(queued) = %s, %v", got.Status, err)
		}
		if slices.Contains(h.sup.stoppedIDs(), sb.ID) {
			t.Error("supervisor Stop called for a queued session")
		}
		if n := h.sup.launchCount(); n != 1 {
			t.Errorf("launches = %d, want 1", n)
		}
	})

	t.Run("awaiting approval is cancelled", func(t *testing.T) {
		h := newHarness(t)
		task := h.addTask("A", model.ModePlanFirst)
		s := h.startSession(task.ID)
		h.sup.exit(t, s.ID, 0)

		got, err := h.orch.StopSession(h.ctx, s.ID)
		if err != nil || got.Status != model.StatusStopped {
			t.Fatalf("StopSession(awaiting) = %s, %v", got.Status, err)
		}
	})

	t.Run("terminal session is a no-op", func(t *testing.T) {
		h := newHarness(t)
		task := h.addTask("A", model.ModeDirect)
		s := h.startSession(task.ID)
		h.sup.exit(t, s.ID, 0)
		before := h.wantStatus(s.ID, model.StatusSucceeded)

		mark := h.rec.len()
		got, err := h.orch.StopSession(h.ctx, s.ID)
		if err != nil {
			t.Fatalf("StopSession() error = %v", err)
		}
		if got.Status != model.StatusSucceeded || !got.EndedAt.Equal(*before.EndedAt) {
			t.Errorf("terminal session changed: %+v", got)
		}
		if n := h.rec.len(); n != mark {
			t.Errorf("no-op stop published %d events", n-mark)
		}
		if slices.Contains(h.sup.stoppedIDs(), s.ID) {
			t.Error("supervisor Stop called for a terminal session")
		}
	})

	t.Run("stop frees the slot", func(t *testing.T) {
		h := newHarness(t)
		a := h.addTask("A", model.ModeDirect)
		b := h.addTask("B", model.ModeDirect)
		sa := h.startSession(a.ID)
		sb := h.startSession(b.ID)

		if _, err := h.orch.StopSession(h.ctx, sa.ID); err != nil {
			t.Fatal(err)
		}
		h.wantStatus(sb.ID, model.StatusRunning)
	})
}

func TestRetrySession(t *testing.T) {
	t.Run("executor retries as executor", func(t *testing.T) {
		h := newHarness(t)
		task := h.addTask("A", model.ModePlanFirst)
		planner := h.startSession(task.ID)
		h.sup.exit(t, planner.ID, 0)
		executor, err := h.orch.ApprovePlan(h.ctx, planner.ID, nil)
		if err != nil {
			t.Fatal(err)
		}
		h.sup.exit(t, executor.ID, 1)

		retry, err := h.orch.RetrySession(h.ctx, executor.ID)
		if err != nil {
			t.Fatalf("RetrySession() error = %v", err)
		}
		if retry.Phase != model.PhaseExecutor || retry.Status != model.StatusRunning {
			t.Errorf("retry = %s/%s, want executor/running", retry.Phase, retry.Status)
		}
	})

	t.Run("planner retries from the task mode", func(t *testing.T) {
		h := newHarness(t)
		task := h.addTask("A", model.ModePlanFirst)
		s := h.startSession(task.ID)
		h.sup.exit(t, s.ID, 1)

		retry, err := h.orch.RetrySession(h.ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if retry.Phase != model.PhasePlanner || retry.Status != model.StatusPlanning {
			t.Errorf("retry = %s/%s, want planner/planning", retry.Phase, retry.Status)
		}
	})

	t.Run("non-terminal is rejected", func(t *testing.T) {
		h := newHarness(t)
		task := h.addTask("A", model.ModeDirect)
		s := h.startSession(task.ID)

		if _, err := h.orch.RetrySession(h.ctx, s.ID); !errors.Is(err, errors.ErrInvalidTransition) {
			t.Errorf("RetrySession(running) error = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestLaunchFailure(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModeDirect)

	h.sup.mu.Lock()
	h.sup.failNext = 1
	h.sup.mu.Unlock()

	s, err := h.orch.StartSession(h.ctx, task.ID)
	if err == nil {
		t.Fatal("StartSession() should return the launch error")
	}
	if s.Status != model.StatusFailed || s.EndedAt == nil || s.ExitCode != nil {
		t.Errorf("failed launch = %+v", s)
	}
	if n := h.activeCount(); n != 0 {
		t.Errorf("ActiveCount() = %d, want 0", n)
	}

	msg, _ := h.orch.TakeError(h.ctx)
	if !strings.Contains(msg, "failed to start session") {
		t.Errorf("TakeError() = %q", msg)
	}
	if again, _ := h.orch.TakeError(h.ctx); again != "" {
		t.Errorf("second TakeError() = %q, want empty", again)
	}
}

func TestLaunchFailureDuringPromotionContinues(t *testing.T) {
	h := newHarness(t)
	a := h.addTask("A", model.ModeDirect)
	b := h.addTask("B", model.ModeDirect)
	c := h.addTask("C", model.ModeDirect)

	sa := h.startSession(a.ID)
	sb := h.startSession(b.ID)
	sc := h.startSession(c.ID)

	h.sup.mu.Lock()
	h.sup.failNext = 1
	h.sup.mu.Unlock()
	h.sup.exit(t, sa.ID, 0)

	h.wantStatus(sb.ID, model.StatusFailed)
	h.wantStatus(sc.ID, model.StatusRunning)
	if msg, _ := h.orch.TakeError(h.ctx); msg == "" {
		t.Error("background launch failure was not recorded")
	}
}

func TestOutputUpdatesActivity(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModeDirect)
	s := h.startSession(task.ID)

	h.clock.Advance(time.Minute)
	h.sup.output(t, s.ID, "thinking...\nRunning: go test ./...\n")

	got := h.session(s.ID)
	if got.LastToolAction != "go test ./..." {
		t.Errorf("LastToolAction = %q", got.LastToolAction)
	}
	if !got.LastActivityAt.Equal(h.clock.Now()) {
		t.Errorf("LastActivityAt = %v, want %v", got.LastActivityAt, h.clock.Now())
	}

	h.sup.output(t, s.ID, "no markers here")
	if got := h.session(s.ID); got.LastToolAction != "go test ./..." {
		t.Errorf("LastToolAction cleared by plain output: %q", got.LastToolAction)
	}
}

func TestPersistedBeforeReturn(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModeDirect)
	s := h.startSession(task.ID)

	data, err := os.ReadFile(filepath.Join(h.store.Dir(), store.SessionsFile))
	if err != nil {
		t.Fatalf("sessions.json not written: %v", err)
	}
	var sessions []model.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].ID != s.ID || sessions[0].Status != model.StatusRunning {
		t.Errorf("persisted sessions = %+v", sessions)
	}
}

func TestReadLog(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModeDirect)
	s := h.startSession(task.ID)

	if out, err := h.orch.ReadLog(h.ctx, s.ID, 0); err != nil || out != "" {
		t.Errorf("ReadLog() before output = %q, %v", out, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.LogPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.LogPath, []byte("one\ntwo\nthree\n"), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := h.orch.ReadLog(h.ctx, s.ID, 2)
	if err != nil || out != "two\nthree\n" {
		t.Errorf("ReadLog(2) = %q, %v", out, err)
	}
	out, _ = h.orch.ReadLog(h.ctx, s.ID, 0)
	if out != "one\ntwo\nthree\n" {
		t.Errorf("ReadLog(default) = %q", out)
	}

	if _, err := h.orch.ReadLog(h.ctx, "missing", 0); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("ReadLog(missing) error = %v", err)
	}
}

func TestLatestSessionAndSessionsForTask(t *testing.T) {
	h := newHarness(t)
	task := h.addTask("A", model.ModeDirect)

	if _, ok, _ := h.orch.LatestSession(h.ctx, task.ID); ok {
		t.Fatal("LatestSession() found a session for a new task")
	}

	first := h.startSession(task.ID)
	h.sup.exit(t, first.ID, 1)
	h.clock.Advance(time.Second)
	second, err := h.orch.RetrySession(h.ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}

	latest, ok, err := h.orch.LatestSession(h.ctx, task.ID)
	if err != nil || !ok || latest.ID != second.ID {
		t.Errorf("LatestSession() = %s, %v, %v; want %s", latest.ID, ok, err, second.ID)
	}
	list, _ := h.orch.SessionsForTask(h.ctx, task.ID)
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("SessionsForTask() order wrong: %+v", list)
	}
}
