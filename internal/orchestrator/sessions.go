package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/supervisor"
	"github.com/Iron-Ham/conductor/internal/template"
)

// Environment variables set for every launched agent.
const (
	EnvSessionID = "CONDUCTOR_SESSION_ID"
	EnvTaskID    = "CONDUCTOR_TASK_ID"
	EnvPhase     = "CONDUCTOR_PHASE"
	EnvWorktree  = "CONDUCTOR_WORKTREE"
)

// StartSession creates a session for the task in the phase its mode starts
// with. The session launches immediately when a slot is free and queues
// otherwise. A launch failure leaves the session failed and is returned
// together with it.
func (o *Orchestrator) StartSession(ctx context.Context, taskID string) (model.Session, error) {
	var out model.Session
	err := o.call(ctx, func() error {
		ti := o.taskIndex(taskID)
		if ti < 0 {
			return errors.NewNotFoundError("task", taskID)
		}
		if o.taskBusy(taskID) {
			return errors.NewSessionError("task already has a session in progress", errors.ErrTaskBusy).
				WithTaskID(taskID)
		}
		task := o.tasks[ti]
		var launchErr error
		out, launchErr = o.enqueue(o.newSession(&task, task.Mode.StartPhase()))
		return launchErr
	})
	return out, err
}

// StopSession stops a session. Live sessions are signalled and marked
// stopped at once; a queued session is stopped without ever launching; a
// session awaiting approval is cancelled. Stopping a terminal session does
// nothing.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID string) (model.Session, error) {
	var out model.Session
	err := o.call(ctx, func() error {
		i := o.sessionIndex(sessionID)
		if i < 0 {
			return errors.NewNotFoundError("session", sessionID)
		}

		switch s := &o.sessions[i]; {
		case s.Status.IsTerminal():
		case s.Status.HasProcess():
			o.stopLive(i)
			o.promote()
		case s.Status == model.StatusQueued, s.Status == model.StatusAwaitingApproval:
			o.finish(i, model.StatusStopped, nil)
		}
		out = o.sessions[i]
		return nil
	})
	return out, err
}

// ApprovePlan accepts a planner session's plan and starts an executor
// session for the task. When editedPlan is non-nil it replaces the plan file
// before the executor is created. The planner session itself is unchanged.
func (o *Orchestrator) ApprovePlan(ctx context.Context, sessionID string, editedPlan *string) (model.Session, error) {
	var out model.Session
	err := o.call(ctx, func() error {
		i := o.sessionIndex(sessionID)
		if i < 0 {
			return errors.NewNotFoundError("session", sessionID)
		}
		s := o.sessions[i]
		if s.Status != model.StatusAwaitingApproval || s.Phase != model.PhasePlanner {
			return errors.NewSessionError("only a planner awaiting approval can be approved", errors.ErrInvalidTransition).
				WithSessionID(s.ID).
				WithStatus(string(s.Status))
		}
		ti := o.taskIndex(s.TaskID)
		if ti < 0 {
			return errors.NewNotFoundError("task", s.TaskID)
		}
		if o.taskBusy(s.TaskID) {
			return errors.NewSessionError("task already has a session in progress", errors.ErrTaskBusy).
				WithTaskID(s.TaskID)
		}
		task := o.tasks[ti]

		if editedPlan != nil {
			if err := os.WriteFile(task.PlanPath(), []byte(*editedPlan), 0644); err != nil {
				return fmt.Errorf("write plan: %w", err)
			}
		}

		var launchErr error
		out, launchErr = o.enqueue(o.newSession(&task, model.PhaseExecutor))
		return launchErr
	})
	return out, err
}

// CancelPlan rejects a plan awaiting approval, stopping its session.
func (o *Orchestrator) CancelPlan(ctx context.Context, sessionID string) (model.Session, error) {
	var out model.Session
	err := o.call(ctx, func() error {
		i := o.sessionIndex(sessionID)
		if i < 0 {
			return errors.NewNotFoundError("session", sessionID)
		}
		if o.sessions[i].Status != model.StatusAwaitingApproval {
			return errors.NewSessionError("session is not awaiting approval", errors.ErrInvalidTransition).
				WithSessionID(sessionID).
				WithStatus(string(o.sessions[i].Status))
		}
		o.finish(i, model.StatusStopped, nil)
		out = o.sessions[i]
		return nil
	})
	return out, err
}

// RetrySession starts a new session for a terminal session's task. An
// executor is retried as an executor, so an approved plan is not planned
// again; any other phase restarts from the task's mode.
func (o *Orchestrator) RetrySession(ctx context.Context, sessionID string) (model.Session, error) {
	var out model.Session
	err := o.call(ctx, func() error {
		i := o.sessionIndex(sessionID)
		if i < 0 {
			return errors.NewNotFoundError("session", sessionID)
		}
		s := o.sessions[i]
		if !s.Status.IsTerminal() {
			return errors.NewSessionError("only finished sessions can be retried", errors.ErrInvalidTransition).
				WithSessionID(s.ID).
				WithStatus(string(s.Status))
		}
		ti := o.taskIndex(s.TaskID)
		if ti < 0 {
			return errors.NewNotFoundError("task", s.TaskID)
		}
		if o.taskBusy(s.TaskID) {
			return errors.NewSessionError("task already has a session in progress", errors.ErrTaskBusy).
				WithTaskID(s.TaskID)
		}
		task := o.tasks[ti]

		phase := task.Mode.StartPhase()
		if s.Phase == model.PhaseExecutor {
			phase = model.PhaseExecutor
		}

		var launchErr error
		out, launchErr = o.enqueue(o.newSession(&task, phase))
		return launchErr
	})
	return out, err
}

// Session returns one session.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (model.Session, error) {
	var out model.Session
	err := o.call(ctx, func() error {
		i := o.sessionIndex(sessionID)
		if i < 0 {
			return errors.NewNotFoundError("session", sessionID)
		}
		out = o.sessions[i]
		return nil
	})
	return out, err
}

// Sessions returns every session in creation order.
func (o *Orchestrator) Sessions(ctx context.Context) ([]model.Session, error) {
	var out []model.Session
	err := o.call(ctx, func() error {
		out = append([]model.Session(nil), o.sessions...)
		return nil
	})
	return out, err
}

// SessionsForTask returns the task's sessions, newest first.
func (o *Orchestrator) SessionsForTask(ctx context.Context, taskID string) ([]model.Session, error) {
	var out []model.Session
	err := o.call(ctx, func() error {
		out = o.sessionsForTask(taskID)
		return nil
	})
	return out, err
}

// LatestSession returns the task's newest session. The boolean is false
// when the task has none.
func (o *Orchestrator) LatestSession(ctx context.Context, taskID string) (model.Session, bool, error) {
	var (
		out   model.Session
		found bool
	)
	err := o.call(ctx, func() error {
		if sessions := o.sessionsForTask(taskID); len(sessions) > 0 {
			out, found = sessions[0], true
		}
		return nil
	})
	return out, found, err
}

// ActiveCount returns the number of planning or running sessions.
func (o *Orchestrator) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := o.call(ctx, func() error {
		n = o.activeCount()
		return nil
	})
	return n, err
}

// CanAdmit reports whether another session could launch now.
func (o *Orchestrator) CanAdmit(ctx context.Context) (bool, error) {
	var ok bool
	err := o.call(ctx, func() error {
		ok = o.canAdmit()
		return nil
	})
	return ok, err
}

// -----------------------------------------------------------------------------
// Coordinator-side helpers. Everything below runs on the coordinator.
// -----------------------------------------------------------------------------

func (o *Orchestrator) sessionIndex(id string) int {
	for i := range o.sessions {
		if o.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) sessionsForTask(taskID string) []model.Session {
	var out []model.Session
	for _, s := range o.sessions {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	model.SortNewestFirst(out)
	return out
}

// taskBusy reports whether the task has a session that is queued or holds a
// live process.
func (o *Orchestrator) taskBusy(taskID string) bool {
	for _, s := range o.sessions {
		if s.TaskID == taskID && (s.Status == model.StatusQueued || s.Status.HasProcess()) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) newSession(task *model.Task, phase model.Phase) model.Session {
	id := o.newID()
	s := model.Session{
		ID:        id,
		TaskID:    task.ID,
		Phase:     phase,
		Status:    model.StatusQueued,
		CreatedAt: o.now(),
		LogPath:   filepath.Join(o.LogDir(), task.ID, id+".log"),
	}
	if phase != model.PhaseDirect {
		s.PlanPath = task.PlanPath()
	}
	return s
}

// enqueue appends s as queued and promotes. It returns the session as it
// stands afterwards and the launch error if s itself failed to launch.
func (o *Orchestrator) enqueue(s model.Session) (model.Session, error) {
	o.sessions = append(o.sessions, s)
	o.dirty.sessions = true
	o.bus.Publish(event.NewSessionChangedEvent(s, ""))

	launchErrs := o.promote()

	i := o.sessionIndex(s.ID)
	return o.sessions[i], launchErrs[s.ID]
}

// setStatus moves session i to status and publishes the change.
func (o *Orchestrator) setStatus(i int, status model.Status) {
	s := &o.sessions[i]
	prev := s.Status
	s.Status = status
	o.dirty.sessions = true
	o.bus.Publish(event.NewSessionChangedEvent(*s, prev))
}

// finish ends session i's run in status, recording the end time and the
// exit code when one was reported. A planner awaiting approval has also
// finished running.
func (o *Orchestrator) finish(i int, status model.Status, exitCode *int) {
	now := o.now()
	s := &o.sessions[i]
	s.EndedAt = &now
	if exitCode != nil {
		code := *exitCode
		s.ExitCode = &code
	}
	o.setStatus(i, status)
}

// stopLive signals session i's process and marks it stopped. The exit
// reported later is ignored because the session is already terminal.
func (o *Orchestrator) stopLive(i int) {
	id := o.sessions[i].ID
	if err := o.sup.Stop(id); err != nil {
		o.logger.WithSession(id).Warn("stop failed", "error", err)
	}
	o.finish(i, model.StatusStopped, nil)
}

// launch starts session i's agent process. On failure the session is failed
// without an exit code and the error becomes the current error.
func (o *Orchestrator) launch(i int) error {
	s := o.sessions[i]
	log := o.logger.WithSession(s.ID).WithTask(s.TaskID).WithPhase(string(s.Phase))

	ti := o.taskIndex(s.TaskID)
	if ti < 0 {
		err := errors.NewNotFoundError("task", s.TaskID)
		o.finish(i, model.StatusFailed, nil)
		o.setError("launch session", err)
		return err
	}
	task := o.tasks[ti]

	now := o.now()
	o.sessions[i].StartedAt = &now
	o.sessions[i].LastActivityAt = &now

	if err := o.writePrompt(&task, s.Phase); err != nil {
		log.Warn("failed to write prompt file", "error", err)
	}

	cmdTemplate := task.AgentCommandTemplate
	if cmdTemplate == "" {
		cmdTemplate = o.settings.AgentCommandTemplate
	}
	rendered := template.Render(cmdTemplate, template.CommandBindings(
		task.WorktreePath, task.PromptPath(), string(s.Phase), o.settings.NonInteractiveFlag,
	))
	argv := template.Tokenize(rendered)

	env := append(o.environ(),
		EnvSessionID+"="+s.ID,
		EnvTaskID+"="+task.ID,
		EnvPhase+"="+string(s.Phase),
		EnvWorktree+"="+task.WorktreePath,
	)

	id := s.ID
	handle, err := o.sup.Launch(o.ctx, supervisor.LaunchSpec{
		SessionID: id,
		Argv:      argv,
		Dir:       task.WorktreePath,
		Env:       env,
		LogPath:   s.LogPath,
		OnOutput: func(chunk string) {
			o.post(func() { o.handleOutput(id, chunk) })
		},
		OnExit: func(code int) {
			o.post(func() { o.handleExit(id, code) })
		},
	})
	if err != nil {
		log.Error("launch failed", "error", err, "argv", argv)
		o.finish(i, model.StatusFailed, nil)
		o.setError("launch session", fmt.Errorf("failed to start session %s: %w", id, err))
		return err
	}

	pid := handle.PID
	o.sessions[i].PID = &pid
	o.setStatus(i, s.Phase.InitialStatus())
	log.Info("session launched", "pid", pid, "argv", argv)
	return nil
}

// writePrompt renders the phase's prompt template into the task's prompt file.
func (o *Orchestrator) writePrompt(task *model.Task, phase model.Phase) error {
	content := template.Render(o.settings.PromptTemplate(phase), template.Bindings{
		template.KeyTitle:       task.Title,
		template.KeyDescription: task.Description,
		template.KeyWorktree:    task.WorktreePath,
		template.KeyPlanFile:    task.PlanPath(),
		template.KeyBranch:      task.BranchName,
	})
	return os.WriteFile(task.PromptPath(), []byte(content), 0644)
}

// handleOutput records activity for a live session. Output never changes
// the status, so a blocked session stays blocked.
func (o *Orchestrator) handleOutput(sessionID, chunk string) {
	i := o.sessionIndex(sessionID)
	if i < 0 || !o.sessions[i].Status.HasProcess() {
		return
	}
	s := &o.sessions[i]
	now := o.now()
	s.LastActivityAt = &now
	if action := ParseToolAction(chunk); action != "" {
		s.LastToolAction = action
	}
	o.dirty.sessions = true
	o.bus.Publish(event.NewSessionActivityEvent(s.ID, s.TaskID, len(chunk), s.LastToolAction))
}

// handleExit resolves a process exit. Exits for sessions that were already
// stopped, or that no longer exist, are ignored.
func (o *Orchestrator) handleExit(sessionID string, code int) {
	i := o.sessionIndex(sessionID)
	if i < 0 || !o.sessions[i].Status.HasProcess() {
		return
	}

	status := model.StatusFailed
	if code == 0 {
		status = o.sessions[i].Phase.SuccessStatus()
	}
	o.finish(i, status, &code)

	o.logger.WithSession(sessionID).Info("session exited", "exit_code", code, "status", string(status))
	o.promote()
}
