package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
)

// TaskInput describes a task to create. Empty optional fields take
// defaults: BaseBranch from the workspace, BranchName suggested from the
// title, Mode plan_first.
type TaskInput struct {
	WorkspaceID          string     `json:"workspace_id"`
	Title                string     `json:"title"`
	Description          string     `json:"description"`
	BaseBranch           string     `json:"base_branch"`
	BranchName           string     `json:"branch_name"`
	Mode                 model.Mode `json:"mode"`
	AgentCommandTemplate string     `json:"agent_command_template"`
}

// CreateTask provisions the task's branch and worktree, then records the
// task. Nothing is recorded when provisioning fails.
func (o *Orchestrator) CreateTask(ctx context.Context, in TaskInput) (model.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return model.Task{}, errors.NewValidationError("title is required").WithField("title")
	}
	mode := in.Mode
	if mode == "" {
		mode = model.ModePlanFirst
	}
	if !mode.Valid() {
		return model.Task{}, errors.NewValidationError("unknown mode").WithField("mode").WithValue(string(mode))
	}

	ws, err := o.Workspace(ctx, in.WorkspaceID)
	if err != nil {
		return model.Task{}, err
	}

	task := model.Task{
		Title:                title,
		Description:          in.Description,
		WorkspaceID:          ws.ID,
		BaseBranch:           strings.TrimSpace(in.BaseBranch),
		BranchName:           strings.TrimSpace(in.BranchName),
		Mode:                 mode,
		AgentCommandTemplate: strings.TrimSpace(in.AgentCommandTemplate),
	}
	if task.BaseBranch == "" {
		task.BaseBranch = ws.DefaultBaseBranch
	}
	if task.BranchName == "" {
		task.BranchName = model.SuggestBranchName(title)
	}
	task.WorktreePath = model.WorktreePathFor(ws.WorktreesRoot, task.BranchName)

	log := o.logger.With("workspace_id", ws.ID, "branch", task.BranchName)
	log.Info("provisioning worktree", "path", task.WorktreePath, "base", task.BaseBranch)
	if err := o.prov.CreateWorktree(ctx, ws.RepoPath, task.WorktreePath, task.BranchName, task.BaseBranch); err != nil {
		return model.Task{}, fmt.Errorf("provision worktree: %w", err)
	}

	err = o.call(ctx, func() error {
		if o.workspaceIndex(ws.ID) < 0 {
			return errors.NewNotFoundError("workspace", ws.ID)
		}
		now := o.now()
		task.ID = o.newID()
		task.CreatedAt = now
		task.UpdatedAt = now

		o.tasks = append(o.tasks, task)
		o.dirty.tasks = true
		o.bus.Publish(event.NewTaskChangedEvent(event.ActionCreated, task))
		log.Info("task created", "task_id", task.ID)
		return nil
	})
	if err != nil {
		// The workspace went away while git was running.
		_ = o.removeWorktrees(ctx, []worktreeRemoval{{repo: ws.RepoPath, path: task.WorktreePath, deleteBranch: true}})
		return model.Task{}, err
	}
	return task, nil
}

// DeleteTask stops the task's live sessions and removes the task with all
// of its sessions. When removeWorktree is set the worktree is removed
// afterwards, and deleteBranch also deletes its branch. A removal failure is
// returned, but the records are gone regardless.
func (o *Orchestrator) DeleteTask(ctx context.Context, id string, removeWorktree, deleteBranch bool) error {
	var removals []worktreeRemoval
	err := o.call(ctx, func() error {
		ti := o.taskIndex(id)
		if ti < 0 {
			return errors.NewNotFoundError("task", id)
		}
		task := o.tasks[ti]
		if removeWorktree {
			if wi := o.workspaceIndex(task.WorkspaceID); wi >= 0 {
				removals = append(removals, worktreeRemoval{
					repo:         o.workspaces[wi].RepoPath,
					path:         task.WorktreePath,
					deleteBranch: deleteBranch,
				})
			}
		}
		o.removeTask(id)
		o.promote()
		return nil
	})
	if err != nil {
		return err
	}
	return o.removeWorktrees(ctx, removals)
}

// Tasks returns all tasks.
func (o *Orchestrator) Tasks(ctx context.Context) ([]model.Task, error) {
	var out []model.Task
	err := o.call(ctx, func() error {
		out = append([]model.Task(nil), o.tasks...)
		return nil
	})
	return out, err
}

// TasksForWorkspace returns the workspace's tasks.
func (o *Orchestrator) TasksForWorkspace(ctx context.Context, workspaceID string) ([]model.Task, error) {
	var out []model.Task
	err := o.call(ctx, func() error {
		out = o.tasksForWorkspace(workspaceID)
		return nil
	})
	return out, err
}

// Task returns one task.
func (o *Orchestrator) Task(ctx context.Context, id string) (model.Task, error) {
	var out model.Task
	err := o.call(ctx, func() error {
		i := o.taskIndex(id)
		if i < 0 {
			return errors.NewNotFoundError("task", id)
		}
		out = o.tasks[i]
		return nil
	})
	return out, err
}

func (o *Orchestrator) taskIndex(id string) int {
	for i := range o.tasks {
		if o.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) tasksForWorkspace(workspaceID string) []model.Task {
	var out []model.Task
	for _, t := range o.tasks {
		if t.WorkspaceID == workspaceID {
			out = append(out, t)
		}
	}
	return out
}

// removeTask drops a task and its sessions, stopping any live process.
// Exits reported for those processes later find no session and are ignored.
func (o *Orchestrator) removeTask(id string) {
	kept := o.sessions[:0]
	for _, s := range o.sessions {
		if s.TaskID != id {
			kept = append(kept, s)
			continue
		}
		if s.Status.HasProcess() {
			if err := o.sup.Stop(s.ID); err != nil {
				o.logger.WithSession(s.ID).Warn("stop failed", "error", err)
			}
		}
		o.bus.Publish(event.NewSessionRemovedEvent(s))
	}
	o.sessions = kept
	o.dirty.sessions = true

	ti := o.taskIndex(id)
	task := o.tasks[ti]
	o.tasks = append(o.tasks[:ti], o.tasks[ti+1:]...)
	o.dirty.tasks = true
	o.bus.Publish(event.NewTaskChangedEvent(event.ActionDeleted, task))
	o.logger.WithTask(id).Info("task deleted")
}
