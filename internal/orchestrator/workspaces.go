package orchestrator

import (
	"context"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/util"
)

// WorkspaceInput describes a workspace to add. Empty optional fields take
// defaults: Name from the repository directory, DefaultBaseBranch "main",
// WorktreesRoot from settings.
type WorkspaceInput struct {
	Name              string `json:"name"`
	RepoPath          string `json:"repo_path"`
	DefaultBaseBranch string `json:"default_base_branch"`
	WorktreesRoot     string `json:"worktrees_root"`
}

// WorkspaceUpdate changes the non-nil fields of a workspace. The repository
// path is fixed once added.
type WorkspaceUpdate struct {
	Name              *string `json:"name,omitempty"`
	DefaultBaseBranch *string `json:"default_base_branch,omitempty"`
	WorktreesRoot     *string `json:"worktrees_root,omitempty"`
}

// AddWorkspace registers a git repository.
func (o *Orchestrator) AddWorkspace(ctx context.Context, in WorkspaceInput) (model.Workspace, error) {
	repo := strings.TrimSpace(util.ExpandHome(in.RepoPath))
	if repo == "" {
		return model.Workspace{}, errors.NewValidationError("repository path is required").WithField("repo_path")
	}
	if abs, err := filepath.Abs(repo); err == nil {
		repo = abs
	}
	if !o.prov.IsValidRepository(ctx, repo) {
		return model.Workspace{}, errors.NewGitError("not a git repository", errors.ErrNotGitRepository).
			WithRepository(repo)
	}

	var out model.Workspace
	err := o.call(ctx, func() error {
		now := o.now()
		ws := model.Workspace{
			ID:                o.newID(),
			Name:              strings.TrimSpace(in.Name),
			RepoPath:          repo,
			DefaultBaseBranch: strings.TrimSpace(in.DefaultBaseBranch),
			WorktreesRoot:     util.ExpandHome(strings.TrimSpace(in.WorktreesRoot)),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if ws.Name == "" {
			ws.Name = filepath.Base(repo)
		}
		if ws.DefaultBaseBranch == "" {
			ws.DefaultBaseBranch = model.DefaultBaseBranch
		}
		if ws.WorktreesRoot == "" {
			ws.WorktreesRoot = util.ExpandHome(o.settings.DefaultWorktreesRoot)
		}

		o.workspaces = append(o.workspaces, ws)
		o.dirty.workspaces = true
		o.bus.Publish(event.NewWorkspaceChangedEvent(event.ActionCreated, ws))
		o.logger.Info("workspace added", "workspace_id", ws.ID, "repo", ws.RepoPath)
		out = ws
		return nil
	})
	return out, err
}

// UpdateWorkspace applies the non-nil fields of upd. Existing tasks keep
// their worktree paths.
func (o *Orchestrator) UpdateWorkspace(ctx context.Context, id string, upd WorkspaceUpdate) (model.Workspace, error) {
	var out model.Workspace
	err := o.call(ctx, func() error {
		i := o.workspaceIndex(id)
		if i < 0 {
			return errors.NewNotFoundError("workspace", id)
		}
		ws := o.workspaces[i]
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return errors.NewValidationError("name must not be empty").WithField("name")
			}
			ws.Name = name
		}
		if upd.DefaultBaseBranch != nil {
			branch := strings.TrimSpace(*upd.DefaultBaseBranch)
			if branch == "" {
				return errors.NewValidationError("base branch must not be empty").WithField("default_base_branch")
			}
			ws.DefaultBaseBranch = branch
		}
		if upd.WorktreesRoot != nil {
			root := util.ExpandHome(strings.TrimSpace(*upd.WorktreesRoot))
			if root == "" {
				return errors.NewValidationError("worktrees root must not be empty").WithField("worktrees_root")
			}
			ws.WorktreesRoot = root
		}
		ws.UpdatedAt = o.now()

		o.workspaces[i] = ws
		o.dirty.workspaces = true
		o.bus.Publish(event.NewWorkspaceChangedEvent(event.ActionUpdated, ws))
		out = ws
		return nil
	})
	return out, err
}

// DeleteWorkspace removes a workspace and all of its tasks, stopping their
// sessions. Task worktrees are removed in parallel after the records are
// gone; branches are kept. Removal failures are joined into the returned
// error.
func (o *Orchestrator) DeleteWorkspace(ctx context.Context, id string) error {
	var removals []worktreeRemoval
	err := o.call(ctx, func() error {
		i := o.workspaceIndex(id)
		if i < 0 {
			return errors.NewNotFoundError("workspace", id)
		}
		ws := o.workspaces[i]

		for _, task := range o.tasksForWorkspace(id) {
			o.removeTask(task.ID)
			removals = append(removals, worktreeRemoval{repo: ws.RepoPath, path: task.WorktreePath})
		}

		o.workspaces = append(o.workspaces[:i], o.workspaces[i+1:]...)
		o.dirty.workspaces = true
		o.bus.Publish(event.NewWorkspaceChangedEvent(event.ActionDeleted, ws))
		o.logger.Info("workspace deleted", "workspace_id", id, "tasks", len(removals))
		o.promote()
		return nil
	})
	if err != nil {
		return err
	}
	return o.removeWorktrees(ctx, removals)
}

// Workspaces returns all workspaces.
func (o *Orchestrator) Workspaces(ctx context.Context) ([]model.Workspace, error) {
	var out []model.Workspace
	err := o.call(ctx, func() error {
		out = append([]model.Workspace(nil), o.workspaces...)
		return nil
	})
	return out, err
}

// Workspace returns one workspace.
func (o *Orchestrator) Workspace(ctx context.Context, id string) (model.Workspace, error) {
	var out model.Workspace
	err := o.call(ctx, func() error {
		i := o.workspaceIndex(id)
		if i < 0 {
			return errors.NewNotFoundError("workspace", id)
		}
		out = o.workspaces[i]
		return nil
	})
	return out, err
}

func (o *Orchestrator) workspaceIndex(id string) int {
	for i := range o.workspaces {
		if o.workspaces[i].ID == id {
			return i
		}
	}
	return -1
}

type worktreeRemoval struct {
	repo         string
	path         string
	deleteBranch bool
}

// removeWorktrees runs removals in parallel on the caller's goroutine. The
// provisioner's git pool bounds how many run at once.
func (o *Orchestrator) removeWorktrees(ctx context.Context, removals []worktreeRemoval) error {
	if len(removals) == 0 {
		return nil
	}

	errs := make([]error, len(removals))
	var g errgroup.Group
	for i, r := range removals {
		g.Go(func() error {
			if err := o.prov.RemoveWorktree(ctx, r.repo, r.path, r.deleteBranch); err != nil {
				o.logger.Warn("worktree removal failed", "path", r.path, "error", err)
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		o.post(func() { o.setError("remove worktree", err) })
	}
	return err
}
