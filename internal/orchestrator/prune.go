package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// StaleWorktree is a worktree under a workspace's worktrees root that no
// task owns, typically left behind by a task deleted with its worktree kept.
type StaleWorktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch,omitempty"`
}

// StaleWorktrees lists the workspace repository's worktrees that lie under
// its worktrees root and belong to no task.
func (o *Orchestrator) StaleWorktrees(ctx context.Context, workspaceID string) ([]StaleWorktree, error) {
	ws, err := o.Workspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	owned := make(map[string]bool)
	err = o.call(ctx, func() error {
		for _, t := range o.tasks {
			owned[filepath.Clean(t.WorktreePath)] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	paths, err := o.prov.ListWorktrees(ctx, ws.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	root := filepath.Clean(ws.WorktreesRoot)
	var stale []StaleWorktree
	for _, p := range paths {
		p = filepath.Clean(p)
		if owned[p] || !isWithin(root, p) {
			continue
		}
		branch, err := o.prov.CurrentBranch(ctx, p)
		if err != nil {
			o.logger.Debug("branch lookup failed", "path", p, "error", err)
		}
		stale = append(stale, StaleWorktree{Path: p, Branch: branch})
	}
	return stale, nil
}

// PruneWorktrees removes the workspace's stale worktrees and returns them.
// Their branches are deleted only when deleteBranch is set, and main and
// master never are.
func (o *Orchestrator) PruneWorktrees(ctx context.Context, workspaceID string, deleteBranch bool) ([]StaleWorktree, error) {
	ws, err := o.Workspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	stale, err := o.StaleWorktrees(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	removals := make([]worktreeRemoval, len(stale))
	for i, s := range stale {
		removals[i] = worktreeRemoval{repo: ws.RepoPath, path: s.Path, deleteBranch: deleteBranch}
	}
	o.logger.Info("pruning worktrees", "workspace_id", ws.ID, "count", len(removals))
	return stale, o.removeWorktrees(ctx, removals)
}

// isWithin reports whether path is strictly inside root.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
