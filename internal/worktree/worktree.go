package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
)

// protectedBranches are never deleted by RemoveWorktree.
var protectedBranches = map[string]bool{
	"main":   true,
	"master": true,
}

// GitProvisioner implements Provisioner with the git CLI.
type GitProvisioner struct {
	executor CommandExecutor
	pool     *Pool
	logger   *logging.Logger
}

// Option configures a GitProvisioner.
type Option func(*GitProvisioner)

// WithExecutor replaces the command executor. Used by tests.
func WithExecutor(e CommandExecutor) Option {
	return func(g *GitProvisioner) { g.executor = e }
}

// WithPool bounds concurrent git operations.
func WithPool(p *Pool) Option {
	return func(g *GitProvisioner) { g.pool = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *GitProvisioner) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGitProvisioner creates a GitProvisioner. Without options it runs git
// directly with DefaultMaxParallelGit concurrent operations.
func NewGitProvisioner(opts ...Option) *GitProvisioner {
	g := &GitProvisioner{
		executor: NewCLICommandExecutor(),
		pool:     NewPool(DefaultMaxParallelGit),
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithComponent("worktree")
	return g
}

// git runs one git command under the pool.
func (g *GitProvisioner) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	var out []byte
	err := g.pool.Run(ctx, func() error {
		var runErr error
		out, runErr = g.executor.Run(ctx, dir, "git", args...)
		return runErr
	})
	return out, err
}

// IsValidRepository reports whether repo is inside a git repository.
func (g *GitProvisioner) IsValidRepository(ctx context.Context, repo string) bool {
	_, err := g.git(ctx, repo, "rev-parse", "--git-dir")
	return err == nil
}

// FetchAll fetches every remote and prunes stale remote-tracking refs.
func (g *GitProvisioner) FetchAll(ctx context.Context, repo string) error {
	out, err := g.git(ctx, repo, "fetch", "--all", "--prune")
	if err != nil {
		return errors.NewGitError("fetch", errors.ErrGitCommandFailed).
			WithRepository(repo).
			WithGitOutput(string(out))
	}
	return nil
}

// BranchExists checks local branches first, then origin/<branch>.
func (g *GitProvisioner) BranchExists(ctx context.Context, repo, branch string) (bool, error) {
	out, err := g.git(ctx, repo, "branch", "--list", branch)
	if err != nil {
		return false, errors.NewGitError("list branches", errors.ErrGitCommandFailed).
			WithRepository(repo).
			WithBranch(branch).
			WithGitOutput(string(out))
	}
	if strings.TrimSpace(string(out)) != "" {
		return true, nil
	}

	out, err = g.git(ctx, repo, "branch", "-r", "--list", "origin/"+branch)
	if err != nil {
		return false, errors.NewGitError("list remote branches", errors.ErrGitCommandFailed).
			WithRepository(repo).
			WithBranch(branch).
			WithGitOutput(string(out))
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// CreateWorktree creates a worktree at path on a new branch. The branch
// starts from origin/<base> when that ref exists after fetching, otherwise
// from the local <base>.
func (g *GitProvisioner) CreateWorktree(ctx context.Context, repo, path, branch, base string) error {
	if !g.IsValidRepository(ctx, repo) {
		return errors.NewGitError("create worktree", errors.ErrNotGitRepository).WithRepository(repo)
	}

	if _, err := os.Stat(path); err == nil {
		return errors.NewGitError("create worktree", errors.ErrPathExists).
			WithRepository(repo).
			WithWorktree(path)
	}

	exists, err := g.BranchExists(ctx, repo, branch)
	if err != nil {
		return err
	}
	if exists {
		return errors.NewGitError("create worktree", errors.ErrBranchExists).
			WithRepository(repo).
			WithBranch(branch)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewGitError("create worktree parent directory", err).
			WithRepository(repo).
			WithWorktree(path)
	}

	if err := g.FetchAll(ctx, repo); err != nil {
		return err
	}

	startPoint := base
	remoteRef := "origin/" + base
	if _, err := g.git(ctx, repo, "rev-parse", "--verify", "--quiet", "refs/remotes/"+remoteRef); err == nil {
		startPoint = remoteRef
	}

	out, err := g.git(ctx, repo, "worktree", "add", path, "-b", branch, startPoint)
	if err != nil {
		return errors.NewGitError("create worktree", errors.ErrGitCommandFailed).
			WithRepository(repo).
			WithWorktree(path).
			WithBranch(branch).
			WithGitOutput(string(out))
	}

	g.logger.Info("worktree created",
		"repo", repo,
		"path", path,
		"branch", branch,
		"start_point", startPoint,
	)
	return nil
}

// RemoveWorktree force-removes the worktree. If git refuses, the directory
// is deleted and stale worktree entries are pruned. With deleteBranch the
// branch that was checked out is deleted unless it is main or master.
func (g *GitProvisioner) RemoveWorktree(ctx context.Context, repo, path string, deleteBranch bool) error {
	var branch string
	if deleteBranch {
		if b, err := g.CurrentBranch(ctx, path); err == nil {
			branch = b
		}
	}

	if out, err := g.git(ctx, repo, "worktree", "remove", path, "--force"); err != nil {
		g.logger.Warn("git worktree remove failed, deleting directory",
			"path", path,
			"output", strings.TrimSpace(string(out)),
		)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return errors.NewGitError("remove worktree", rmErr).
				WithRepository(repo).
				WithWorktree(path)
		}
		_, _ = g.git(ctx, repo, "worktree", "prune")
	}

	if branch != "" && !protectedBranches[branch] && branch != "HEAD" {
		if out, err := g.git(ctx, repo, "branch", "-D", branch); err != nil {
			g.logger.Warn("failed to delete branch",
				"branch", branch,
				"output", strings.TrimSpace(string(out)),
			)
		}
	}

	g.logger.Info("worktree removed", "repo", repo, "path", path, "branch_deleted", branch)
	return nil
}

// ListWorktrees parses `git worktree list --porcelain`.
func (g *GitProvisioner) ListWorktrees(ctx context.Context, repo string) ([]string, error) {
	out, err := g.git(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.NewGitError("list worktrees", errors.ErrGitCommandFailed).
			WithRepository(repo).
			WithGitOutput(string(out))
	}

	var worktrees []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			worktrees = append(worktrees, strings.TrimPrefix(line, "worktree "))
		}
	}
	return worktrees, nil
}

// CurrentBranch returns the branch checked out at path.
func (g *GitProvisioner) CurrentBranch(ctx context.Context, path string) (string, error) {
	out, err := g.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("current branch", errors.ErrGitCommandFailed).
			WithWorktree(path).
			WithGitOutput(string(out))
	}
	return strings.TrimSpace(string(out)), nil
}
