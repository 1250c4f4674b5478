package worktree

import "context"

// CommandExecutor abstracts command execution for testability.
// This allows tests to mock git commands without executing them.
type CommandExecutor interface {
	// Run executes a command in dir and returns its combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// Provisioner creates and removes the isolated worktrees tasks run in.
// Every path argument is an absolute, already-expanded path.
type Provisioner interface {
	// IsValidRepository reports whether repo is inside a git repository.
	IsValidRepository(ctx context.Context, repo string) bool

	// FetchAll runs `git fetch --all --prune`.
	FetchAll(ctx context.Context, repo string) error

	// BranchExists reports whether branch exists locally or as origin/<branch>.
	BranchExists(ctx context.Context, repo, branch string) (bool, error)

	// CreateWorktree creates path with a new branch started from base.
	CreateWorktree(ctx context.Context, repo, path, branch, base string) error

	// RemoveWorktree removes path and optionally deletes the branch it had
	// checked out. main and master are never deleted.
	RemoveWorktree(ctx context.Context, repo, path string, deleteBranch bool) error

	// ListWorktrees returns the paths of every worktree of repo.
	ListWorktrees(ctx context.Context, repo string) ([]string, error)

	// CurrentBranch returns the branch checked out at path.
	CurrentBranch(ctx context.Context, path string) (string, error)
}

// Compile-time check that GitProvisioner implements Provisioner.
var _ Provisioner = (*GitProvisioner)(nil)
