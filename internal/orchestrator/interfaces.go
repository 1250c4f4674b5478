package orchestrator

import (
	"context"
	"time"

	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/store"
	"github.com/Iron-Ham/conductor/internal/supervisor"
)

// Supervisor launches and stops agent processes.
// *supervisor.Supervisor satisfies it.
type Supervisor interface {
	Launch(ctx context.Context, spec supervisor.LaunchSpec) (supervisor.Handle, error)
	Stop(sessionID string) error
	IsAlive(sessionID string) bool
	StopAll()
}

// Provisioner creates and removes task worktrees.
// *worktree.GitProvisioner satisfies it.
type Provisioner interface {
	IsValidRepository(ctx context.Context, repo string) bool
	CreateWorktree(ctx context.Context, repo, path, branch, base string) error
	RemoveWorktree(ctx context.Context, repo, path string, deleteBranch bool) error
	ListWorktrees(ctx context.Context, repo string) ([]string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
}

// Store persists the record collections. *store.FileStore satisfies it.
type Store interface {
	Load() (store.Snapshot, error)
	SaveWorkspaces([]model.Workspace) error
	SaveTasks([]model.Task) error
	SaveSessions([]model.Session) error
	SaveSettings(model.Settings) error
}

// Ticker delivers sweep ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates the sweep ticker when Run starts.
type TickerFactory func(interval time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the default TickerFactory, backed by time.Ticker.
func NewTimeTicker(interval time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(interval)}
}
