package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/orchestrator"
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage workspaces (git repositories)",
}

var workspaceAddCmd = &cobra.Command{
	Use:   "add <repo-path>",
	Short: "Register a git repository as a workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceAdd,
}

var workspaceListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List workspaces",
	Args:    cobra.NoArgs,
	RunE:    runWorkspaceList,
}

var workspaceUpdateCmd = &cobra.Command{
	Use:   "update <workspace>",
	Short: "Change a workspace's name, base branch or worktrees root",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceUpdate,
}

var workspaceRemoveCmd = &cobra.Command{
	Use:     "rm <workspace>",
	Aliases: []string{"remove"},
	Short:   "Remove a workspace with its tasks and sessions",
	Long: `Remove a workspace. Its tasks and sessions are removed too, running
agents are stopped, and task worktrees are removed. Branches are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkspaceRemove,
}

var workspacePruneCmd = &cobra.Command{
	Use:   "prune <workspace>",
	Short: "Remove worktrees that no task owns",
	Long: `Remove worktrees under the workspace's worktrees root that belong to no
task, such as those kept by 'conductor task rm --remove-worktree=false'.

Examples:
  conductor workspace prune 3f2a --dry-run
  conductor workspace prune 3f2a --delete-branch`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkspacePrune,
}

var (
	wsName          string
	wsBaseBranch    string
	wsWorktreesRoot string
	wsDryRun        bool
	wsDeleteBranch  bool
)

func init() {
	rootCmd.AddCommand(workspaceCmd)
	workspaceCmd.AddCommand(workspaceAddCmd, workspaceListCmd, workspaceUpdateCmd, workspaceRemoveCmd, workspacePruneCmd)

	for _, c := range []*cobra.Command{workspaceAddCmd, workspaceUpdateCmd} {
		c.Flags().StringVar(&wsName, "name", "", "Display name (default: repository directory name)")
		c.Flags().StringVar(&wsBaseBranch, "base", "", "Default base branch for new tasks (default: main)")
		c.Flags().StringVar(&wsWorktreesRoot, "worktrees-root", "", "Directory that holds task worktrees")
	}

	workspacePruneCmd.Flags().BoolVar(&wsDryRun, "dry-run", false, "List stale worktrees without removing them")
	workspacePruneCmd.Flags().BoolVar(&wsDeleteBranch, "delete-branch", false, "Also delete their branches (never main/master)")
}

func runWorkspaceAdd(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ws, err := c.AddWorkspace(cmd.Context(), orchestrator.WorkspaceInput{
		Name:              wsName,
		RepoPath:          args[0],
		DefaultBaseBranch: wsBaseBranch,
		WorktreesRoot:     wsWorktreesRoot,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added workspace %s (%s)\n", ws.Name, ws.ID)
	return nil
}

func runWorkspaceList(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	items, err := c.Workspaces(cmd.Context())
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No workspaces. Add one with 'conductor workspace add <repo-path>'.")
		return nil
	}

	t := newTable("ID", "NAME", "BASE", "REPOSITORY", "WORKTREES")
	for _, ws := range items {
		t.add(shortID(ws.ID), ws.Name, ws.DefaultBaseBranch, ws.RepoPath, ws.WorktreesRoot)
	}
	t.render(cmd.OutOrStdout())
	return nil
}

func runWorkspaceUpdate(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	id, err := resolveWorkspace(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}

	var upd orchestrator.WorkspaceUpdate
	if cmd.Flags().Changed("name") {
		upd.Name = &wsName
	}
	if cmd.Flags().Changed("base") {
		upd.DefaultBaseBranch = &wsBaseBranch
	}
	if cmd.Flags().Changed("worktrees-root") {
		upd.WorktreesRoot = &wsWorktreesRoot
	}
	if upd.Name == nil && upd.DefaultBaseBranch == nil && upd.WorktreesRoot == nil {
		return fmt.Errorf("nothing to update: pass --name, --base or --worktrees-root")
	}

	ws, err := c.UpdateWorkspace(cmd.Context(), id, upd)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated workspace %s\n", ws.Name)
	return nil
}

func runWorkspaceRemove(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	id, err := resolveWorkspace(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}
	if err := c.DeleteWorkspace(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed workspace %s\n", id)
	return nil
}

func runWorkspacePrune(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	id, err := resolveWorkspace(ctx, c, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wsDryRun {
		stale, err := c.StaleWorktrees(ctx, id)
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			fmt.Fprintln(out, "No stale worktrees.")
			return nil
		}
		t := newTable("PATH", "BRANCH")
		for _, s := range stale {
			t.add(s.Path, s.Branch)
		}
		t.render(out)
		return nil
	}

	pruned, err := c.PruneWorktrees(ctx, id, wsDeleteBranch)
	for _, s := range pruned {
		fmt.Fprintf(out, "Removed %s\n", s.Path)
	}
	if err != nil {
		return err
	}
	if len(pruned) == 0 {
		fmt.Fprintln(out, "No stale worktrees.")
	}
	return nil
}
