package cmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/api"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/template"
	"github.com/Iron-Ham/conductor/internal/util"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task and its worktree",
	Long: `Create a task in a workspace. A branch and worktree are created from the
base branch right away.

Examples:
  conductor task add "Add login page" -w 3f2a
  conductor task add "Fix flaky test" -w 3f2a --mode direct
  conductor task add "Refactor store" -w 3f2a -d "$(cat notes.md)"`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks with their latest session",
	Args:    cobra.NoArgs,
	RunE:    runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task>",
	Short: "Show a task and its sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskRemoveCmd = &cobra.Command{
	Use:     "rm <task>",
	Aliases: []string{"remove"},
	Short:   "Remove a task and its sessions",
	Args:    cobra.ExactArgs(1),
	RunE:    runTaskRemove,
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task>",
	Short: "Start a session for a task",
	Long: `Start a session for a task. Plan-first tasks start with a planner; direct
tasks start executing right away. If the concurrency limit is reached the
session is queued.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskStart,
}

var taskOpenCmd = &cobra.Command{
	Use:   "open <task>",
	Short: "Open a task's worktree in the editor or a terminal",
	Long: `Run the editor command from settings with the task's worktree path as its
last argument. With --terminal the terminal command is used instead.

Examples:
  conductor task open 3f2a
  conductor task open 3f2a --terminal`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskOpen,
}

var (
	taskOpenTerminal   bool
	taskWorkspace      string
	taskDescription    string
	taskBase           string
	taskBranch         string
	taskMode           string
	taskAgentCommand   string
	taskRemoveWorktree bool
	taskDeleteBranch   bool
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskRemoveCmd, taskStartCmd, taskOpenCmd)

	taskAddCmd.Flags().StringVarP(&taskWorkspace, "workspace", "w", "", "Workspace id (required)")
	taskAddCmd.Flags().StringVarP(&taskDescription, "description", "d", "", "Task description; '-' reads stdin")
	taskAddCmd.Flags().StringVar(&taskBase, "base", "", "Base branch (default: workspace default)")
	taskAddCmd.Flags().StringVar(&taskBranch, "branch", "", "Branch name (default: derived from title)")
	taskAddCmd.Flags().StringVar(&taskMode, "mode", string(model.ModePlanFirst), "plan_first or direct")
	taskAddCmd.Flags().StringVar(&taskAgentCommand, "agent-command", "", "Agent command template for this task only")
	_ = taskAddCmd.MarkFlagRequired("workspace")

	taskListCmd.Flags().StringVarP(&taskWorkspace, "workspace", "w", "", "Only tasks of this workspace")

	taskRemoveCmd.Flags().BoolVar(&taskRemoveWorktree, "remove-worktree", true, "Remove the task's worktree")
	taskRemoveCmd.Flags().BoolVar(&taskDeleteBranch, "delete-branch", false, "Delete the task's branch (never main/master)")

	taskOpenCmd.Flags().BoolVar(&taskOpenTerminal, "terminal", false, "Use the terminal command instead of the editor")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	wsID, err := resolveWorkspace(cmd.Context(), c, taskWorkspace)
	if err != nil {
		return err
	}

	description := taskDescription
	if description == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read description: %w", err)
		}
		description = string(data)
	}

	task, err := c.CreateTask(cmd.Context(), orchestrator.TaskInput{
		WorkspaceID:          wsID,
		Title:                args[0],
		Description:          description,
		BaseBranch:           taskBase,
		BranchName:           taskBranch,
		Mode:                 model.Mode(taskMode),
		AgentCommandTemplate: taskAgentCommand,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created task %s (%s)\n", task.Title, task.ID)
	fmt.Fprintf(out, "  branch:   %s\n", task.BranchName)
	fmt.Fprintf(out, "  worktree: %s\n", task.WorktreePath)
	return nil
}

func runTaskList(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var tasks []model.Task
	if taskWorkspace != "" {
		wsID, err := resolveWorkspace(ctx, c, taskWorkspace)
		if err != nil {
			return err
		}
		tasks, err = c.TasksForWorkspace(ctx, wsID)
		if err != nil {
			return err
		}
	} else {
		tasks, err = c.Tasks(ctx)
		if err != nil {
			return err
		}
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
		return nil
	}

	latest, err := latestSessions(cmd, c)
	if err != nil {
		return err
	}

	t := newTable("ID", "TITLE", "MODE", "BRANCH", "STATUS")
	for _, task := range tasks {
		status := styled(dimStyle, "-")
		if s, ok := latest[task.ID]; ok {
			status = statusText(s.Status)
		}
		t.add(shortID(task.ID), truncate(task.Title), string(task.Mode), task.BranchName, status)
	}
	t.render(cmd.OutOrStdout())
	return nil
}

// latestSessions returns the newest session of every task.
func latestSessions(cmd *cobra.Command, c *api.Client) (map[string]model.Session, error) {
	sessions, err := c.Sessions(cmd.Context())
	if err != nil {
		return nil, err
	}
	latest := make(map[string]model.Session)
	for _, s := range sessions {
		if cur, ok := latest[s.TaskID]; !ok || s.CreatedAt.After(cur.CreatedAt) {
			latest[s.TaskID] = s
		}
	}
	return latest, nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	id, err := resolveTask(ctx, c, args[0])
	if err != nil {
		return err
	}
	task, err := c.Task(ctx, id)
	if err != nil {
		return err
	}
	sessions, err := c.SessionsForTask(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", styled(headerStyle, task.Title))
	fmt.Fprintf(out, "  id:        %s\n", task.ID)
	fmt.Fprintf(out, "  mode:      %s\n", task.Mode)
	fmt.Fprintf(out, "  branch:    %s (from %s)\n", task.BranchName, task.BaseBranch)
	fmt.Fprintf(out, "  worktree:  %s\n", task.WorktreePath)
	if task.AgentCommandTemplate != "" {
		fmt.Fprintf(out, "  agent:     %s\n", task.AgentCommandTemplate)
	}
	if task.Description != "" {
		fmt.Fprintf(out, "\n%s\n", task.Description)
	}
	fmt.Fprintln(out)

	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions. Start one with 'conductor task start "+shortID(task.ID)+"'.")
		return nil
	}
	renderSessions(out, sessions)
	return nil
}

func renderSessions(w io.Writer, sessions []model.Session) {
	now := time.Now()
	t := newTable("ID", "PHASE", "STATUS", "STARTED", "DURATION", "EXIT", "LAST ACTION")
	for _, s := range sessions {
		exit := "-"
		if s.ExitCode != nil {
			exit = fmt.Sprint(*s.ExitCode)
		}
		t.add(shortID(s.ID), string(s.Phase), statusText(s.Status), formatTime(s.StartedAt),
			formatDuration(s, now), exit, truncate(s.LastToolAction))
	}
	t.render(w)
}

func runTaskRemove(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	id, err := resolveTask(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}
	if err := c.DeleteTask(cmd.Context(), id, taskRemoveWorktree, taskDeleteBranch); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed task %s\n", id)
	return nil
}

func runTaskStart(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	id, err := resolveTask(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}
	s, err := c.StartSession(cmd.Context(), id)
	if err != nil {
		return err
	}
	printSessionResult(cmd, "Started", s)
	return nil
}

func printSessionResult(cmd *cobra.Command, verb string, s model.Session) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s session %s: %s\n", verb, s.Phase, s.ID, statusText(s.Status))
}

func runTaskOpen(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	id, err := resolveTask(ctx, c, args[0])
	if err != nil {
		return err
	}
	task, err := c.Task(ctx, id)
	if err != nil {
		return err
	}
	settings, err := c.Settings(ctx)
	if err != nil {
		return err
	}

	command, key := settings.EditorCommand, "editor_command"
	if taskOpenTerminal {
		command, key = settings.TerminalCommand, "terminal_command"
	}
	path := util.ExpandHome(task.WorktreePath)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("worktree %s is not available: %w", path, err)
	}

	proc, err := startOpener(command, path)
	if err != nil {
		return fmt.Errorf("%w (set it with 'conductor settings set %s <command>')", err, key)
	}
	// The opener outlives this command.
	_ = proc.Process.Release()

	fmt.Fprintf(cmd.OutOrStdout(), "Opened %s with %s\n", path, proc.Args[0])
	return nil
}

// startOpener starts command with path appended as its last argument. The
// command is split on whitespace like agent command templates.
func startOpener(command, path string) (*exec.Cmd, error) {
	argv := template.Tokenize(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command configured")
	}
	proc := exec.Command(argv[0], append(argv[1:], path)...)
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	return proc, nil
}
