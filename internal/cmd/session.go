package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/api"
	"github.com/Iron-Ham/conductor/internal/model"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and control sessions",
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions, newest first",
	Args:    cobra.NoArgs,
	RunE:    runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session>",
	Short: "Stop a session's agent, or drop it from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: sessionAction("Stopped", func(ctx context.Context, c *api.Client, id string) (model.Session, error) {
		return c.StopSession(ctx, id)
	}),
}

var sessionApproveCmd = &cobra.Command{
	Use:   "approve <session>",
	Short: "Approve a plan and start the executor",
	Long: `Approve the plan of a session awaiting approval. The executor session
starts with the plan file in the task worktree. With --plan-file, that file
replaces the plan first.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionApprove,
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session>",
	Short: "Reject a plan awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE: sessionAction("Cancelled", func(ctx context.Context, c *api.Client, id string) (model.Session, error) {
		return c.CancelPlan(ctx, id)
	}),
}

var sessionRetryCmd = &cobra.Command{
	Use:   "retry <session>",
	Short: "Start a new session in place of a finished one",
	Args:  cobra.ExactArgs(1),
	RunE: sessionAction("Started", func(ctx context.Context, c *api.Client, id string) (model.Session, error) {
		return c.RetrySession(ctx, id)
	}),
}

var (
	sessionTask     string
	sessionPlanFile string
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionStopCmd, sessionApproveCmd, sessionCancelCmd, sessionRetryCmd)

	sessionListCmd.Flags().StringVarP(&sessionTask, "task", "t", "", "Only sessions of this task")
	sessionApproveCmd.Flags().StringVar(&sessionPlanFile, "plan-file", "", "Replace the plan with this file before approving")
}

// sessionAction resolves the session argument and runs fn on it.
func sessionAction(verb string, fn func(ctx context.Context, c *api.Client, id string) (model.Session, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		id, err := resolveSession(cmd.Context(), c, args[0])
		if err != nil {
			return err
		}
		s, err := fn(cmd.Context(), c, id)
		if err != nil {
			return err
		}
		printSessionResult(cmd, verb, s)
		return nil
	}
}

func runSessionList(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var sessions []model.Session
	if sessionTask != "" {
		taskID, err := resolveTask(ctx, c, sessionTask)
		if err != nil {
			return err
		}
		sessions, err = c.SessionsForTask(ctx, taskID)
		if err != nil {
			return err
		}
	} else {
		sessions, err = c.Sessions(ctx)
		if err != nil {
			return err
		}
		model.SortNewestFirst(sessions)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
		return nil
	}
	renderSessions(cmd.OutOrStdout(), sessions)
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	id, err := resolveSession(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}
	s, err := c.Session(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s\n", styled(headerStyle, s.ID), statusText(s.Status))
	fmt.Fprintf(out, "  task:      %s\n", s.TaskID)
	fmt.Fprintf(out, "  phase:     %s\n", s.Phase)
	fmt.Fprintf(out, "  created:   %s\n", formatTime(&s.CreatedAt))
	fmt.Fprintf(out, "  started:   %s\n", formatTime(s.StartedAt))
	fmt.Fprintf(out, "  ended:     %s\n", formatTime(s.EndedAt))
	fmt.Fprintf(out, "  activity:  %s\n", formatTime(s.LastActivityAt))
	if s.PID != nil {
		fmt.Fprintf(out, "  pid:       %d\n", *s.PID)
	}
	if s.ExitCode != nil {
		fmt.Fprintf(out, "  exit code: %d\n", *s.ExitCode)
	}
	if s.LastToolAction != "" {
		fmt.Fprintf(out, "  last:      %s\n", s.LastToolAction)
	}
	fmt.Fprintf(out, "  log:       %s\n", s.LogPath)
	if s.PlanPath != "" {
		fmt.Fprintf(out, "  plan:      %s\n", s.PlanPath)
	}
	return nil
}

func runSessionApprove(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	id, err := resolveSession(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}

	var plan *string
	if sessionPlanFile != "" {
		data, err := os.ReadFile(sessionPlanFile)
		if err != nil {
			return fmt.Errorf("failed to read plan file: %w", err)
		}
		content := string(data)
		plan = &content
	}

	s, err := c.ApprovePlan(cmd.Context(), id, plan)
	if err != nil {
		return err
	}
	printSessionResult(cmd, "Approved plan; started", s)
	return nil
}
