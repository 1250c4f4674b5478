package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and active sessions",
	Long: `Show how many sessions are active against the concurrency limit, the
sessions that are planning, running, blocked or waiting for approval, and the
last error the daemon reported. Reading the error clears it.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	health, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("daemon not reachable (is 'conductor serve' running?): %w", err)
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	admit := styled(statusStyles[model.StatusSucceeded], "accepting")
	if !st.CanAdmit {
		admit = styled(statusStyles[model.StatusBlocked], "at limit")
	}
	fmt.Fprintf(out, "Daemon %s (%s)\n", health.Status, health.Version)
	fmt.Fprintf(out, "Active:   %d/%d  %s\n", st.Active, st.MaxConcurrent, admit)
	fmt.Fprintf(out, "Queued:   %d\n", st.Queued)
	fmt.Fprintf(out, "Sessions: %d\n", st.Sessions)

	sessions, err := c.Sessions(ctx)
	if err != nil {
		return err
	}
	var live []model.Session
	for _, s := range sessions {
		switch s.Status {
		case model.StatusPlanning, model.StatusRunning, model.StatusBlocked, model.StatusAwaitingApproval:
			live = append(live, s)
		}
	}
	if len(live) > 0 {
		model.SortNewestFirst(live)
		fmt.Fprintln(out)
		renderSessions(out, live)
	}

	msg, err := c.TakeError(ctx)
	if err != nil {
		return err
	}
	if msg != "" {
		fmt.Fprintf(out, "\n%s %s\n", styled(errorStyle, "Last error:"), msg)
	}
	return nil
}
