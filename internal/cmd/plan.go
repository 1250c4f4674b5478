package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan <task>",
	Short: "Print a task's plan file",
	Long: `Print the plan a planner session wrote into the task worktree. Review it
before 'conductor session approve'.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

var planPathOnly bool

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().BoolVar(&planPathOnly, "path", false, "Print only the plan file path")
}

func runPlan(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	id, err := resolveTask(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}
	plan, err := c.Plan(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if planPathOnly {
		fmt.Fprintln(out, plan.Path)
		return nil
	}
	if !plan.Exists {
		fmt.Fprintf(out, "No plan yet. It will be written to %s\n", plan.Path)
		return nil
	}
	fmt.Fprint(out, plan.Content)
	if !strings.HasSuffix(plan.Content, "\n") {
		fmt.Fprintln(out)
	}
	return nil
}
