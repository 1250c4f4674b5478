package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/model"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "View or change the daemon's session settings",
	Long: `Session settings are stored by the daemon and read on every session start:
the agent command template, prompt templates, the concurrency limit and the
blocked timeout.`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings as YAML",
	Args:  cobra.NoArgs,
	RunE:  runSettingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Long: `Change one setting. Prompt templates can be read from a file with @path.

Keys:
  agent_command_template    - Agent command; placeholders {{worktree}},
                              {{promptFile}}, {{mode}}, {{nonInteractiveFlag}}
  planner_prompt_template   - Prompt written for planner sessions
  executor_prompt_template  - Prompt written for executor and direct sessions
  non_interactive_flag      - Bound to {{nonInteractiveFlag}} for executors
  blocked_timeout_minutes   - Minutes of silence before a session is blocked
  max_concurrent_sessions   - Sessions allowed to plan or run at once
  default_worktrees_root    - Worktrees root for new workspaces
  editor_command            - Editor used to open worktrees
  terminal_command          - Terminal used to open worktrees

Examples:
  conductor settings set max_concurrent_sessions 3
  conductor settings set planner_prompt_template @planner.txt`,
	Args: cobra.ExactArgs(2),
	RunE: runSettingsSet,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)
}

func runSettingsShow(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	s, err := c.Settings(cmd.Context())
	if err != nil {
		return err
	}
	return printYAML(cmd.OutOrStdout(), s)
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	s, err := c.Settings(cmd.Context())
	if err != nil {
		return err
	}

	value := args[1]
	if strings.HasPrefix(value, "@") {
		data, err := os.ReadFile(value[1:])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", value[1:], err)
		}
		value = string(data)
	}
	if err := applySetting(&s, args[0], value); err != nil {
		return err
	}

	if _, err := c.UpdateSettings(cmd.Context(), s); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", args[0])
	return nil
}

// settingFields maps setting keys to their string or int field.
func settingFields(s *model.Settings) (map[string]*string, map[string]*int) {
	strs := map[string]*string{
		"agent_command_template":   &s.AgentCommandTemplate,
		"planner_prompt_template":  &s.PlannerPromptTemplate,
		"executor_prompt_template": &s.ExecutorPromptTemplate,
		"non_interactive_flag":     &s.NonInteractiveFlag,
		"default_worktrees_root":   &s.DefaultWorktreesRoot,
		"editor_command":           &s.EditorCommand,
		"terminal_command":         &s.TerminalCommand,
	}
	ints := map[string]*int{
		"blocked_timeout_minutes": &s.BlockedTimeoutMinutes,
		"max_concurrent_sessions": &s.MaxConcurrentSessions,
	}
	return strs, ints
}

// applySetting sets key on s. Range checks are left to the daemon.
func applySetting(s *model.Settings, key, value string) error {
	strs, ints := settingFields(s)
	if p, ok := strs[key]; ok {
		*p = value
		return nil
	}
	if p, ok := ints[key]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		*p = n
		return nil
	}

	keys := make([]string, 0, len(strs)+len(ints))
	for k := range strs {
		keys = append(keys, k)
	}
	for k := range ints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Errorf("unknown setting %q\nValid keys: %s", key, strings.Join(keys, ", "))
}
