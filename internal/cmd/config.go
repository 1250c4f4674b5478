package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify conductor configuration",
	Long: `View or modify the local configuration file. It covers the daemon
(address, data directory, logging, metrics) and the settings seeded into a new
data directory. Settings of a running daemon are changed with 'conductor settings'.

Without arguments, displays the current configuration.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  conductor config set server.addr 127.0.0.1:8080
  conductor config set logging.level debug
  conductor config set defaults.max_concurrent_sessions 2

The resulting configuration is validated before it is written.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configInitCmd, configPathCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# config file: (none - using defaults)")
	}
	return printYAML(out, config.Get())
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(args[0])
	value := args[1]

	if key == "config" || !slices.Contains(viper.AllKeys(), key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'conductor config show' to see valid keys", key)
	}

	// Values are stored as strings; viper's decoder converts them on load.
	viper.Set(key, value)
	if _, err := config.Load(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %s\n", key, value)
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

// defaultConfigFile is written by 'config init'.
const defaultConfigFile = `# Conductor configuration

paths:
  # Snapshot, session logs and daemon log live here
  data_dir: ~/.local/share/conductor

logging:
  enabled: true
  # debug, info, warn or error
  level: info
  # conductor.log is rotated past this size
  max_size_mb: 10
  max_backups: 3

server:
  # The daemon listens here; the CLI connects here
  addr: 127.0.0.1:7777

orchestrator:
  # How often sessions are checked for the blocked timeout
  sweep_interval_seconds: 30
  # Time between SIGTERM and SIGKILL when stopping an agent
  stop_grace_seconds: 5

worktree:
  # Concurrent git operations
  max_parallel_git: 4

metrics:
  enabled: false
  otlp_endpoint: localhost:4317
  insecure: true
  interval_seconds: 30

# Settings seeded into a new data directory. Later changes go through
# 'conductor settings set'.
defaults:
  # Placeholders: {{worktree}} {{promptFile}} {{mode}} {{nonInteractiveFlag}}
  agent_command_template: "echo Configure your agent command in settings. worktree={{worktree}} prompt={{promptFile}} mode={{mode}} {{nonInteractiveFlag}}"
  non_interactive_flag: "--yes"
  blocked_timeout_minutes: 3
  max_concurrent_sessions: 1
  default_worktrees_root: ~/Worktrees/conductor
  editor_command: cursor
  terminal_command: open -a Terminal
`

func runConfigInit(cmd *cobra.Command, _ []string) error {
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'conductor config set' to modify values", configFile)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_SERVER_ADDR)\n", config.EnvPrefix, config.EnvPrefix)
	return nil
}
