package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/util"
)

// EnvPrefix is prepended to environment overrides, e.g.
// CONDUCTOR_SERVER_ADDR overrides server.addr.
const EnvPrefix = "CONDUCTOR"

// Config represents the complete conductor process configuration.
// Per-session settings (agent command, prompts, limits) live in
// settings.json; Defaults only seeds them on first start.
type Config struct {
	Paths        PathsConfig        `mapstructure:"paths" yaml:"paths"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Worktree     WorktreeConfig     `mapstructure:"worktree" yaml:"worktree"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Defaults     DefaultsConfig     `mapstructure:"defaults" yaml:"defaults"`
}

// PathsConfig controls where conductor stores data
type PathsConfig struct {
	// DataDir holds data/*.json snapshots, logs/ and conductor.log.
	// Supports ~ for home directory expansion.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled writes conductor.log under the data dir (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
}

// ServerConfig controls the daemon's HTTP listener.
type ServerConfig struct {
	// Addr is the listen address of `conductor serve` and the address the
	// CLI dials (default: "127.0.0.1:7777").
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// OrchestratorConfig controls the session coordinator.
type OrchestratorConfig struct {
	// SweepIntervalSeconds is how often silent sessions are checked (default: 30)
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	// StopGraceSeconds is how long a stopped agent gets between SIGTERM and
	// SIGKILL (default: 5)
	StopGraceSeconds int `mapstructure:"stop_grace_seconds" yaml:"stop_grace_seconds"`
}

// WorktreeConfig controls git worktree provisioning.
type WorktreeConfig struct {
	// MaxParallelGit bounds concurrent git worktree operations (default: 4)
	MaxParallelGit int `mapstructure:"max_parallel_git" yaml:"max_parallel_git"`
}

// MetricsConfig controls OTLP metrics export.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// OTLPEndpoint is the collector's gRPC address (default: "localhost:4317")
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	// Insecure disables TLS to the collector (default: true)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`
	// IntervalSeconds is the export period (default: 30)
	IntervalSeconds int `mapstructure:"interval_seconds" yaml:"interval_seconds"`
}

// DefaultsConfig seeds the persisted settings when settings.json does not
// exist yet. Empty or zero fields fall back to the built-in defaults.
type DefaultsConfig struct {
	AgentCommandTemplate   string `mapstructure:"agent_command_template" yaml:"agent_command_template"`
	PlannerPromptTemplate  string `mapstructure:"planner_prompt_template" yaml:"planner_prompt_template,omitempty"`
	ExecutorPromptTemplate string `mapstructure:"executor_prompt_template" yaml:"executor_prompt_template,omitempty"`
	NonInteractiveFlag     string `mapstructure:"non_interactive_flag" yaml:"non_interactive_flag"`
	BlockedTimeoutMinutes  int    `mapstructure:"blocked_timeout_minutes" yaml:"blocked_timeout_minutes"`
	MaxConcurrentSessions  int    `mapstructure:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`
	DefaultWorktreesRoot   string `mapstructure:"default_worktrees_root" yaml:"default_worktrees_root"`
	EditorCommand          string `mapstructure:"editor_command" yaml:"editor_command"`
	TerminalCommand        string `mapstructure:"terminal_command" yaml:"terminal_command"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	settings := model.DefaultSettings()
	return &Config{
		Paths: PathsConfig{
			DataDir: DefaultDataDir(),
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7777",
		},
		Orchestrator: OrchestratorConfig{
			SweepIntervalSeconds: 30,
			StopGraceSeconds:     5,
		},
		Worktree: WorktreeConfig{
			MaxParallelGit: 4,
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			OTLPEndpoint:    "localhost:4317",
			Insecure:        true,
			IntervalSeconds: 30,
		},
		Defaults: DefaultsConfig{
			// Prompt templates are long; empty keeps the built-in ones.
			AgentCommandTemplate:  settings.AgentCommandTemplate,
			NonInteractiveFlag:    settings.NonInteractiveFlag,
			BlockedTimeoutMinutes: settings.BlockedTimeoutMinutes,
			MaxConcurrentSessions: settings.MaxConcurrentSessions,
			DefaultWorktreesRoot:  settings.DefaultWorktreesRoot,
			EditorCommand:         settings.EditorCommand,
			TerminalCommand:       settings.TerminalCommand,
		},
	}
}

// ResolvedDataDir returns the data directory with ~ expanded.
func (p *PathsConfig) ResolvedDataDir() string {
	if p.DataDir == "" {
		return DefaultDataDir()
	}
	return util.ExpandHome(p.DataDir)
}

// SweepInterval returns the sweep interval as a time.Duration
func (c *OrchestratorConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// StopGrace returns the SIGTERM-to-SIGKILL grace period as a time.Duration
func (c *OrchestratorConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// Interval returns the export period as a time.Duration
func (c *MetricsConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// BaseURL returns the http URL the CLI uses to reach the daemon.
func (c *ServerConfig) BaseURL() string {
	addr := c.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// Settings overlays the configured defaults on model.DefaultSettings.
func (d *DefaultsConfig) Settings() model.Settings {
	s := model.DefaultSettings()
	if d.AgentCommandTemplate != "" {
		s.AgentCommandTemplate = d.AgentCommandTemplate
	}
	if d.PlannerPromptTemplate != "" {
		s.PlannerPromptTemplate = d.PlannerPromptTemplate
	}
	if d.ExecutorPromptTemplate != "" {
		s.ExecutorPromptTemplate = d.ExecutorPromptTemplate
	}
	if d.NonInteractiveFlag != "" {
		s.NonInteractiveFlag = d.NonInteractiveFlag
	}
	if d.BlockedTimeoutMinutes > 0 {
		s.BlockedTimeoutMinutes = d.BlockedTimeoutMinutes
	}
	if d.MaxConcurrentSessions > 0 {
		s.MaxConcurrentSessions = d.MaxConcurrentSessions
	}
	if d.DefaultWorktreesRoot != "" {
		s.DefaultWorktreesRoot = d.DefaultWorktreesRoot
	}
	if d.EditorCommand != "" {
		s.EditorCommand = d.EditorCommand
	}
	if d.TerminalCommand != "" {
		s.TerminalCommand = d.TerminalCommand
	}
	return s
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	viper.SetDefault("server.addr", defaults.Server.Addr)

	viper.SetDefault("orchestrator.sweep_interval_seconds", defaults.Orchestrator.SweepIntervalSeconds)
	viper.SetDefault("orchestrator.stop_grace_seconds", defaults.Orchestrator.StopGraceSeconds)

	viper.SetDefault("worktree.max_parallel_git", defaults.Worktree.MaxParallelGit)

	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.otlp_endpoint", defaults.Metrics.OTLPEndpoint)
	viper.SetDefault("metrics.insecure", defaults.Metrics.Insecure)
	viper.SetDefault("metrics.interval_seconds", defaults.Metrics.IntervalSeconds)

	viper.SetDefault("defaults.agent_command_template", defaults.Defaults.AgentCommandTemplate)
	viper.SetDefault("defaults.planner_prompt_template", defaults.Defaults.PlannerPromptTemplate)
	viper.SetDefault("defaults.executor_prompt_template", defaults.Defaults.ExecutorPromptTemplate)
	viper.SetDefault("defaults.non_interactive_flag", defaults.Defaults.NonInteractiveFlag)
	viper.SetDefault("defaults.blocked_timeout_minutes", defaults.Defaults.BlockedTimeoutMinutes)
	viper.SetDefault("defaults.max_concurrent_sessions", defaults.Defaults.MaxConcurrentSessions)
	viper.SetDefault("defaults.default_worktrees_root", defaults.Defaults.DefaultWorktreesRoot)
	viper.SetDefault("defaults.editor_command", defaults.Defaults.EditorCommand)
	viper.SetDefault("defaults.terminal_command", defaults.Defaults.TerminalCommand)
}

// BindEnv enables CONDUCTOR_* environment overrides for every key.
func BindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "conductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".config", "conductor")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultDataDir returns $XDG_DATA_HOME/conductor, falling back to
// ~/.local/share/conductor.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "conductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".local", "share", "conductor")
}
