package config

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/Iron-Ham/conductor/internal/errors"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "server.addr")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, c.validatePaths()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateOrchestrator()...)
	errs = append(errs, c.validateWorktree()...)
	errs = append(errs, c.validateMetrics()...)
	errs = append(errs, c.validateDefaults()...)

	return errs
}

func (c *Config) validatePaths() []ValidationError {
	var errs []ValidationError

	path := c.Paths.DataDir
	if strings.ContainsRune(path, '\x00') {
		errs = append(errs, ValidationError{
			Field:   "paths.data_dir",
			Value:   path,
			Message: "path contains invalid null character",
		})
	}

	// Most filesystems cap paths around 4096 bytes.
	const maxPathLength = 4096
	if len(path) > maxPathLength {
		errs = append(errs, ValidationError{
			Field:   "paths.data_dir",
			Value:   path,
			Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
		})
	}

	return errs
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errs
}

func (c *Config) validateServer() []ValidationError {
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return []ValidationError{{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be host:port",
		}}
	}
	return nil
}

func (c *Config) validateOrchestrator() []ValidationError {
	var errs []ValidationError

	if c.Orchestrator.SweepIntervalSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "orchestrator.sweep_interval_seconds",
			Value:   c.Orchestrator.SweepIntervalSeconds,
			Message: "must be at least 1",
		})
	}
	if c.Orchestrator.StopGraceSeconds < 0 {
		errs = append(errs, ValidationError{
			Field:   "orchestrator.stop_grace_seconds",
			Value:   c.Orchestrator.StopGraceSeconds,
			Message: "must be non-negative",
		})
	}

	return errs
}

func (c *Config) validateWorktree() []ValidationError {
	const maxParallelGitLimit = 64
	n := c.Worktree.MaxParallelGit
	if n < 1 || n > maxParallelGitLimit {
		return []ValidationError{{
			Field:   "worktree.max_parallel_git",
			Value:   n,
			Message: fmt.Sprintf("must be between 1 and %d", maxParallelGitLimit),
		}}
	}
	return nil
}

func (c *Config) validateMetrics() []ValidationError {
	if !c.Metrics.Enabled {
		return nil
	}

	var errs []ValidationError
	if c.Metrics.OTLPEndpoint == "" {
		errs = append(errs, ValidationError{
			Field:   "metrics.otlp_endpoint",
			Value:   c.Metrics.OTLPEndpoint,
			Message: "is required when metrics are enabled",
		})
	}
	if c.Metrics.IntervalSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "metrics.interval_seconds",
			Value:   c.Metrics.IntervalSeconds,
			Message: "must be at least 1",
		})
	}
	return errs
}

// validateDefaults runs the settings validation on the seeded settings so a
// bad config fails at startup rather than on the first session.
func (c *Config) validateDefaults() []ValidationError {
	var errs []ValidationError

	if c.Defaults.BlockedTimeoutMinutes < 0 {
		errs = append(errs, ValidationError{
			Field:   "defaults.blocked_timeout_minutes",
			Value:   c.Defaults.BlockedTimeoutMinutes,
			Message: "must be non-negative",
		})
	}
	if c.Defaults.MaxConcurrentSessions < 0 {
		errs = append(errs, ValidationError{
			Field:   "defaults.max_concurrent_sessions",
			Value:   c.Defaults.MaxConcurrentSessions,
			Message: "must be non-negative",
		})
	}

	settings := c.Defaults.Settings()
	if err := settings.Validate(); err != nil {
		var ve *errors.ValidationError
		field := "defaults"
		if errors.As(err, &ve) && ve.Field != "" {
			field = "defaults." + ve.Field
		}
		errs = append(errs, ValidationError{Field: field, Value: "", Message: err.Error()})
	}

	return errs
}
