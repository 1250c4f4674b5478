// Package errors provides centralized error definitions and error handling utilities
// for conductor. It defines sentinel errors for each subsystem, typed errors that
// carry identifiers for context, and classification helpers used by the API and CLI
// to decide what is safe to show a user.
//
// # Error Types
//
// Domain-specific errors:
//   - SessionError: errors raised by the session state machine
//   - LaunchError: an agent process could not be spawned
//   - GitError: worktree provisioning failures (not-a-repo, path/branch exists, git failed)
//
// Semantic errors:
//   - NotFoundError: a workspace, task or session id does not resolve
//   - ValidationError: invalid input or settings
//
// # Usage
//
//	err := errors.NewGitError("create worktree", errors.ErrBranchExists).WithBranch("task/x")
//	if errors.Is(err, errors.ErrBranchExists) { ... }
//
//	var launchErr *errors.LaunchError
//	if errors.As(err, &launchErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lookup sentinel errors
var (
	// ErrWorkspaceNotFound indicates that a workspace id did not resolve.
	ErrWorkspaceNotFound = New("workspace not found")
	// ErrTaskNotFound indicates that a task id did not resolve.
	ErrTaskNotFound = New("task not found")
	// ErrSessionNotFound indicates that a session id did not resolve.
	ErrSessionNotFound = New("session not found")
)

// Session state machine sentinel errors
var (
	// ErrInvalidTransition indicates that the requested event is not valid
	// for the session's current status.
	ErrInvalidTransition = New("invalid session transition")
	// ErrTaskBusy indicates that the task already has a queued or live session.
	ErrTaskBusy = New("task already has a queued or running session")
	// ErrLaunchFailed indicates that the agent process could not be spawned.
	ErrLaunchFailed = New("agent process failed to launch")
	// ErrOrchestratorClosed indicates that the coordinator loop has stopped.
	ErrOrchestratorClosed = New("orchestrator is closed")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrPathExists indicates that the worktree path is already occupied.
	ErrPathExists = New("path already exists")
	// ErrBranchExists indicates that a branch already exists locally or on origin.
	ErrBranchExists = New("branch already exists")
	// ErrGitCommandFailed indicates that an underlying git command exited non-zero.
	ErrGitCommandFailed = New("git command failed")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatWithContext renders "<kind> [k=v, ...]: message: cause".
func formatWithContext(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SessionError represents errors raised while driving a session through its
// lifecycle.
//
// Example:
//
//	err := errors.NewSessionError("cannot approve", errors.ErrInvalidTransition).
//		WithSessionID("abc").WithStatus("running")
//	// "session error [session=abc, status=running]: cannot approve: invalid session transition"
type SessionError struct {
	baseError
	SessionID string
	TaskID    string
	Status    string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithTaskID adds a task ID to the error context.
func (e *SessionError) WithTaskID(id string) *SessionError {
	e.TaskID = id
	return e
}

// WithStatus records the session status the request was rejected in.
func (e *SessionError) WithStatus(status string) *SessionError {
	e.Status = status
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, "session="+e.SessionID)
	}
	if e.TaskID != "" {
		parts = append(parts, "task="+e.TaskID)
	}
	if e.Status != "" {
		parts = append(parts, "status="+e.Status)
	}
	return formatWithContext("session error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// LaunchError represents a failure to spawn an agent process.
//
// Example:
//
//	err := errors.NewLaunchError(execErr).WithSessionID("abc").WithCommand([]string{"claude"})
type LaunchError struct {
	baseError
	SessionID string
	Command   []string
}

// NewLaunchError creates a new LaunchError wrapping the spawn failure.
func NewLaunchError(cause error) *LaunchError {
	return &LaunchError{
		baseError: baseError{
			message:    "failed to start agent process",
			cause:      cause,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *LaunchError) WithSessionID(id string) *LaunchError {
	e.SessionID = id
	return e
}

// WithCommand records the argument vector that failed to start.
func (e *LaunchError) WithCommand(argv []string) *LaunchError {
	e.Command = argv
	return e
}

// Error returns the formatted error message.
func (e *LaunchError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, "session="+e.SessionID)
	}
	if len(e.Command) > 0 {
		parts = append(parts, "cmd="+e.Command[0])
	}
	return formatWithContext("launch error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *LaunchError) Is(target error) bool {
	if _, ok := target.(*LaunchError); ok {
		return true
	}
	if target == ErrLaunchFailed {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors related to git worktree provisioning.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", errors.ErrPathExists).
//		WithWorktree("/tmp/wt/task-x")
type GitError struct {
	baseError
	Branch     string
	Worktree   string
	Repository string
	GitOutput  string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			userFacing: true,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Repository != "" {
		parts = append(parts, "repo="+e.Repository)
	}
	if e.Worktree != "" {
		parts = append(parts, "worktree="+e.Worktree)
	}
	if e.Branch != "" {
		parts = append(parts, "branch="+e.Branch)
	}
	msg := formatWithContext("git error", parts, e.message, e.cause)
	if out := strings.TrimSpace(e.GitOutput); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found. It matches the
// subsystem sentinel it was built with, so callers can test either form.
//
// Example:
//
//	err := errors.NewNotFoundError("task", "abc123")
//	errors.Is(err, errors.ErrTaskNotFound) // true
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError. Known resource types
// ("workspace", "task", "session") wrap their sentinel.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	var cause error
	switch resourceType {
	case "workspace":
		cause = ErrWorkspaceNotFound
	case "task":
		cause = ErrTaskNotFound
	case "session":
		cause = ErrSessionNotFound
	}
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			cause:      cause,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return e.message
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("must be at least 1").WithField("max_concurrent_sessions").WithValue(0)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// userFacer is implemented by every typed error in this package.
type userFacer interface {
	IsUserFacing() bool
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var uf userFacer
	if As(err, &uf) {
		return uf.IsUserFacing()
	}
	return false
}

// IsNotFound reports whether err signals a missing workspace, task or session.
func IsNotFound(err error) bool {
	return Is(err, ErrWorkspaceNotFound) || Is(err, ErrTaskNotFound) || Is(err, ErrSessionNotFound)
}

// IsConflict reports whether err signals a request that conflicts with
// current state (wrong status, busy task, occupied path or branch).
func IsConflict(err error) bool {
	return Is(err, ErrInvalidTransition) || Is(err, ErrTaskBusy) ||
		Is(err, ErrPathExists) || Is(err, ErrBranchExists)
}
