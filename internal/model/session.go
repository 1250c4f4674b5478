package model

import (
	"sort"
	"time"
)

// Phase identifies which stage of a task's workflow a session represents.
// It is fixed when the session is created.
type Phase string

const (
	// PhasePlanner produces PLAN.md and stops for human approval.
	PhasePlanner Phase = "planner"

	// PhaseExecutor carries out an approved plan.
	PhaseExecutor Phase = "executor"

	// PhaseDirect runs the task in a single stage with no plan.
	PhaseDirect Phase = "direct"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlanner, PhaseExecutor, PhaseDirect:
		return true
	}
	return false
}

// InitialStatus returns the status a session of this phase enters when it
// is admitted to an execution slot.
func (p Phase) InitialStatus() Status {
	if p == PhasePlanner {
		return StatusPlanning
	}
	return StatusRunning
}

// SuccessStatus returns the status a session of this phase enters when its
// process exits 0.
func (p Phase) SuccessStatus() Status {
	if p == PhasePlanner {
		return StatusAwaitingApproval
	}
	return StatusSucceeded
}

// Status represents the current state of a session.
type Status string

const (
	// StatusQueued indicates the session is waiting for an execution slot.
	StatusQueued Status = "queued"

	// StatusPlanning indicates a planner process is running.
	StatusPlanning Status = "planning"

	// StatusRunning indicates an executor or direct process is running.
	StatusRunning Status = "running"

	// StatusBlocked indicates the process is alive but has been silent for
	// longer than the blocked timeout. It is advisory; the process keeps running.
	StatusBlocked Status = "blocked"

	// StatusAwaitingApproval indicates a planner finished and its plan is
	// waiting for a human decision.
	StatusAwaitingApproval Status = "awaiting_approval"

	// StatusSucceeded indicates the process exited 0.
	StatusSucceeded Status = "succeeded"

	// StatusFailed indicates the process exited non-zero or could not launch.
	StatusFailed Status = "failed"

	// StatusStopped indicates the session was stopped or cancelled by a user.
	StatusStopped Status = "stopped"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusQueued,
	StatusPlanning,
	StatusRunning,
	StatusBlocked,
	StatusAwaitingApproval,
	StatusSucceeded,
	StatusFailed,
	StatusStopped,
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusStopped
}

// IsActive returns true if the status occupies an admission slot.
func (s Status) IsActive() bool {
	return s == StatusPlanning || s == StatusRunning
}

// HasProcess returns true if a session in this status is expected to own a
// live process.
func (s Status) HasProcess() bool {
	return s.IsActive() || s == StatusBlocked
}

// DisplayName returns a human readable label for the status.
func (s Status) DisplayName() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusPlanning:
		return "Planning"
	case StatusRunning:
		return "Running"
	case StatusBlocked:
		return "Blocked"
	case StatusAwaitingApproval:
		return "Awaiting Approval"
	case StatusSucceeded:
		return "Succeeded"
	case StatusFailed:
		return "Failed"
	case StatusStopped:
		return "Stopped"
	default:
		return string(s)
	}
}

// Session is one execution attempt for a task.
type Session struct {
	// ID uniquely identifies the session.
	ID string `json:"id"`

	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// Phase decides the prompt template and the post-success status.
	Phase Phase `json:"phase"`

	// Status is the current state machine position.
	Status Status `json:"status"`

	// CreatedAt records insertion order for queue promotion.
	CreatedAt time.Time `json:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// ExitCode is set only when the process reported an exit.
	ExitCode *int `json:"exit_code,omitempty"`

	PID *int `json:"pid,omitempty"`

	// LogPath is the append-only log of the process's combined output.
	LogPath string `json:"log_path"`

	// PlanPath is <worktree>/PLAN.md for planner and executor sessions.
	PlanPath string `json:"plan_path,omitempty"`

	// LastActivityAt is updated on launch and on every output chunk.
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`

	// LastToolAction is the most recent tool action parsed from output.
	LastToolAction string `json:"last_tool_action,omitempty"`
}

// sortKey is StartedAt when set, else CreatedAt.
func (s *Session) sortKey() time.Time {
	if s.StartedAt != nil {
		return *s.StartedAt
	}
	return s.CreatedAt
}

// Duration returns how long the session ran, measured up to now when it
// has not ended. Zero if it never started.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(*s.StartedAt)
}

// SortNewestFirst orders sessions by start time descending, falling back to
// creation time for sessions that have not started. The sort is stable.
func SortNewestFirst(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].sortKey().After(sessions[j].sortKey())
	})
}
