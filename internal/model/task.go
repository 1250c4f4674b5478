package model

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Mode decides whether a task starts with a planner or runs directly.
type Mode string

const (
	// ModePlanFirst runs a planner, waits for approval, then runs an executor.
	ModePlanFirst Mode = "plan_first"

	// ModeDirect runs a single direct session.
	ModeDirect Mode = "direct"
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModePlanFirst || m == ModeDirect
}

// StartPhase returns the phase of the first session started for this mode.
func (m Mode) StartPhase() Phase {
	if m == ModePlanFirst {
		return PhasePlanner
	}
	return PhaseDirect
}

// Workspace is a git repository plus where its task worktrees live.
type Workspace struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	RepoPath          string    `json:"repo_path"`
	DefaultBaseBranch string    `json:"default_base_branch"`
	WorktreesRoot     string    `json:"worktrees_root"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultBaseBranch is used when a workspace does not name one.
const DefaultBaseBranch = "main"

// Task is a named piece of work bound to one workspace. Its branch and
// worktree are fixed when it is created.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	WorkspaceID string `json:"workspace_id"`

	BaseBranch   string `json:"base_branch"`
	BranchName   string `json:"branch_name"`
	WorktreePath string `json:"worktree_path"`

	Mode Mode `json:"mode"`

	// AgentCommandTemplate overrides Settings.AgentCommandTemplate when set.
	AgentCommandTemplate string `json:"agent_command_template,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fixed file names inside a task worktree.
const (
	PlanFileName   = "PLAN.md"
	PromptFileName = ".agent-prompt.txt"
)

// PlanPath returns <worktree>/PLAN.md.
func (t *Task) PlanPath() string {
	return filepath.Join(t.WorktreePath, PlanFileName)
}

// PromptPath returns <worktree>/.agent-prompt.txt.
func (t *Task) PromptPath() string {
	return filepath.Join(t.WorktreePath, PromptFileName)
}

// WorktreePathFor joins a workspace's worktree root with a branch name.
func WorktreePathFor(worktreesRoot, branchName string) string {
	return filepath.Join(worktreesRoot, branchName)
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9-]`)

const maxSlugLength = 50

// SuggestBranchName derives a branch name from a task title:
// "task/" followed by the lowercased title with spaces mapped to "-",
// characters outside [a-z0-9-] dropped, truncated to 50 characters.
func SuggestBranchName(title string) string {
	slug := strings.ToLower(title)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = nonSlugChars.ReplaceAllString(slug, "")
	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
	}
	return "task/" + slug
}
