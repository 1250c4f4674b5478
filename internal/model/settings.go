package model

import (
	"strings"

	"github.com/Iron-Ham/conductor/internal/errors"
)

// Settings is the process-wide configuration read on every session start.
type Settings struct {
	// AgentCommandTemplate is rendered and tokenized into the agent argv.
	// Placeholders: {{worktree}}, {{promptFile}}, {{mode}}, {{nonInteractiveFlag}}.
	AgentCommandTemplate string `json:"agent_command_template" yaml:"agent_command_template"`

	// PlannerPromptTemplate is written to the prompt file for planner sessions.
	PlannerPromptTemplate string `json:"planner_prompt_template" yaml:"planner_prompt_template"`

	// ExecutorPromptTemplate is written to the prompt file for executor and
	// direct sessions.
	ExecutorPromptTemplate string `json:"executor_prompt_template" yaml:"executor_prompt_template"`

	// NonInteractiveFlag is bound to {{nonInteractiveFlag}} for executor sessions only.
	NonInteractiveFlag string `json:"non_interactive_flag" yaml:"non_interactive_flag"`

	// BlockedTimeoutMinutes is how long an active session may stay silent
	// before the sweep marks it blocked.
	BlockedTimeoutMinutes int `json:"blocked_timeout_minutes" yaml:"blocked_timeout_minutes"`

	// MaxConcurrentSessions bounds planning+running sessions. At least 1.
	MaxConcurrentSessions int `json:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`

	DefaultWorktreesRoot string `json:"default_worktrees_root" yaml:"default_worktrees_root"`
	EditorCommand        string `json:"editor_command" yaml:"editor_command"`
	TerminalCommand      string `json:"terminal_command" yaml:"terminal_command"`
}

// Default prompt texts.
const (
	DefaultPlannerPrompt = `You are a planning agent. Analyze the task and create a detailed implementation plan.

Task: {{title}}

{{description}}

Output a plan to {{planFile}} with:
1. Scope summary
2. File-level changes (list each file to create/modify/delete)
3. Risks and unknowns
4. Test plan
5. Ordered checklist of steps

Do NOT implement anything. Only create the plan.
`

	DefaultExecutorPrompt = `You are an executor agent. Follow the implementation plan in {{planFile}} exactly.

Task: {{title}}

{{description}}

Constraints:
- Keep changes minimal
- Do not change tech stack unless required
- Update/add tests where appropriate
- Follow the checklist order

Execute the plan step by step.
`

	// DefaultAgentCommand echoes its bindings. Users are expected to replace
	// it with their agent, e.g. "claude --print --prompt-file {{promptFile}} {{nonInteractiveFlag}}".
	DefaultAgentCommand = "echo Configure your agent command in settings. worktree={{worktree}} prompt={{promptFile}} mode={{mode}} {{nonInteractiveFlag}}"
)

// DefaultSettings returns the settings used when none have been saved.
func DefaultSettings() Settings {
	return Settings{
		AgentCommandTemplate:   DefaultAgentCommand,
		PlannerPromptTemplate:  DefaultPlannerPrompt,
		ExecutorPromptTemplate: DefaultExecutorPrompt,
		NonInteractiveFlag:     "--yes",
		BlockedTimeoutMinutes:  3,
		MaxConcurrentSessions:  1,
		DefaultWorktreesRoot:   "~/Worktrees/conductor",
		EditorCommand:          "cursor",
		TerminalCommand:        "open -a Terminal",
	}
}

// PromptTemplate returns the prompt template used for a session phase.
func (s *Settings) PromptTemplate(phase Phase) string {
	if phase == PhasePlanner {
		return s.PlannerPromptTemplate
	}
	return s.ExecutorPromptTemplate
}

// Validate checks the settings and returns a *errors.ValidationError for
// the first invalid field.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.AgentCommandTemplate) == "" {
		return errors.NewValidationError("agent command template must not be empty").
			WithField("agent_command_template")
	}
	if s.MaxConcurrentSessions < 1 {
		return errors.NewValidationError("must be at least 1").
			WithField("max_concurrent_sessions").
			WithValue(s.MaxConcurrentSessions)
	}
	if s.BlockedTimeoutMinutes < 1 {
		return errors.NewValidationError("must be at least 1").
			WithField("blocked_timeout_minutes").
			WithValue(s.BlockedTimeoutMinutes)
	}
	return nil
}
