// Package template renders the {{placeholder}} strings used for agent
// commands and prompt files, and turns a rendered command into an argv.
package template

import (
	"regexp"
	"strings"
)

// Placeholder keys bound for agent commands.
const (
	KeyWorktree           = "worktree"
	KeyPromptFile         = "promptFile"
	KeyMode               = "mode"
	KeyNonInteractiveFlag = "nonInteractiveFlag"
)

// Placeholder keys bound for prompt files.
const (
	KeyTitle       = "title"
	KeyDescription = "description"
	KeyPlanFile    = "planFile"
	KeyBranch      = "branch"
)

// Bindings maps placeholder names (without braces) to values.
type Bindings map[string]string

var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// Render replaces every {{key}} in tmpl whose key is bound in b. Unbound
// placeholders are left verbatim. Substitution is a single pass, so bound
// values that themselves contain placeholders are not expanded again.
func Render(tmpl string, b Bindings) string {
	if len(b) == 0 || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := match[2 : len(match)-2]
		if v, ok := b[key]; ok {
			return v
		}
		return match
	})
}

// NonInteractiveFlag returns the value bound to {{nonInteractiveFlag}}: the
// configured flag for executor sessions, empty otherwise.
func NonInteractiveFlag(phase, flag string) string {
	if phase == "executor" {
		return flag
	}
	return ""
}

// CommandBindings builds the bindings for an agent command template.
func CommandBindings(worktree, promptFile, phase, flag string) Bindings {
	return Bindings{
		KeyWorktree:           worktree,
		KeyPromptFile:         promptFile,
		KeyMode:               phase,
		KeyNonInteractiveFlag: NonInteractiveFlag(phase, flag),
	}
}

// Tokenize splits a rendered command on whitespace and drops empty tokens.
// Quoting is not interpreted: an argument cannot contain a space.
func Tokenize(command string) []string {
	return strings.Fields(command)
}
