package template

import (
	"reflect"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		b    Bindings
		want string
	}{
		{
			name: "single placeholder",
			tmpl: "{{worktree}}/x",
			b:    Bindings{KeyWorktree: "/a/b"},
			want: "/a/b/x",
		},
		{
			name: "unbound placeholder is left verbatim",
			tmpl: "{{worktree}} {{unknown}}",
			b:    Bindings{KeyWorktree: "/a"},
			want: "/a {{unknown}}",
		},
		{
			name: "no placeholders",
			tmpl: "echo hello",
			b:    Bindings{KeyWorktree: "/a"},
			want: "echo hello",
		},
		{
			name: "repeated placeholder",
			tmpl: "{{mode}}-{{mode}}",
			b:    Bindings{KeyMode: "planner"},
			want: "planner-planner",
		},
		{
			name: "nil bindings",
			tmpl: "{{worktree}}",
			b:    nil,
			want: "{{worktree}}",
		},
		{
			name: "values are not expanded again",
			tmpl: "{{title}} in {{worktree}}",
			b:    Bindings{KeyTitle: "{{worktree}}", KeyWorktree: "/w"},
			want: "{{worktree}} in /w",
		},
		{
			name: "empty binding removes placeholder",
			tmpl: "agent {{nonInteractiveFlag}}",
			b:    Bindings{KeyNonInteractiveFlag: ""},
			want: "agent ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.tmpl, tt.b); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestNonInteractiveFlag(t *testing.T) {
	tests := []struct {
		phase string
		flag  string
		want  string
	}{
		{"executor", "--yes", "--yes"},
		{"executor", "", ""},
		{"planner", "--yes", ""},
		{"direct", "--yes", ""},
	}

	for _, tt := range tests {
		t.Run(tt.phase+tt.flag, func(t *testing.T) {
			if got := NonInteractiveFlag(tt.phase, tt.flag); got != tt.want {
				t.Errorf("NonInteractiveFlag(%q, %q) = %q, want %q", tt.phase, tt.flag, got, tt.want)
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		command string
		want    []string
	}{
		{"agent --yes /tmp/p", []string{"agent", "--yes", "/tmp/p"}},
		{"  agent   \t run \n", []string{"agent", "run"}},
		{"", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got := Tokenize(tt.command)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}

func TestCommandBindingsEndToEnd(t *testing.T) {
	tmpl := "agent --dir {{worktree}} --prompt {{promptFile}} --mode {{mode}} {{nonInteractiveFlag}}"

	planner := Tokenize(Render(tmpl, CommandBindings("/w", "/w/.agent-prompt.txt", "planner", "--yes")))
	wantPlanner := []string{"agent", "--dir", "/w", "--prompt", "/w/.agent-prompt.txt", "--mode", "planner"}
	if !reflect.DeepEqual(planner, wantPlanner) {
		t.Errorf("planner argv = %q, want %q", planner, wantPlanner)
	}

	executor := Tokenize(Render(tmpl, CommandBindings("/w", "/w/.agent-prompt.txt", "executor", "--yes")))
	if executor[len(executor)-1] != "--yes" {
		t.Errorf("executor argv = %q, want trailing --yes", executor)
	}
}
