// Package util holds small path and string helpers shared by the daemon and
// the CLI.
package util

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// TruncateANSI shortens s to at most width terminal columns, ending it with
// "..." when cut. Escape sequences and wide runes are measured by their
// rendered width, so styled table cells stay aligned.
func TruncateANSI(s string, width int) string {
	if width <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	// The tail counts toward width.
	return ansi.Truncate(s, width, "...")
}
