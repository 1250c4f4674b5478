package orchestrator

import (
	"strings"

	"github.com/Iron-Ham/conductor/internal/util"
)

// toolActionMarkers are checked in order. A later marker found in the same
// chunk overrides an earlier one.
var toolActionMarkers = []string{"Running:", "Executing:", "tool:", "bash:", "git:", "command:"}

const (
	toolActionWindow = 100
	toolActionMax    = 80
)

// ParseToolAction extracts the most recent tool action from a chunk of
// agent output. For each marker, matched case-insensitively, it takes up to
// 100 characters after the first occurrence, trims whitespace and keeps at
// most 80. It returns "" when no marker yields text.
func ParseToolAction(chunk string) string {
	action := ""
	for _, marker := range toolActionMarkers {
		idx := indexFold(chunk, marker)
		if idx < 0 {
			continue
		}
		rest := chunk[idx+len(marker):]
		candidate := strings.TrimSpace(util.FirstRunes(rest, toolActionWindow))
		candidate = util.FirstRunes(candidate, toolActionMax)
		if candidate != "" {
			action = candidate
		}
	}
	return action
}

// indexFold is a case-insensitive strings.Index for an ASCII needle.
func indexFold(s, needle string) int {
	for i := 0; i+len(needle) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}
