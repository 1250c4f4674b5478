package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/util"
)

// maxTitleWidth caps free-text columns in tables.
const maxTitleWidth = 48

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	statusStyles = map[model.Status]lipgloss.Style{
		model.StatusQueued:           lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		model.StatusPlanning:         lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		model.StatusRunning:          lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		model.StatusBlocked:          lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		model.StatusAwaitingApproval: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		model.StatusSucceeded:        lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		model.StatusFailed:           lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		model.StatusStopped:          lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

// colorEnabled reports whether stdout is a terminal. Styling is skipped for
// pipes and files so output stays greppable.
var colorEnabled = term.IsTerminal(int(os.Stdout.Fd()))

func styled(s lipgloss.Style, text string) string {
	if !colorEnabled {
		return text
	}
	return s.Render(text)
}

func statusText(s model.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return s.DisplayName()
	}
	return styled(style, s.DisplayName())
}

// table renders left-aligned columns. Widths are measured with lipgloss so
// styled cells line up.
type table struct {
	header []string
	rows   [][]string
}

func newTable(header ...string) *table {
	return &table{header: header}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	writeRow := func(cells []string, style *lipgloss.Style) {
		var sb strings.Builder
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if style != nil {
				cell = styled(*style, cell)
			}
			sb.WriteString(cell)
			if i < len(cells)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(sb.String(), " "))
	}

	writeRow(t.header, &headerStyle)
	for _, row := range t.rows {
		writeRow(row, nil)
	}
}

// printYAML writes v as YAML.
func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

func truncate(s string) string {
	return util.TruncateANSI(s, maxTitleWidth)
}

// shortID keeps the first block of a UUID, which is enough to tell ids
// apart in a listing.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(s model.Session, now time.Time) string {
	if s.StartedAt == nil {
		return "-"
	}
	return s.Duration(now).Round(time.Second).String()
}
