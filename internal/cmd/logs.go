package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs [session]",
	Short: "View session output or the daemon log",
	Long: `Show the captured output of a session, or with --daemon the daemon's own
structured log.

Examples:
  # Last 50 lines of a session
  conductor logs 3f2a

  # Whole session log, then follow new output
  conductor logs 3f2a -n 0 -f

  # Daemon warnings and errors from the last hour
  conductor logs --daemon --level warn --since 1h

  # Search the daemon log
  conductor logs --daemon --grep "launch|sweep"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

var (
	logsTail   int
	logsFollow bool
	logsDaemon bool
	logsLevel  string
	logsSince  string
	logsGrep   string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow new output")
	logsCmd.Flags().BoolVar(&logsDaemon, "daemon", false, "Show the daemon log instead of a session")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Minimum daemon log level (debug, info, warn, error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Daemon entries newer than this duration (e.g. 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Daemon entries matching this regular expression")
}

func runLogs(cmd *cobra.Command, args []string) error {
	if logsDaemon {
		if len(args) > 0 {
			return fmt.Errorf("--daemon does not take a session argument")
		}
		return runDaemonLogs(cmd)
	}
	if len(args) == 0 {
		return fmt.Errorf("a session id is required (or pass --daemon)")
	}
	return runSessionLogs(cmd, args[0])
}

func runSessionLogs(cmd *cobra.Command, prefix string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	id, err := resolveSession(ctx, c, prefix)
	if err != nil {
		return err
	}
	resp, err := c.Log(ctx, id, logsTail)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, resp.Content)
	if !logsFollow {
		return nil
	}
	if resp.Content != "" && !strings.HasSuffix(resp.Content, "\n") {
		fmt.Fprintln(out)
	}

	// The daemon and CLI share a machine, so new output is read straight
	// from the log file.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return followFile(ctx, resp.Path, func(chunk []byte) {
		_, _ = out.Write(chunk)
	})
}

// followFile calls fn with bytes appended to path until ctx is done. A file
// that shrinks or is recreated is read again from the start.
func followFile(ctx context.Context, path string, fn func([]byte)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory so rotation and recreation are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	readNew := func() error {
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			offset = 0
			return nil
		}
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() < offset {
			offset = 0
		}
		if info.Size() == offset {
			return nil
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		data, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		offset += int64(len(data))
		fn(data)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				offset = 0
				continue
			}
			if err := readNew(); err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}

// logEntry is one JSON line of the daemon log.
type logEntry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Msg       string         `json:"msg"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Component string         `json:"component,omitempty"`
	Extra     map[string]any `json:"-"`
}

// UnmarshalJSON keeps fields other than the known ones in Extra.
func (e *logEntry) UnmarshalJSON(data []byte) error {
	type alias logEntry
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range []string{"time", "level", "msg", "session_id", "task_id", "phase", "component"} {
		delete(raw, k)
	}
	if len(raw) > 0 {
		e.Extra = raw
	}
	return nil
}

var (
	levelStyles = map[string]lipgloss.Style{
		logging.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		logging.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		logging.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		logging.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
	fieldStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

// levelPriority returns the priority of a log level for filtering
func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn, "WARNING":
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

// logFilter selects daemon log entries.
type logFilter struct {
	minLevel int
	since    time.Time
	grep     *regexp.Regexp
}

func newLogFilter(level, since, grep string, now time.Time) (logFilter, error) {
	f := logFilter{minLevel: -1}
	if level != "" {
		f.minLevel = levelPriority(level)
		if f.minLevel < 0 {
			return f, fmt.Errorf("invalid level %q: must be one of %s", level, strings.Join(logging.ValidLevels(), ", "))
		}
	}
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return f, fmt.Errorf("invalid duration format: %w", err)
		}
		f.since = now.Add(-d)
	}
	if grep != "" {
		re, err := regexp.Compile(grep)
		if err != nil {
			return f, fmt.Errorf("invalid grep pattern: %w", err)
		}
		f.grep = re
	}
	return f, nil
}

func (f logFilter) match(e *logEntry) bool {
	if f.minLevel >= 0 && levelPriority(e.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && e.Time.Before(f.since) {
		return false
	}
	if f.grep != nil {
		text := e.Msg
		for _, v := range e.Extra {
			text += " " + fmt.Sprint(v)
		}
		if !f.grep.MatchString(text) {
			return false
		}
	}
	return true
}

// formatLogEntry formats a log entry for terminal output
func formatLogEntry(e *logEntry) string {
	var sb strings.Builder
	sb.WriteString(styled(dimStyle, "["+e.Time.Local().Format("15:04:05.000")+"]"))
	sb.WriteString(" ")

	level := strings.ToUpper(e.Level)
	if style, ok := levelStyles[level]; ok {
		sb.WriteString(styled(style, "["+level+"]"))
	} else {
		sb.WriteString("[" + level + "]")
	}
	sb.WriteString(" ")
	sb.WriteString(e.Msg)

	field := func(k, v string) {
		sb.WriteString(" ")
		sb.WriteString(styled(fieldStyle, k+"="))
		sb.WriteString(v)
	}
	if e.Component != "" {
		field("component", e.Component)
	}
	if e.SessionID != "" {
		field("session", shortID(e.SessionID))
	}
	if e.TaskID != "" {
		field("task", shortID(e.TaskID))
	}
	if e.Phase != "" {
		field("phase", e.Phase)
	}

	// Sorted so repeated runs print fields in the same order.
	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(k, fmt.Sprint(e.Extra[k]))
	}
	return sb.String()
}

// formatLogLine formats a raw line, passing through lines that are not JSON.
func formatLogLine(line string, f logFilter) (string, bool) {
	var e logEntry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return line, true
	}
	if !f.match(&e) {
		return "", false
	}
	return formatLogEntry(&e), true
}

func runDaemonLogs(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	filter, err := newLogFilter(logsLevel, logsSince, logsGrep, time.Now())
	if err != nil {
		return err
	}

	logPath := filepath.Join(cfg.Paths.ResolvedDataDir(), logging.LogFileName)
	out := cmd.OutOrStdout()
	if err := displayLogs(out, logPath, logsTail, filter); err != nil {
		return err
	}
	if !logsFollow {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var partial string
	return followFile(ctx, logPath, func(chunk []byte) {
		lines := strings.Split(partial+string(chunk), "\n")
		partial = lines[len(lines)-1]
		for _, line := range lines[:len(lines)-1] {
			if line = strings.TrimSpace(line); line == "" {
				continue
			}
			if s, ok := formatLogLine(line, filter); ok {
				fmt.Fprintln(out, s)
			}
		}
	})
}

// displayLogs prints the last tail matching entries of the daemon log.
func displayLogs(w io.Writer, logPath string, tail int, f logFilter) error {
	file, err := os.Open(logPath)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(w, "No daemon log at %s\n", logPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if s, ok := formatLogLine(line, f); ok {
			entries = append(entries, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, e := range entries {
		fmt.Fprintln(w, e)
	}
	if len(entries) == 0 && !logsFollow {
		fmt.Fprintln(w, "No matching log entries found.")
	}
	return nil
}
