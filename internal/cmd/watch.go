package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/api"
	"github.com/Iron-Ham/conductor/internal/event"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events",
	Long: `Print one line per daemon event: session status changes, agent activity,
record changes and reported errors. Stops on Ctrl+C or when the daemon shuts down.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchActivity bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchActivity, "activity", false, "Include output activity events")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	return c.Watch(ctx, func(msg api.Message) {
		if msg.Type == event.TypeSessionActivity && !watchActivity {
			return
		}
		fmt.Fprintln(out, formatEvent(msg))
	})
}

// formatEvent renders one event line. Unknown types print their raw payload.
func formatEvent(msg api.Message) string {
	ts := styled(dimStyle, msg.Time.Local().Format("15:04:05"))
	line := func(format string, args ...any) string {
		return ts + " " + fmt.Sprintf(format, args...)
	}

	switch msg.Type {
	case event.TypeSessionChanged:
		var e event.SessionChangedEvent
		if json.Unmarshal(msg.Payload, &e) != nil {
			break
		}
		s := e.Session
		switch {
		case e.Removed:
			return line("session %s removed", shortID(s.ID))
		case e.Previous == "":
			return line("session %s (%s) created: %s", shortID(s.ID), s.Phase, statusText(s.Status))
		default:
			suffix := ""
			if s.ExitCode != nil {
				suffix = fmt.Sprintf(" (exit %d)", *s.ExitCode)
			}
			return line("session %s (%s) %s -> %s%s", shortID(s.ID), s.Phase,
				statusText(e.Previous), statusText(s.Status), suffix)
		}

	case event.TypeSessionActivity:
		var e event.SessionActivityEvent
		if json.Unmarshal(msg.Payload, &e) != nil {
			break
		}
		if e.LastToolAction != "" {
			return line("session %s +%dB %s", shortID(e.SessionID), e.Bytes, truncate(e.LastToolAction))
		}
		return line("session %s +%dB", shortID(e.SessionID), e.Bytes)

	case event.TypeTaskChanged:
		var e event.TaskChangedEvent
		if json.Unmarshal(msg.Payload, &e) != nil {
			break
		}
		return line("task %s %s: %s", shortID(e.Task.ID), e.Action, truncate(e.Task.Title))

	case event.TypeWorkspaceChanged:
		var e event.WorkspaceChangedEvent
		if json.Unmarshal(msg.Payload, &e) != nil {
			break
		}
		return line("workspace %s %s: %s", shortID(e.Workspace.ID), e.Action, e.Workspace.Name)

	case event.TypeSettingsChanged:
		return line("settings updated")

	case event.TypeErrorReported:
		var e event.ErrorEvent
		if json.Unmarshal(msg.Payload, &e) != nil {
			break
		}
		return line("%s %s: %s", styled(errorStyle, "error"), e.Op, e.Message)
	}

	return line("%s %s", msg.Type, string(msg.Payload))
}
