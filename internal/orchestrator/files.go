package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/Iron-Ham/conductor/internal/util"
)

// DefaultLogTailLines is how many log lines ReadLog returns by default.
const DefaultLogTailLines = 500

// ReadLog returns the last tailLines lines of a session's log. tailLines <= 0
// means DefaultLogTailLines. A log that does not exist yet reads as empty.
func (o *Orchestrator) ReadLog(ctx context.Context, sessionID string, tailLines int) (string, error) {
	s, err := o.Session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if tailLines <= 0 {
		tailLines = DefaultLogTailLines
	}

	data, err := os.ReadFile(s.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read log: %w", err)
	}
	return util.TailLines(string(data), tailLines), nil
}

// ReadPlan returns the contents of the task's plan file. The boolean is
// false when no plan has been written.
func (o *Orchestrator) ReadPlan(ctx context.Context, taskID string) (string, bool, error) {
	task, err := o.Task(ctx, taskID)
	if err != nil {
		return "", false, err
	}

	data, err := os.ReadFile(task.PlanPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read plan: %w", err)
	}
	return string(data), true, nil
}
