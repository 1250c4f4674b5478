package event

import (
	"time"

	"github.com/Iron-Ham/conductor/internal/model"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event types.
const (
	TypeSessionChanged   = "session.changed"
	TypeSessionActivity  = "session.activity"
	TypeTaskChanged      = "task.changed"
	TypeWorkspaceChanged = "workspace.changed"
	TypeSettingsChanged  = "settings.changed"
	TypeErrorReported    = "error.reported"
)

// Change actions carried by TaskChangedEvent and WorkspaceChangedEvent.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionChangedEvent is emitted when a session is created, changes status,
// or is removed with its task. Previous is empty for a new session.
type SessionChangedEvent struct {
	baseEvent
	Session  model.Session `json:"session"`
	Previous model.Status  `json:"previous_status,omitempty"`
	Removed  bool          `json:"removed,omitempty"`
}

// NewSessionChangedEvent creates a SessionChangedEvent.
func NewSessionChangedEvent(session model.Session, previous model.Status) SessionChangedEvent {
	return SessionChangedEvent{
		baseEvent: newBaseEvent(TypeSessionChanged),
		Session:   session,
		Previous:  previous,
	}
}

// NewSessionRemovedEvent creates a SessionChangedEvent for a deleted session.
func NewSessionRemovedEvent(session model.Session) SessionChangedEvent {
	e := NewSessionChangedEvent(session, session.Status)
	e.Removed = true
	return e
}

// SessionActivityEvent is emitted for every output chunk an active session
// produces. It carries the chunk size, not the text.
type SessionActivityEvent struct {
	baseEvent
	SessionID      string `json:"session_id"`
	TaskID         string `json:"task_id"`
	Bytes          int    `json:"bytes"`
	LastToolAction string `json:"last_tool_action,omitempty"`
}

// NewSessionActivityEvent creates a SessionActivityEvent.
func NewSessionActivityEvent(sessionID, taskID string, bytes int, lastToolAction string) SessionActivityEvent {
	return SessionActivityEvent{
		baseEvent:      newBaseEvent(TypeSessionActivity),
		SessionID:      sessionID,
		TaskID:         taskID,
		Bytes:          bytes,
		LastToolAction: lastToolAction,
	}
}

// -----------------------------------------------------------------------------
// Record Events
// -----------------------------------------------------------------------------

// TaskChangedEvent is emitted when a task is created or deleted.
type TaskChangedEvent struct {
	baseEvent
	Action string     `json:"action"`
	Task   model.Task `json:"task"`
}

// NewTaskChangedEvent creates a TaskChangedEvent.
func NewTaskChangedEvent(action string, task model.Task) TaskChangedEvent {
	return TaskChangedEvent{
		baseEvent: newBaseEvent(TypeTaskChanged),
		Action:    action,
		Task:      task,
	}
}

// WorkspaceChangedEvent is emitted when a workspace is created, updated or deleted.
type WorkspaceChangedEvent struct {
	baseEvent
	Action    string          `json:"action"`
	Workspace model.Workspace `json:"workspace"`
}

// NewWorkspaceChangedEvent creates a WorkspaceChangedEvent.
func NewWorkspaceChangedEvent(action string, ws model.Workspace) WorkspaceChangedEvent {
	return WorkspaceChangedEvent{
		baseEvent: newBaseEvent(TypeWorkspaceChanged),
		Action:    action,
		Workspace: ws,
	}
}

// SettingsChangedEvent is emitted after settings are replaced.
type SettingsChangedEvent struct {
	baseEvent
	Settings model.Settings `json:"settings"`
}

// NewSettingsChangedEvent creates a SettingsChangedEvent.
func NewSettingsChangedEvent(settings model.Settings) SettingsChangedEvent {
	return SettingsChangedEvent{
		baseEvent: newBaseEvent(TypeSettingsChanged),
		Settings:  settings,
	}
}

// -----------------------------------------------------------------------------
// Error Events
// -----------------------------------------------------------------------------

// ErrorEvent reports a failure that did not reach a caller directly, such as
// a failed snapshot write or an agent that could not be launched during
// queue promotion.
type ErrorEvent struct {
	baseEvent
	Op      string `json:"op"`
	Message string `json:"message"`
}

// NewErrorEvent creates an ErrorEvent.
func NewErrorEvent(op string, err error) ErrorEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ErrorEvent{
		baseEvent: newBaseEvent(TypeErrorReported),
		Op:        op,
		Message:   msg,
	}
}
