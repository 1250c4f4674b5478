package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
)

// APIError is returned by Client for non-2xx responses.
//
// It matches the orchestrator sentinels by status so callers can keep using
// errors.IsNotFound and errors.IsConflict against a remote daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return e.Message
}

// Is maps the HTTP status back to the sentinel family it came from.
func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusNotFound:
		return target == errors.ErrWorkspaceNotFound || target == errors.ErrTaskNotFound || target == errors.ErrSessionNotFound
	case http.StatusBadRequest:
		return target == errors.ErrInvalidInput
	case http.StatusConflict:
		return target == errors.ErrInvalidTransition || target == errors.ErrTaskBusy
	case http.StatusServiceUnavailable:
		return target == errors.ErrOrchestratorClosed
	}
	return false
}

// IsUserFacing reports true: the daemon already sanitized the message.
func (e *APIError) IsUserFacing() bool { return true }

// Client talks to a running conductor daemon.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the daemon at baseURL, e.g.
// "http://127.0.0.1:7777".
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   requestTimeout + 5*time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Status calls GET /api/v1/status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

// TakeError returns and clears the daemon's current error message.
func (c *Client) TakeError(ctx context.Context) (string, error) {
	var out ErrorMessage
	err := c.do(ctx, http.MethodGet, "/api/v1/error", nil, &out)
	return out.Message, err
}

func (c *Client) Workspaces(ctx context.Context) ([]model.Workspace, error) {
	var out []model.Workspace
	err := c.do(ctx, http.MethodGet, "/api/v1/workspaces", nil, &out)
	return out, err
}

func (c *Client) Workspace(ctx context.Context, id string) (model.Workspace, error) {
	var out model.Workspace
	err := c.do(ctx, http.MethodGet, "/api/v1/workspaces/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) AddWorkspace(ctx context.Context, in orchestrator.WorkspaceInput) (model.Workspace, error) {
	var out model.Workspace
	err := c.do(ctx, http.MethodPost, "/api/v1/workspaces", in, &out)
	return out, err
}

func (c *Client) UpdateWorkspace(ctx context.Context, id string, upd orchestrator.WorkspaceUpdate) (model.Workspace, error) {
	var out model.Workspace
	err := c.do(ctx, http.MethodPatch, "/api/v1/workspaces/"+url.PathEscape(id), upd, &out)
	return out, err
}

func (c *Client) DeleteWorkspace(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/workspaces/"+url.PathEscape(id), nil, nil)
}

func (c *Client) TasksForWorkspace(ctx context.Context, workspaceID string) ([]model.Task, error) {
	var out []model.Task
	err := c.do(ctx, http.MethodGet, "/api/v1/workspaces/"+url.PathEscape(workspaceID)+"/tasks", nil, &out)
	return out, err
}

func (c *Client) StaleWorktrees(ctx context.Context, workspaceID string) ([]orchestrator.StaleWorktree, error) {
	var out []orchestrator.StaleWorktree
	err := c.do(ctx, http.MethodGet, "/api/v1/workspaces/"+url.PathEscape(workspaceID)+"/stale-worktrees", nil, &out)
	return out, err
}

// PruneWorktrees removes the workspace's stale worktrees and returns the
// ones it tried to remove.
func (c *Client) PruneWorktrees(ctx context.Context, workspaceID string, deleteBranch bool) ([]orchestrator.StaleWorktree, error) {
	var out []orchestrator.StaleWorktree
	path := "/api/v1/workspaces/" + url.PathEscape(workspaceID) + "/prune?delete_branch=" + strconv.FormatBool(deleteBranch)
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

func (c *Client) Tasks(ctx context.Context) ([]model.Task, error) {
	var out []model.Task
	err := c.do(ctx, http.MethodGet, "/api/v1/tasks", nil, &out)
	return out, err
}

func (c *Client) Task(ctx context.Context, id string) (model.Task, error) {
	var out model.Task
	err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreateTask(ctx context.Context, in orchestrator.TaskInput) (model.Task, error) {
	var out model.Task
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks", in, &out)
	return out, err
}

func (c *Client) DeleteTask(ctx context.Context, id string, removeWorktree, deleteBranch bool) error {
	q := url.Values{}
	q.Set("remove_worktree", strconv.FormatBool(removeWorktree))
	q.Set("delete_branch", strconv.FormatBool(deleteBranch))
	return c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(id)+"?"+q.Encode(), nil, nil)
}

func (c *Client) StartSession(ctx context.Context, taskID string) (model.Session, error) {
	var out model.Session
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/start", nil, &out)
	return out, err
}

func (c *Client) SessionsForTask(ctx context.Context, taskID string) ([]model.Session, error) {
	var out []model.Session
	err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID)+"/sessions", nil, &out)
	return out, err
}

func (c *Client) Plan(ctx context.Context, taskID string) (PlanResponse, error) {
	var out PlanResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID)+"/plan", nil, &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context) ([]model.Session, error) {
	var out []model.Session
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &out)
	return out, err
}

func (c *Client) Session(ctx context.Context, id string) (model.Session, error) {
	var out model.Session
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Log fetches the session log. tail <= 0 returns the whole file.
func (c *Client) Log(ctx context.Context, id string, tail int) (LogResponse, error) {
	path := "/api/v1/sessions/" + url.PathEscape(id) + "/log"
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out LogResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) StopSession(ctx context.Context, id string) (model.Session, error) {
	return c.sessionAction(ctx, id, "stop", nil)
}

func (c *Client) CancelPlan(ctx context.Context, id string) (model.Session, error) {
	return c.sessionAction(ctx, id, "cancel", nil)
}

func (c *Client) RetrySession(ctx context.Context, id string) (model.Session, error) {
	return c.sessionAction(ctx, id, "retry", nil)
}

// ApprovePlan approves a planner session. A non-nil plan replaces the plan
// file before the executor starts.
func (c *Client) ApprovePlan(ctx context.Context, id string, plan *string) (model.Session, error) {
	return c.sessionAction(ctx, id, "approve", ApproveRequest{Plan: plan})
}

func (c *Client) sessionAction(ctx context.Context, id, action string, body any) (model.Session, error) {
	var out model.Session
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/"+action, body, &out)
	return out, err
}

func (c *Client) Settings(ctx context.Context) (model.Settings, error) {
	var out model.Settings
	err := c.do(ctx, http.MethodGet, "/api/v1/settings", nil, &out)
	return out, err
}

func (c *Client) UpdateSettings(ctx context.Context, s model.Settings) (model.Settings, error) {
	var out model.Settings
	err := c.do(ctx, http.MethodPut, "/api/v1/settings", s, &out)
	return out, err
}

// Watch streams daemon events to fn until ctx is cancelled or the
// connection drops. A cancelled ctx returns nil.
func (c *Client) Watch(ctx context.Context, fn func(Message)) error {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/api/v1/events"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	defer func() { _ = ws.CloseNow() }()
	ws.SetReadLimit(maxBodySize)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fn(msg)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
