package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Active        int  `json:"active"`
	MaxConcurrent int  `json:"max_concurrent"`
	CanAdmit      bool `json:"can_admit"`
	Sessions      int  `json:"sessions"`
	Queued        int  `json:"queued"`
}

// ErrorMessage is returned by GET /api/v1/error. Reading it clears it.
type ErrorMessage struct {
	Message string `json:"message"`
}

// ApproveRequest is the body of POST /api/v1/sessions/{id}/approve. A nil
// Plan approves the plan file as written.
type ApproveRequest struct {
	Plan *string `json:"plan,omitempty"`
}

// PlanResponse is returned by GET /api/v1/tasks/{id}/plan.
type PlanResponse struct {
	Path    string `json:"path"`
	Exists  bool   `json:"exists"`
	Content string `json:"content"`
}

// LogResponse is returned by GET /api/v1/sessions/{id}/log.
type LogResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, err := s.svc.Settings(ctx)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	sessions, err := s.svc.Sessions(ctx)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	active, err := s.svc.ActiveCount(ctx)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	canAdmit, err := s.svc.CanAdmit(ctx)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	resp := StatusResponse{
		Active:        active,
		MaxConcurrent: settings.MaxConcurrentSessions,
		CanAdmit:      canAdmit,
		Sessions:      len(sessions),
	}
	for _, sess := range sessions {
		if sess.Status == model.StatusQueued {
			resp.Queued++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) takeError(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.TakeError(r.Context())
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ErrorMessage{Message: msg})
}

// --- Workspaces ---

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.Workspaces(r.Context())
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (s *Server) addWorkspace(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[orchestrator.WorkspaceInput](w, r)
	if !ok {
		return
	}
	ws, err := s.svc.AddWorkspace(r.Context(), req)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.svc.Workspace(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) updateWorkspace(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[orchestrator.WorkspaceUpdate](w, r)
	if !ok {
		return
	}
	ws, err := s.svc.UpdateWorkspace(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) deleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteWorkspace(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWorkspaceTasks(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := s.svc.Workspace(r.Context(), id); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	items, err := s.svc.TasksForWorkspace(r.Context(), id)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (s *Server) listStaleWorktrees(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.StaleWorktrees(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (s *Server) pruneWorktrees(w http.ResponseWriter, r *http.Request) {
	deleteBranch := queryBool(r.URL.Query().Get("delete_branch"))
	items, err := s.svc.PruneWorktrees(r.Context(), urlParam(r, "id"), deleteBranch)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.Tasks(r.Context())
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[orchestrator.TaskInput](w, r)
	if !ok {
		return
	}
	task, err := s.svc.CreateTask(r.Context(), req)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Task(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// deleteTask handles DELETE /api/v1/tasks/{id}?remove_worktree=true&delete_branch=true
func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	removeWorktree := queryBool(q.Get("remove_worktree"))
	deleteBranch := queryBool(q.Get("delete_branch"))

	if err := s.svc.DeleteTask(r.Context(), urlParam(r, "id"), removeWorktree, deleteBranch); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.StartSession(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listTaskSessions(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := s.svc.Task(r.Context(), id); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	items, err := s.svc.SessionsForTask(r.Context(), id)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Task(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	content, exists, err := s.svc.ReadPlan(r.Context(), task.ID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, PlanResponse{Path: task.PlanPath(), Exists: exists, Content: content})
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.Sessions(r.Context())
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Session(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// getLog handles GET /api/v1/sessions/{id}/log?tail=N
func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}

	sess, err := s.svc.Session(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	content, err := s.svc.ReadLog(r.Context(), sess.ID, tail)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, LogResponse{Path: sess.LogPath, Content: content})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, s.svc.StopSession)
}

func (s *Server) cancelPlan(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, s.svc.CancelPlan)
}

func (s *Server) approvePlan(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if r.ContentLength != 0 {
		var ok bool
		if req, ok = readJSON[ApproveRequest](w, r); !ok {
			return
		}
	}
	sess, err := s.svc.ApprovePlan(r.Context(), urlParam(r, "id"), req.Plan)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) retrySession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.RetrySession(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (model.Session, error)) {
	sess, err := fn(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- Settings ---

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.svc.Settings(r.Context())
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[model.Settings](w, r)
	if !ok {
		return
	}
	settings, err := s.svc.UpdateSettings(r.Context(), req)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func queryBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
