// Package api exposes the orchestrator over HTTP for the conductor CLI.
//
// REST endpoints live under /api/v1; /api/v1/events streams bus events over
// a WebSocket. Client is the matching Go client.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
)

// Service is the orchestrator surface the API serves.
// *orchestrator.Orchestrator satisfies it.
type Service interface {
	AddWorkspace(ctx context.Context, in orchestrator.WorkspaceInput) (model.Workspace, error)
	UpdateWorkspace(ctx context.Context, id string, upd orchestrator.WorkspaceUpdate) (model.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
	Workspaces(ctx context.Context) ([]model.Workspace, error)
	Workspace(ctx context.Context, id string) (model.Workspace, error)
	StaleWorktrees(ctx context.Context, workspaceID string) ([]orchestrator.StaleWorktree, error)
	PruneWorktrees(ctx context.Context, workspaceID string, deleteBranch bool) ([]orchestrator.StaleWorktree, error)

	CreateTask(ctx context.Context, in orchestrator.TaskInput) (model.Task, error)
	DeleteTask(ctx context.Context, id string, removeWorktree, deleteBranch bool) error
	Tasks(ctx context.Context) ([]model.Task, error)
	TasksForWorkspace(ctx context.Context, workspaceID string) ([]model.Task, error)
	Task(ctx context.Context, id string) (model.Task, error)

	StartSession(ctx context.Context, taskID string) (model.Session, error)
	StopSession(ctx context.Context, id string) (model.Session, error)
	ApprovePlan(ctx context.Context, id string, editedPlan *string) (model.Session, error)
	CancelPlan(ctx context.Context, id string) (model.Session, error)
	RetrySession(ctx context.Context, id string) (model.Session, error)
	Session(ctx context.Context, id string) (model.Session, error)
	Sessions(ctx context.Context) ([]model.Session, error)
	SessionsForTask(ctx context.Context, taskID string) ([]model.Session, error)
	ActiveCount(ctx context.Context) (int, error)
	CanAdmit(ctx context.Context) (bool, error)

	ReadLog(ctx context.Context, sessionID string, tailLines int) (string, error)
	ReadPlan(ctx context.Context, taskID string) (string, bool, error)

	Settings(ctx context.Context) (model.Settings, error)
	UpdateSettings(ctx context.Context, s model.Settings) (model.Settings, error)
	TakeError(ctx context.Context) (string, error)
}

// Version is reported by /health.
var Version = "dev"

const requestTimeout = 60 * time.Second

// Server routes HTTP requests to a Service.
type Server struct {
	svc    Service
	hub    *Hub
	logger *logging.Logger
	router chi.Router
}

// NewServer builds the router. hub may be nil, in which case /api/v1/events
// is not mounted.
func NewServer(svc Service, hub *Hub, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{svc: svc, hub: hub, logger: logger.WithComponent("api")}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.health)

	if s.hub != nil {
		// Long-lived; kept outside the request timeout.
		r.Get("/api/v1/events", s.hub.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(otelMiddleware("conductor-api"))
		r.Use(chimw.Timeout(requestTimeout))

		r.Get("/status", s.status)
		r.Get("/error", s.takeError)

		r.Get("/workspaces", s.listWorkspaces)
		r.Post("/workspaces", s.addWorkspace)
		r.Get("/workspaces/{id}", s.getWorkspace)
		r.Patch("/workspaces/{id}", s.updateWorkspace)
		r.Delete("/workspaces/{id}", s.deleteWorkspace)
		r.Get("/workspaces/{id}/tasks", s.listWorkspaceTasks)
		r.Get("/workspaces/{id}/stale-worktrees", s.listStaleWorktrees)
		r.Post("/workspaces/{id}/prune", s.pruneWorktrees)

		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.createTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Post("/tasks/{id}/start", s.startSession)
		r.Get("/tasks/{id}/sessions", s.listTaskSessions)
		r.Get("/tasks/{id}/plan", s.getPlan)

		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Get("/sessions/{id}/log", s.getLog)
		r.Post("/sessions/{id}/stop", s.stopSession)
		r.Post("/sessions/{id}/approve", s.approvePlan)
		r.Post("/sessions/{id}/cancel", s.cancelPlan)
		r.Post("/sessions/{id}/retry", s.retrySession)

		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)
	})

	return r
}

// otelMiddleware creates spans and request metrics for HTTP requests.
func otelMiddleware(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, operation)
	}
}

// requestLogger logs each request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}
