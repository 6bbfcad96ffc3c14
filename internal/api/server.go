// Package api exposes the management HTTP interface: roster status,
// per-agent lifecycle actions, task assignment, and store statistics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Polymythic/AgentSoftwareDeveloper/internal/agent"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/config"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/store"
)

// Controller is the supervisor surface the API drives.
type Controller interface {
	StartAgent(ctx context.Context, name string) error
	StopAgent(ctx context.Context, name string) bool
	RestartAgent(ctx context.Context, name string)
	AgentStatus(ctx context.Context, name string) agent.StatusSnapshot
	AllAgentStatus(ctx context.Context) map[string]agent.StatusSnapshot
	Running() bool
}

// Server serves the management API.
type Server struct {
	ctrl      Controller
	cfg       *config.SystemConfig
	store     *store.Store // optional
	log       *slog.Logger
	authToken string
	mux       *http.ServeMux
}

// NewServer builds the API server. authToken may be empty, which disables
// authentication.
func NewServer(ctrl Controller, cfg *config.SystemConfig, st *store.Store, log *slog.Logger, authToken string) *Server {
	s := &Server{
		ctrl:      ctrl,
		cfg:       cfg,
		store:     st,
		log:       log.With("component", "api"),
		authToken: authToken,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /", s.handleRoot)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /agents", s.handleAgents)
	s.mux.HandleFunc("GET /agents/{name}", s.handleAgentStatus)
	s.mux.HandleFunc("POST /agents/{name}/start", s.handleAgentStart)
	s.mux.HandleFunc("POST /agents/{name}/stop", s.handleAgentStop)
	s.mux.HandleFunc("POST /agents/{name}/restart", s.handleAgentRestart)
	s.mux.HandleFunc("GET /agents/{name}/tasks", s.handleAgentTasks)
	s.mux.HandleFunc("POST /tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /stats", s.handleStats)
}

// ServeHTTP applies bearer auth (when configured) before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.authToken != "" && r.URL.Path != "/healthz" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got != s.authToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        s.cfg.Name,
		"version":     s.cfg.Version,
		"environment": s.cfg.Environment,
		"running":     s.ctrl.Running(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": s.ctrl.Running()})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.AllAgentStatus(r.Context()))
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.configured(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent " + name})
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.AgentStatus(r.Context(), name))
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.ctrl.StartAgent(r.Context(), name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.AgentStatus(r.Context(), name))
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	stopped := s.ctrl.StopAgent(r.Context(), name)
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped, "agent": name})
}

func (s *Server) handleAgentRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.configured(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent " + name})
		return
	}
	s.ctrl.RestartAgent(r.Context(), name)
	writeJSON(w, http.StatusOK, s.ctrl.AgentStatus(r.Context(), name))
}

func (s *Server) handleAgentTasks(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store disabled"})
		return
	}
	name := r.PathValue("name")
	if !s.configured(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent " + name})
		return
	}
	tasks, err := s.store.TasksForAgent(r.Context(), name, r.URL.Query().Get("status"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": name, "tasks": tasks})
}

type createTaskRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	AssignedAgent string `json:"assigned_agent"`
	Priority      string `json:"priority"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store disabled"})
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Title == "" || req.AssignedAgent == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title and assigned_agent are required"})
		return
	}
	if !s.configured(req.AssignedAgent) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent " + req.AssignedAgent})
		return
	}

	task := store.Task{
		ID:            uuid.NewString(),
		Title:         req.Title,
		Description:   req.Description,
		AssignedAgent: req.AssignedAgent,
		AssignedBy:    "api",
		Priority:      req.Priority,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.StoreTask(r.Context(), task); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.log.Info("task created", "task_id", task.ID, "agent", task.AssignedAgent)
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": task.ID})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store disabled"})
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) configured(name string) bool {
	return s.cfg.RosterIndex(name) >= 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
