// Package api exposes the research workflow, the conversational loop and the
// tool registry over HTTP. Streaming endpoints use server-sent events.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/apperr"
	"github.com/nidhogg/agentflow/internal/orchestrator"
	"github.com/nidhogg/agentflow/internal/reasoning"
	"github.com/nidhogg/agentflow/internal/session"
	"github.com/nidhogg/agentflow/internal/store"
	"github.com/nidhogg/agentflow/internal/stream"
	"github.com/nidhogg/agentflow/internal/tools"
)

// SessionHeader carries the caller's session id.
const SessionHeader = "X-Session-ID"

const defaultSession = "default"

// Session is the state kept per caller session.
type Session struct {
	ID           string
	Orchestrator *orchestrator.Orchestrator
	Loop         *reasoning.Loop
}

// RunLister reads persisted run summaries.
type RunLister interface {
	ListRuns(ctx context.Context, sessionID string, limit int) ([]*store.RunRecord, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sessions *session.Store[*Session]
	tools    *tools.Registry
	runs     RunLister
	logger   *zap.Logger
}

// NewHandler creates a new API handler. runs may be nil when no database is
// configured.
func NewHandler(sessions *session.Store[*Session], reg *tools.Registry, runs RunLister, logger *zap.Logger) *Handler {
	return &Handler{sessions: sessions, tools: reg, runs: runs, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", SessionHeader},
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)
		r.Get("/agents/stats", h.agentStats)

		r.Post("/research", h.research)
		r.Post("/chat", h.chat)

		r.Get("/tools", h.listTools)
		r.Post("/tools/execute", h.executeTool)
		r.Post("/tools/batch", h.executeBatch)

		r.Get("/runs", h.listRuns)
		r.Delete("/sessions/{id}", h.deleteSession)
	})

	return r
}

func sessionID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get("session_id")); id != "" {
		return id
	}
	return defaultSession
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, err := h.sessions.Get(sessionID(r))
	if err != nil {
		h.logger.Error("session init failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.sessions.Len(),
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Orchestrator.GetAllAgents())
}

func (h *Handler) agentStats(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Orchestrator.GetAgentStats())
}

type researchRequest struct {
	Company string   `json:"company"`
	Goals   []string `json:"goals"`
}

func (h *Handler) research(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Company) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "company is required"})
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	pipe := stream.NewPipe[stream.Envelope](stream.DefaultBuffer, nil)
	hooks := orchestrator.RunHooks{
		OnAgentUpdate: func(u orchestrator.AgentUpdate) {
			pipe.Send(ctx, stream.Envelope{Type: stream.TypeAgentUpdate, Data: u})
		},
		OnToolCall: func(a orchestrator.ToolActivity) {
			pipe.Send(ctx, stream.Envelope{Type: stream.TypeToolCall, Data: a})
		},
	}
	updates := s.Orchestrator.RunWithHooks(ctx, req.Company, req.Goals, hooks)
	go func() {
		defer pipe.Close()
		for u := range updates {
			if err := pipe.Send(ctx, stream.Envelope{Type: stream.TypeWorkflowUpdate, Data: orchestrator.ToWire(u)}); err != nil {
				stream.Drain(updates)
				return
			}
		}
	}()

	h.logger.Info("research stream opened",
		zap.String("session", s.ID), zap.String("company", req.Company))
	h.serveSSE(w, r, pipe.C())
}

type chatRequest struct {
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if req.Provider != "" {
		s.Loop.SetPreferredProvider(req.Provider)
	}
	h.serveSSE(w, r, s.Loop.ProcessMessage(r.Context(), req.Message))
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	out, err := h.tools.List(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type executeResponse struct {
	Tool       string `json:"tool"`
	Output     any    `json:"output"`
	DurationMS int64  `json:"duration_ms"`
}

func (h *Handler) executeTool(w http.ResponseWriter, r *http.Request) {
	var req tools.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	out, err := h.tools.Execute(r.Context(), req.Tool, req.Parameters)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{Tool: req.Tool, Output: out, DurationMS: time.Since(start).Milliseconds()})
}

type batchRequest struct {
	Calls []tools.Request `json:"calls"`
}

func (h *Handler) executeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Calls) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "calls is empty"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": h.tools.ExecuteBatch(r.Context(), req.Calls)})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run history not configured"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sid := sessionID(r)
	if r.URL.Query().Get("all") == "true" {
		sid = ""
	}
	runs, err := h.runs.ListRuns(r.Context(), sid, limit)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*store.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.sessions.Peek(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	h.sessions.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindToolExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
