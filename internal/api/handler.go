package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/crewnexus/internal/monitor"
	"github.com/nidhogg/crewnexus/internal/orchestrator"
	"github.com/nidhogg/crewnexus/internal/provider"
	"go.uber.org/zap"
)

// ExecutionLoader looks up executions that are no longer tracked in memory.
type ExecutionLoader interface {
	GetExecution(ctx context.Context, executionID string) (*orchestrator.ExecutionRecord, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine  *orchestrator.Engine
	catalog *provider.Catalog
	feed    monitor.Feed
	metrics monitor.Metrics
	archive ExecutionLoader
	origins []string

	providers *provider.Router
	checks    []namedCheck
	sampler   func(ctx context.Context) (monitor.SystemStats, error)

	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(engine *orchestrator.Engine, catalog *provider.Catalog, feed monitor.Feed, logger *zap.Logger) *Handler {
	return &Handler{
		engine:  engine,
		catalog: catalog,
		feed:    feed,
		origins: []string{"*"},
		sampler: func(ctx context.Context) (monitor.SystemStats, error) {
			return monitor.SampleHost(ctx, "/")
		},
		logger: logger,
	}
}

// SetMetrics enables the metrics routes.
func (h *Handler) SetMetrics(m monitor.Metrics) { h.metrics = m }

// SetArchive lets execution lookups fall back to persisted records.
func (h *Handler) SetArchive(a ExecutionLoader) { h.archive = a }

// SetProviders enables provider health reporting and the provider test
// route.
func (h *Handler) SetProviders(r *provider.Router) { h.providers = r }

// AddHealthCheck reports name as connected or disconnected in /api/health.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// SetAllowedOrigins restricts CORS origins.
func (h *Handler) SetAllowedOrigins(origins []string) {
	if len(origins) > 0 {
		h.origins = origins
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/models", h.listModels)
		r.Get("/engine/stats", h.engineStats)
		r.Post("/providers/test", h.testProvider)

		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/performance", h.performance)
			r.Get("/usage", h.usage)
			r.Get("/system", h.systemMetrics)
			r.Get("/health", h.systemHealth)
		})

		r.Route("/workflows/{workflowID}", func(r chi.Router) {
			r.Post("/execute", h.executeWorkflow)
			r.Get("/status", h.workflowStatus)
			r.Get("/history", h.workflowHistory)
			r.Get("/events", h.workflowEvents)
			r.Get("/metrics", h.workflowMetrics)
		})

		r.Get("/executions/{executionID}", h.getExecution)
		r.Post("/executions/{executionID}/cancel", h.cancelExecution)

		r.Get("/agents/{agentID}/metrics", h.agentMetrics)
	})

	r.Get("/ws/monitoring/{workflowID}", h.monitorWorkflow)

	return r
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.catalog.List()})
}

func (h *Handler) engineStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

// executeRequest is a submission without the workflow id, which comes from
// the path.
type executeRequest struct {
	Crew    orchestrator.CrewDescriptor   `json:"crew"`
	Tasks   []orchestrator.TaskSpec       `json:"tasks"`
	Inputs  map[string]any                `json:"inputs,omitempty"`
	Options orchestrator.ExecutionOptions `json:"options,omitempty"`
}

type executeResponse struct {
	ExecutionID string              `json:"execution_id"`
	WorkflowID  string              `json:"workflow_id"`
	Status      orchestrator.Status `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := h.engine.Submit(r.Context(), orchestrator.Submission{
		WorkflowID: workflowID,
		Crew:       req.Crew,
		Tasks:      req.Tasks,
		Inputs:     req.Inputs,
		Options:    req.Options,
	})
	if err != nil {
		h.logger.Warn("submission rejected",
			zap.String("workflow", workflowID), zap.Error(err))
		writeError(w, submitStatus(err), err.Error())
		return
	}

	resp := executeResponse{
		ExecutionID: id,
		WorkflowID:  workflowID,
		Status:      orchestrator.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if rec, err := h.engine.Execution(id); err == nil {
		resp.Status = rec.Status
		resp.CreatedAt = rec.CreatedAt
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidSubmission):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrEngineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) workflowStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Status(chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow status not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) workflowHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	entries, err := h.engine.History(r.Context(), chi.URLParam(r, "workflowID"), limit)
	if err != nil {
		h.logger.Error("history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": entries})
}

func (h *Handler) workflowEvents(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed not configured")
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	if limit == 0 {
		limit = 50
	}
	events, err := h.feed.Recent(r.Context(), chi.URLParam(r, "workflowID"), limit)
	if err != nil {
		h.logger.Error("recent events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "events unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) workflowMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not configured")
		return
	}
	m, err := h.metrics.WorkflowMetrics(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		h.logger.Error("workflow metrics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	if len(m) == 0 {
		writeError(w, http.StatusNotFound, "no metrics for workflow")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) agentMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not configured")
		return
	}
	stats, err := h.metrics.AgentMetrics(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		h.logger.Error("agent metrics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	if stats == nil {
		writeError(w, http.StatusNotFound, "no metrics for agent")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	rec, err := h.engine.Execution(id)
	if err == nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if h.archive != nil {
		rec, err = h.archive.GetExecution(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		if !errors.Is(err, orchestrator.ErrNotFound) {
			h.logger.Error("archive lookup failed", zap.String("execution", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "execution lookup failed")
			return
		}
	}
	writeError(w, http.StatusNotFound, "execution not found")
}

func (h *Handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	if h.engine.Cancel(id) {
		writeJSON(w, http.StatusOK, map[string]any{"execution_id": id, "cancelled": true})
		return
	}
	rec, err := h.engine.Execution(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusConflict, map[string]any{
		"execution_id": id,
		"cancelled":    false,
		"status":       rec.Status,
		"error":        "execution already finished",
	})
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
