package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/crewnexus/internal/monitor"
	"github.com/nidhogg/crewnexus/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	healthTimeout   = 5 * time.Second
	providerTimeout = 60 * time.Second

	statusConnected    = "connected"
	statusDisconnected = "disconnected"
)

// HealthCheck reports whether one backing service is reachable.
type HealthCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check HealthCheck
}

type healthResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Services   map[string]string `json:"services"`
	Providers  map[string]string `json:"providers"`
	Workers    int               `json:"workers"`
	QueueDepth int               `json:"queue_depth"`
}

// healthCheck checks every registered service and provider concurrently.
// Any disconnected dependency degrades the overall status.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	stats := h.engine.Stats()
	resp := healthResponse{
		Status:     "healthy",
		Service:    "crewnexus",
		Services:   map[string]string{"engine": "operational"},
		Providers:  map[string]string{},
		Workers:    stats.Workers,
		QueueDepth: stats.QueueDepth,
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	runCheck := func(into map[string]string, name string, check HealthCheck) {
		g.Go(func() error {
			status := statusConnected
			if err := check(ctx); err != nil {
				status = statusDisconnected
				h.logger.Warn("health check failed", zap.String("service", name), zap.Error(err))
			}
			mu.Lock()
			into[name] = status
			mu.Unlock()
			return nil
		})
	}
	for _, c := range h.checks {
		runCheck(resp.Services, c.name, c.check)
	}
	if h.providers != nil {
		for _, p := range h.providers.ListProviders() {
			runCheck(resp.Providers, p.ID(), p.HealthCheck)
		}
	}
	g.Wait()

	for _, states := range []map[string]string{resp.Services, resp.Providers} {
		for _, s := range states {
			if s == statusDisconnected {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) performance(w http.ResponseWriter, r *http.Request) {
	perf, ok := h.loadPerformance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

func (h *Handler) usage(w http.ResponseWriter, r *http.Request) {
	perf, ok := h.loadPerformance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, perf.Summary)
}

func (h *Handler) loadPerformance(w http.ResponseWriter, r *http.Request) (*monitor.Performance, bool) {
	if h.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not configured")
		return nil, false
	}
	perf, err := h.metrics.Performance(r.Context())
	if err != nil {
		h.logger.Error("performance metrics failed", zap.Error(err))
		if perf == nil {
			writeError(w, http.StatusInternalServerError, "metrics unavailable")
			return nil, false
		}
	}
	return perf, true
}

// systemStats samples the host and adds the engine's active work. A partial
// sample is still served.
func (h *Handler) systemStats(ctx context.Context) monitor.SystemStats {
	st, err := h.sampler(ctx)
	if err != nil {
		h.logger.Warn("host sample incomplete", zap.Error(err))
	}
	es := h.engine.Stats()
	st.ActiveWorkflows = es.Pending + es.Running
	st.QueueDepth = es.QueueDepth
	return st
}

func (h *Handler) systemMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.systemStats(r.Context()))
}

func (h *Handler) systemHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, monitor.Assess(h.systemStats(r.Context())))
}

type providerTestRequest struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Message  string `json:"message,omitempty"`
}

type providerTestResponse struct {
	Success    bool   `json:"success"`
	Provider   string `json:"provider"`
	Model      string `json:"model,omitempty"`
	Response   string `json:"response,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Error      string `json:"error,omitempty"`
}

// testProvider sends one short prompt through the router to check that a
// provider answers.
func (h *Handler) testProvider(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil || len(h.providers.ListProviders()) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no providers configured")
		return
	}
	var req providerTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Provider != "" && !h.providers.Has(req.Provider) {
		writeError(w, http.StatusNotFound, "unknown provider "+req.Provider)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		req.Message = "Hello, CrewNexus!"
	}
	if req.Model == "" {
		req.Model = provider.DefaultModel
	}
	providerID := req.Provider
	if providerID == "" {
		providerID = h.providers.DefaultID()
	}

	ctx, cancel := context.WithTimeout(r.Context(), providerTimeout)
	defer cancel()
	resp, err := h.providers.Route(ctx, providerID, &provider.ChatRequest{
		Model:     req.Model,
		Messages:  []provider.Message{{Role: "user", Content: req.Message}},
		MaxTokens: 100,
	})
	if err != nil {
		h.logger.Warn("provider test failed", zap.String("provider", providerID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, providerTestResponse{
			Provider: providerID,
			Model:    req.Model,
			Error:    err.Error(),
		})
		return
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	writeJSON(w, http.StatusOK, providerTestResponse{
		Success:    true,
		Provider:   providerID,
		Model:      model,
		Response:   resp.Content,
		TokensUsed: resp.Usage.TotalTokens,
	})
}
