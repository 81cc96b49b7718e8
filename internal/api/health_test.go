package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/crewnexus/internal/monitor"
	"github.com/nidhogg/crewnexus/internal/orchestrator"
	"github.com/nidhogg/crewnexus/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	id        string
	reply     string
	chatErr   error
	healthErr error

	mu      sync.Mutex
	lastMsg string
	maxTok  int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }

func (s *stubProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.mu.Lock()
	s.lastMsg, s.maxTok = req.Messages[0].Content, req.MaxTokens
	s.mu.Unlock()
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	return &provider.ChatResponse{Content: s.reply, Usage: provider.Usage{TotalTokens: 12}}, nil
}

func (s *stubProvider) HealthCheck(context.Context) error { return s.healthErr }

func (s *stubProvider) last() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMsg, s.maxTok
}

func stubRouter(providers ...*stubProvider) *provider.Router {
	r := provider.NewRouter(zap.NewNop())
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func TestHealthReportsEveryService(t *testing.T) {
	router := stubRouter(
		&stubProvider{id: "cerebras"},
		&stubProvider{id: "claude", healthErr: errors.New("401 unauthorized")},
	)
	env := newTestEnv(t, false, orchestrator.Options{Workers: 2}, func(h *Handler) {
		h.SetProviders(router)
		h.AddHealthCheck("redis", func(context.Context) error { return nil })
		h.AddHealthCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	})

	resp := getJSON(t, env.server, "/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body healthResponse
	decodeJSON(t, resp, &body)

	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, 2, body.Workers)
	assert.Equal(t, map[string]string{
		"engine":   "operational",
		"redis":    "connected",
		"postgres": "disconnected",
	}, body.Services)
	assert.Equal(t, map[string]string{
		"cerebras": "connected",
		"claude":   "disconnected",
	}, body.Providers)
}

func TestHealthyWithoutDependencies(t *testing.T) {
	env := newTestEnv(t, false, orchestrator.Options{})

	resp := getJSON(t, env.server, "/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body healthResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "crewnexus", body.Service)
	assert.Empty(t, body.Providers)
}

func TestProviderConnectionTest(t *testing.T) {
	good := &stubProvider{id: "cerebras", reply: "hi there"}
	bad := &stubProvider{id: "claude", chatErr: errors.New("quota exceeded")}
	env := newTestEnv(t, false, orchestrator.Options{}, func(h *Handler) {
		h.SetProviders(stubRouter(good, bad))
	})

	resp := postJSON(t, env.server, "/api/providers/test", map[string]any{"message": "ping"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ok providerTestResponse
	decodeJSON(t, resp, &ok)
	assert.True(t, ok.Success)
	assert.Equal(t, "cerebras", ok.Provider)
	assert.Equal(t, provider.DefaultModel, ok.Model)
	assert.Equal(t, "hi there", ok.Response)
	assert.Equal(t, 12, ok.TokensUsed)
	msg, maxTokens := good.last()
	assert.Equal(t, "ping", msg)
	assert.Equal(t, 100, maxTokens)

	resp, err := http.Post(env.server.URL+"/api/providers/test", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "an empty body uses the defaults")
	resp.Body.Close()
	msg, _ = good.last()
	assert.Equal(t, "Hello, CrewNexus!", msg)

	resp = postJSON(t, env.server, "/api/providers/test", map[string]any{"provider": "claude", "model": "claude-haiku"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var failed providerTestResponse
	decodeJSON(t, resp, &failed)
	assert.False(t, failed.Success)
	assert.Equal(t, "claude", failed.Provider)
	assert.Contains(t, failed.Error, "quota exceeded")

	resp = postJSON(t, env.server, "/api/providers/test", map[string]any{"provider": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestProviderConnectionTestWithoutProviders(t *testing.T) {
	env := newTestEnv(t, false, orchestrator.Options{})

	resp := postJSON(t, env.server, "/api/providers/test", map[string]any{})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestPerformanceAndUsage(t *testing.T) {
	env := newTestEnv(t, false, orchestrator.Options{})

	done := submit(t, env.server, "wf-perf", "a", "b")
	waitStatus(t, env.engine, done.ExecutionID, orchestrator.StatusCompleted)

	var perf monitor.Performance
	require.Eventually(t, func() bool {
		resp := getJSON(t, env.server, "/api/monitoring/performance")
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		decodeJSON(t, resp, &perf)
		return perf.Summary.TotalExecutions == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, perf.Workflows, 1)
	assert.Equal(t, "wf-perf", perf.Workflows[0].ID)
	assert.EqualValues(t, 10, perf.Workflows[0].TotalTokensUsed)
	require.Len(t, perf.Agents, 1)
	assert.Equal(t, "researcher", perf.Agents[0].ID)
	assert.EqualValues(t, 2, perf.Agents[0].SuccessfulExecutions)

	resp := getJSON(t, env.server, "/api/monitoring/usage")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage monitor.Summary
	decodeJSON(t, resp, &usage)
	assert.EqualValues(t, 1, usage.SuccessfulExecutions)
	assert.InDelta(t, 100.0, usage.SuccessRate, 1e-9)
	assert.Equal(t, 1, usage.ActiveWorkflows)
	assert.Equal(t, 1, usage.ActiveAgents)
}

func TestPerformanceWithoutMetrics(t *testing.T) {
	env := newTestEnv(t, false, orchestrator.Options{}, func(h *Handler) { h.SetMetrics(nil) })

	resp := getJSON(t, env.server, "/api/monitoring/usage")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestSystemHealthScoresHostSample(t *testing.T) {
	env := newTestEnv(t, true, orchestrator.Options{Workers: 1}, func(h *Handler) {
		h.sampler = func(context.Context) (monitor.SystemStats, error) {
			return monitor.SystemStats{CPUUsage: 95, MemoryUsage: 40, DiskUsage: 95}, errors.New("no swap info")
		}
	})
	defer env.releaseAll()

	running := submit(t, env.server, "wf-busy", "a")
	waitStatus(t, env.engine, running.ExecutionID, orchestrator.StatusRunning)
	submit(t, env.server, "wf-queued", "a")

	resp := getJSON(t, env.server, "/api/monitoring/system")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sys monitor.SystemStats
	decodeJSON(t, resp, &sys)
	assert.Equal(t, 95.0, sys.CPUUsage)
	assert.Equal(t, 2, sys.ActiveWorkflows)
	assert.Equal(t, 1, sys.QueueDepth)

	resp = getJSON(t, env.server, "/api/monitoring/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health monitor.Health
	decodeJSON(t, resp, &health)
	assert.Equal(t, 50, health.Score)
	assert.Equal(t, "warning", health.Status)
	assert.ElementsMatch(t, []string{"High CPU usage", "High disk usage"}, health.Issues)
}
