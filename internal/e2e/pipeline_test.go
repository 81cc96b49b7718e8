//go:build integration

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/crewnexus/internal/agent"
	"github.com/nidhogg/crewnexus/internal/api"
	"github.com/nidhogg/crewnexus/internal/event"
	"github.com/nidhogg/crewnexus/internal/monitor"
	"github.com/nidhogg/crewnexus/internal/orchestrator"
	"github.com/nidhogg/crewnexus/internal/provider"
	pgstore "github.com/nidhogg/crewnexus/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Package-level shared state, set by TestMain.
var (
	testLogger   *zap.Logger
	testPGStore  *pgstore.Store
	testRedisURL string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger = zap.NewNop()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}

	testPGStore, err = pgstore.New(ctx, pgDSN, testLogger)
	if err != nil {
		pgCleanup()
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	if err := testPGStore.Migrate(ctx, "../../migrations"); err != nil {
		pgCleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		pgCleanup()
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = redisURL

	code := m.Run()
	testPGStore.Close()
	redisCleanup()
	pgCleanup()
	os.Exit(code)
}

// fakeLLM serves OpenAI-style chat completions. Prompts containing "explode"
// get a 400.
func fakeLLM(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		user := req.Messages[len(req.Messages)-1].Content
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(user, "explode") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": {"message": "prompt rejected", "type": "invalid_request_error"}}`))
			return
		}
		first := strings.SplitN(user, "\n", 2)[0]
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-e2e",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "llama3.1-8b",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "answer to: " + first},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

type stack struct {
	server *httptest.Server
	engine *orchestrator.Engine
	redis  *monitor.RedisSink
	calls  *atomic.Int32
}

func newStack(t *testing.T, opts orchestrator.Options) *stack {
	t.Helper()
	ctx := context.Background()
	calls := &atomic.Int32{}
	llm := fakeLLM(t, calls)

	router := provider.NewRouter(testLogger)
	router.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
		ID: "cerebras", Type: "openai", Name: "Cerebras", Endpoint: llm.URL + "/", APIKey: "csk-e2e",
	}, testLogger))
	catalog := provider.DefaultCatalog()
	invoker := agent.NewLLMInvoker(router, catalog, testLogger)

	rs, err := monitor.NewRedisSink(ctx, testRedisURL, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	hub := monitor.NewHub(0, testLogger)
	opts.Archive = testPGStore
	engine := orchestrator.NewEngine(invoker, event.Fanout{hub, rs}, opts, testLogger)
	engine.Start()

	h := api.NewHandler(engine, catalog, rs, testLogger)
	h.SetMetrics(rs)
	h.SetArchive(testPGStore)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		ts.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		engine.Shutdown(sctx)
	})
	return &stack{server: ts, engine: engine, redis: rs, calls: calls}
}

func (s *stack) execute(t *testing.T, workflowID string, tasks ...map[string]any) string {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"crew": map[string]any{
			"name": "e2e crew",
			"agents": []map[string]any{{
				"name": "Ana", "role": "researcher", "goal": "find facts", "backstory": "analyst",
				"model_name": "llama3.1-8b", "provider": "cerebras",
			}},
		},
		"tasks":  tasks,
		"inputs": map[string]any{"topic": "cargo bikes"},
	})
	resp, err := http.Post(s.server.URL+"/api/workflows/"+workflowID+"/execute", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.ExecutionID
}

func (s *stack) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func task(name, description string, refs ...string) map[string]any {
	return map[string]any{"name": name, "description": description, "context": refs}
}

func waitForStatus(t *testing.T, e *orchestrator.Engine, id string) *orchestrator.ExecutionRecord {
	t.Helper()
	var rec *orchestrator.ExecutionRecord
	require.Eventually(t, func() bool {
		r, err := e.Execution(id)
		if err != nil || !r.Status.Terminal() {
			return false
		}
		rec = r
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return rec
}

func TestPipelineCompletes(t *testing.T) {
	s := newStack(t, orchestrator.Options{Workers: 2})
	ctx := context.Background()

	id := s.execute(t, "wf-e2e-ok",
		task("research", "Research the topic"),
		task("brief", "Write the brief", "research"))
	rec := waitForStatus(t, s.engine, id)

	assert.Equal(t, orchestrator.StatusCompleted, rec.Status)
	require.Len(t, rec.Results, 2)
	assert.Equal(t, "answer to: Research the topic", rec.Results[0].Result)
	assert.Equal(t, 30, rec.TokensUsed)
	assert.EqualValues(t, 2, s.calls.Load())

	// Redis: event log, metrics hash, agent aggregates.
	require.Eventually(t, func() bool {
		evs, err := s.redis.Recent(ctx, "wf-e2e-ok", 1)
		return err == nil && len(evs) == 1 && evs[0].Type == event.WorkflowCompleted
	}, 5*time.Second, 20*time.Millisecond)

	var events struct {
		Events []event.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/workflows/wf-e2e-ok/events?limit=20", &events))
	require.Len(t, events.Events, 7)
	assert.Equal(t, event.WorkflowSubmitted, events.Events[6].Type)

	require.Eventually(t, func() bool {
		m, err := s.redis.WorkflowMetrics(ctx, "wf-e2e-ok")
		return err == nil && m["status"] == "completed" && m["execution_id"] == id
	}, 5*time.Second, 20*time.Millisecond)

	var stats monitor.RunStats
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/agents/researcher/metrics", &stats))
	assert.GreaterOrEqual(t, stats.TotalExecutions, int64(2))

	// Postgres archive.
	require.Eventually(t, func() bool {
		got, err := testPGStore.GetExecution(ctx, id)
		return err == nil && got.Status == orchestrator.StatusCompleted && len(got.Results) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPipelineFailFastIsArchived(t *testing.T) {
	s := newStack(t, orchestrator.Options{Workers: 1})
	ctx := context.Background()

	id := s.execute(t, "wf-e2e-fail",
		task("a", "Research the topic"),
		task("b", "Please explode now"),
		task("c", "Never reached"))
	rec := waitForStatus(t, s.engine, id)

	assert.Equal(t, orchestrator.StatusFailed, rec.Status)
	require.Len(t, rec.Results, 2)
	assert.Equal(t, orchestrator.StatusFailed, rec.Results[1].Status)
	assert.Contains(t, rec.Results[1].Error, "prompt rejected")
	assert.EqualValues(t, 2, s.calls.Load())

	require.Eventually(t, func() bool {
		entries, err := testPGStore.ListExecutions(ctx, "wf-e2e-fail", 10)
		return err == nil && len(entries) == 1 && entries[0].Status == orchestrator.StatusFailed && entries[0].TasksDone == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReapedExecutionsServedFromArchive(t *testing.T) {
	s := newStack(t, orchestrator.Options{
		Workers:      1,
		Retention:    50 * time.Millisecond,
		ReapInterval: 20 * time.Millisecond,
	})

	id := s.execute(t, "wf-e2e-reap", task("only", "Research the topic"))
	waitForStatus(t, s.engine, id)

	require.Eventually(t, func() bool {
		_, err := s.engine.Execution(id)
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := testPGStore.GetExecution(context.Background(), id)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	var rec orchestrator.ExecutionRecord
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/executions/"+id, &rec))
	assert.Equal(t, orchestrator.StatusCompleted, rec.Status)
	assert.Equal(t, "wf-e2e-reap", rec.WorkflowID)

	var hist struct {
		Executions []orchestrator.HistoryEntry `json:"executions"`
	}
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/workflows/wf-e2e-reap/history", &hist))
	require.Len(t, hist.Executions, 1)
	assert.Equal(t, id, hist.Executions[0].ExecutionID)

	assert.Equal(t, http.StatusNotFound, s.getJSON(t, "/api/workflows/wf-e2e-reap/status", nil))
}
