package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/crewnexus/internal/agent"
	"github.com/nidhogg/crewnexus/internal/event"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeInvoker struct {
	materialize func(ctx context.Context, ds []agent.Descriptor) ([]*agent.Agent, error)
	run         func(ctx context.Context, a *agent.Agent, req agent.Request) (*agent.Output, error)
}

func (f *fakeInvoker) Materialize(ctx context.Context, ds []agent.Descriptor) ([]*agent.Agent, error) {
	if f.materialize != nil {
		return f.materialize(ctx, ds)
	}
	if len(ds) == 0 {
		return nil, agent.ErrNoAgents
	}
	agents := make([]*agent.Agent, len(ds))
	for i, d := range ds {
		agents[i] = &agent.Agent{ID: fmt.Sprintf("agent-%d", i), Descriptor: d}
	}
	return agents, nil
}

func (f *fakeInvoker) Run(ctx context.Context, a *agent.Agent, req agent.Request) (*agent.Output, error) {
	if f.run != nil {
		return f.run(ctx, a, req)
	}
	return &agent.Output{Text: "done " + req.TaskName, TokensUsed: 10, Elapsed: time.Millisecond}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	events  []*event.Event
	metrics map[event.Scope]map[string]any
	runs    []event.Run
}

func newRecordingSink() *recordingSink {
	return &recordingSink{metrics: make(map[event.Scope]map[string]any)}
}

func (s *recordingSink) Publish(_ context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) RecordMetrics(_ context.Context, scope event.Scope, m map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[scope] = m
	return nil
}

func (s *recordingSink) RecordRun(_ context.Context, run event.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *recordingSink) eventsFor(executionID string) []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.Event
	for _, ev := range s.events {
		if ev.ExecutionID == executionID {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) typesFor(executionID string) []event.Type {
	var out []event.Type
	for _, ev := range s.eventsFor(executionID) {
		out = append(out, ev.Type)
	}
	return out
}

func (s *recordingSink) runsIn(scope event.Scope) []event.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Run
	for _, r := range s.runs {
		if r.Scope == scope {
			out = append(out, r)
		}
	}
	return out
}

func (s *recordingSink) workflowMetrics(workflowID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[event.WorkflowScope(workflowID)]
	return m, ok
}

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func crew(roles ...string) CrewDescriptor {
	c := CrewDescriptor{Name: "test crew", Process: ProcessSequential}
	for _, r := range roles {
		c.Agents = append(c.Agents, agent.Descriptor{
			Name: r, Role: r, Goal: "goal of " + r, Backstory: "backstory of " + r,
		})
	}
	return c
}

func tasks(names ...string) []TaskSpec {
	out := make([]TaskSpec, len(names))
	for i, n := range names {
		out[i] = TaskSpec{Name: n, Description: "do " + n}
	}
	return out
}

func submission(workflowID string, names ...string) Submission {
	return Submission{WorkflowID: workflowID, Crew: crew("writer"), Tasks: tasks(names...)}
}

func newTestEngine(t *testing.T, inv agent.Invoker, opts Options) (*Engine, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	e := NewEngine(inv, sink, opts, zap.NewNop())
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, sink
}

type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func waitTerminal(t fataler, e *Engine, executionID string) *ExecutionRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := e.Execution(executionID)
		if err != nil {
			t.Fatalf("execution %s: %v", executionID, err)
			return nil
		}
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("execution %s did not finish", executionID)
	return nil
}

func mustSubmit(t *testing.T, e *Engine, sub Submission) string {
	t.Helper()
	id, err := e.Submit(context.Background(), sub)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func waitForEvent(t *testing.T, sink *recordingSink, executionID string, typ event.Type) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, got := range sink.typesFor(executionID) {
			if got == typ {
				return true
			}
		}
		return false
	}, 2*time.Second, 2*time.Millisecond, "no %s event for %s", typ, executionID)
}
