package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/crewnexus/internal/event"
	"go.uber.org/zap"
)

// DefaultHistory is the number of events a Hub keeps per workflow.
const DefaultHistory = 256

// Hub is an in-process sink and feed. It fans events out to subscribers and
// keeps a bounded ring of recent events per workflow. Entries not touched
// for a while are dropped by Sweep.
type Hub struct {
	mu      sync.RWMutex
	history int
	recent  map[string][]*event.Event
	subs    map[string]map[chan *event.Event]struct{}
	metrics map[event.Scope]map[string]string
	runs    map[event.Scope]*RunStats
	touched map[event.Scope]time.Time
	now     func() time.Time
	logger  *zap.Logger
}

// NewHub creates a hub keeping history events per workflow.
func NewHub(history int, logger *zap.Logger) *Hub {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Hub{
		history: history,
		recent:  make(map[string][]*event.Event),
		subs:    make(map[string]map[chan *event.Event]struct{}),
		metrics: make(map[event.Scope]map[string]string),
		runs:    make(map[event.Scope]*RunStats),
		touched: make(map[event.Scope]time.Time),
		now:     time.Now,
		logger:  logger,
	}
}

// touch must be called with mu held.
func (h *Hub) touch(scope event.Scope) {
	h.touched[scope] = h.now()
}

// Publish records ev and hands it to current subscribers. A subscriber that
// is not keeping up misses the event.
func (h *Hub) Publish(_ context.Context, ev *event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := append(h.recent[ev.WorkflowID], ev)
	if len(ring) > h.history {
		ring = ring[len(ring)-h.history:]
	}
	h.recent[ev.WorkflowID] = ring
	h.touch(event.WorkflowScope(ev.WorkflowID))

	for ch := range h.subs[ev.WorkflowID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("subscriber too slow, dropping event",
				zap.String("workflow", ev.WorkflowID),
				zap.String("type", string(ev.Type)))
		}
	}
	return nil
}

// RecordMetrics merges metrics into the scope's entry.
func (h *Hub) RecordMetrics(_ context.Context, scope event.Scope, metrics map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.metrics[scope]
	if m == nil {
		m = make(map[string]string, len(metrics))
		h.metrics[scope] = m
	}
	for k, v := range flatten(metrics) {
		m[k] = v
	}
	h.touch(scope)
	return nil
}

func (h *Hub) RecordRun(_ context.Context, run event.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.runs[run.Scope]
	if st == nil {
		st = &RunStats{ID: run.Scope.ID}
		h.runs[run.Scope] = st
	}
	st.add(run)
	h.touch(run.Scope)
	return nil
}

// Sweep forgets every workflow and agent last touched before cutoff and
// reports how many scopes it dropped. Live subscriptions are kept.
func (h *Hub) Sweep(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for scope, at := range h.touched {
		if !at.Before(cutoff) {
			continue
		}
		if scope.Kind == event.ScopeWorkflow {
			delete(h.recent, scope.ID)
		}
		delete(h.metrics, scope)
		delete(h.runs, scope)
		delete(h.touched, scope)
		n++
	}
	return n
}

// Run sweeps entries idle for longer than ttl every interval until ctx is
// done.
func (h *Hub) Run(ctx context.Context, interval, ttl time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := h.Sweep(h.now().Add(-ttl)); n > 0 {
				h.logger.Debug("swept idle monitoring entries", zap.Int("count", n))
			}
		}
	}
}

// Subscribe registers a buffered subscriber that is removed and closed when
// ctx is done.
func (h *Hub) Subscribe(ctx context.Context, workflowID string) (<-chan *event.Event, error) {
	ch := make(chan *event.Event, 64)
	h.mu.Lock()
	if h.subs[workflowID] == nil {
		h.subs[workflowID] = make(map[chan *event.Event]struct{})
	}
	h.subs[workflowID][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[workflowID], ch)
		if len(h.subs[workflowID]) == 0 {
			delete(h.subs, workflowID)
		}
		close(ch)
	}()
	return ch, nil
}

// Recent returns up to limit events, newest first.
func (h *Hub) Recent(_ context.Context, workflowID string, limit int) ([]*event.Event, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ring := h.recent[workflowID]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]*event.Event, 0, limit)
	for i := len(ring) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, ring[i])
	}
	return out, nil
}

func (h *Hub) WorkflowMetrics(_ context.Context, workflowID string) (map[string]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range h.metrics[event.WorkflowScope(workflowID)] {
		out[k] = v
	}
	return out, nil
}

func (h *Hub) AgentMetrics(_ context.Context, agentID string) (*RunStats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.runs[event.AgentScope(agentID)]
	if !ok {
		return &RunStats{ID: agentID}, nil
	}
	c := st.clone()
	return &c, nil
}

func (h *Hub) Performance(_ context.Context) (*Performance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var agents, workflows []RunStats
	for scope, st := range h.runs {
		switch scope.Kind {
		case event.ScopeAgent:
			agents = append(agents, st.clone())
		case event.ScopeWorkflow:
			workflows = append(workflows, st.clone())
		}
	}
	return NewPerformance(agents, workflows), nil
}

// Subscribers reports how many subscribers workflowID has.
func (h *Hub) Subscribers(workflowID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[workflowID])
}

// Tracked reports how many workflows and agents the hub holds data for.
func (h *Hub) Tracked() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.touched)
}
