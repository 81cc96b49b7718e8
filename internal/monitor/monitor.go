// Package monitor records workflow events and metrics and serves them back
// to live observers.
package monitor

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/nidhogg/crewnexus/internal/event"
)

// MetricsTTL is how long metrics hashes survive without updates.
const MetricsTTL = 24 * time.Hour

// Feed serves recorded events to observers.
type Feed interface {
	// Subscribe streams events of workflowID until ctx is done.
	Subscribe(ctx context.Context, workflowID string) (<-chan *event.Event, error)
	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, workflowID string, limit int) ([]*event.Event, error)
}

// Metrics reads back aggregated metrics.
type Metrics interface {
	WorkflowMetrics(ctx context.Context, workflowID string) (map[string]string, error)
	AgentMetrics(ctx context.Context, agentID string) (*RunStats, error)
	// Performance aggregates every agent and workflow with recorded runs.
	Performance(ctx context.Context) (*Performance, error)
}

// RunStats aggregates the finished runs of one scope.
type RunStats struct {
	ID                        string        `json:"id"`
	TotalExecutions           int64         `json:"total_executions"`
	SuccessfulExecutions      int64         `json:"successful_executions"`
	FailedExecutions          int64         `json:"failed_executions"`
	CancelledExecutions       int64         `json:"cancelled_executions"`
	TotalExecutionTime        time.Duration `json:"total_execution_time"`
	TotalTokensUsed           int64         `json:"total_tokens_used"`
	AverageExecutionTime      time.Duration `json:"average_execution_time"`
	AverageTokensPerExecution float64       `json:"average_tokens_per_execution"`
	LastExecution             *time.Time    `json:"last_execution,omitempty"`
}

func (s *RunStats) add(run event.Run) {
	s.TotalExecutions++
	switch run.Outcome {
	case event.OutcomeSucceeded:
		s.SuccessfulExecutions++
	case event.OutcomeCancelled:
		s.CancelledExecutions++
	default:
		s.FailedExecutions++
	}
	s.TotalExecutionTime += run.Elapsed
	s.TotalTokensUsed += int64(run.TokensUsed)
	at := run.At
	s.LastExecution = &at
	s.derive()
}

func (s *RunStats) derive() {
	if s.TotalExecutions == 0 {
		s.AverageExecutionTime = 0
		s.AverageTokensPerExecution = 0
		return
	}
	s.AverageExecutionTime = s.TotalExecutionTime / time.Duration(s.TotalExecutions)
	s.AverageTokensPerExecution = float64(s.TotalTokensUsed) / float64(s.TotalExecutions)
}

func (s *RunStats) clone() RunStats {
	c := *s
	if s.LastExecution != nil {
		at := *s.LastExecution
		c.LastExecution = &at
	}
	return c
}

// Summary totals workflow executions across all workflows.
type Summary struct {
	TotalExecutions      int64         `json:"total_executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	FailedExecutions     int64         `json:"failed_executions"`
	CancelledExecutions  int64         `json:"cancelled_executions"`
	TotalTokensUsed      int64         `json:"total_tokens_used"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	// SuccessRate is a percentage in [0, 100].
	SuccessRate     float64 `json:"success_rate"`
	ActiveAgents    int     `json:"active_agents"`
	ActiveWorkflows int     `json:"active_workflows"`
}

// Performance is the aggregate view over every recorded agent and workflow.
type Performance struct {
	Agents    []RunStats `json:"agents"`
	Workflows []RunStats `json:"workflows"`
	Summary   Summary    `json:"summary"`
}

// NewPerformance sorts agents and workflows by id and summarises the
// workflows.
func NewPerformance(agents, workflows []RunStats) *Performance {
	byID := func(a, b RunStats) int { return cmp.Compare(a.ID, b.ID) }
	slices.SortFunc(agents, byID)
	slices.SortFunc(workflows, byID)
	if agents == nil {
		agents = []RunStats{}
	}
	if workflows == nil {
		workflows = []RunStats{}
	}

	sum := Summary{ActiveAgents: len(agents), ActiveWorkflows: len(workflows)}
	var elapsed time.Duration
	for _, w := range workflows {
		sum.TotalExecutions += w.TotalExecutions
		sum.SuccessfulExecutions += w.SuccessfulExecutions
		sum.FailedExecutions += w.FailedExecutions
		sum.CancelledExecutions += w.CancelledExecutions
		sum.TotalTokensUsed += w.TotalTokensUsed
		elapsed += w.TotalExecutionTime
	}
	if sum.TotalExecutions > 0 {
		sum.AverageExecutionTime = elapsed / time.Duration(sum.TotalExecutions)
		sum.SuccessRate = float64(sum.SuccessfulExecutions) / float64(sum.TotalExecutions) * 100
	}
	return &Performance{Agents: agents, Workflows: workflows, Summary: sum}
}

func metricsKey(scope event.Scope) string {
	return fmt.Sprintf("%s_metrics:%s", scope.Kind, scope.ID)
}

func flatten(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case time.Time:
			out[k] = t.UTC().Format(time.RFC3339)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
