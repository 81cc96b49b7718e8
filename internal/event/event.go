package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names a workflow lifecycle notification.
type Type string

const (
	WorkflowSubmitted Type = "workflow_submitted"
	WorkflowStarted   Type = "workflow_started"
	// TaskStarted carries step (1-based), total_steps and progress, the
	// fraction of tasks already completed when the task starts. The first
	// task of an execution therefore reports progress 0.
	TaskStarted       Type = "task_started"
	TaskCompleted     Type = "task_completed"
	WorkflowCompleted Type = "workflow_completed"
	WorkflowFailed    Type = "workflow_failed"
	WorkflowCancelled Type = "workflow_cancelled"
)

// Terminal reports whether no further events follow for the execution.
func (t Type) Terminal() bool {
	switch t {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// Event is a timestamped notification about execution progress.
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"event_type"`
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	TaskName    string         `json:"task_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// New stamps a fresh event for the given workflow execution.
func New(t Type, workflowID, executionID string, data map[string]any) *Event {
	if data == nil {
		data = make(map[string]any)
	}
	data["execution_id"] = executionID
	return &Event{
		ID:          uuid.New().String(),
		Type:        t,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
}

// ScopeKind selects which metrics family a record belongs to.
type ScopeKind string

const (
	ScopeWorkflow ScopeKind = "workflow"
	ScopeAgent    ScopeKind = "agent"
)

// Scope keys an idempotent metrics upsert.
type Scope struct {
	Kind ScopeKind
	ID   string
}

func WorkflowScope(id string) Scope { return Scope{Kind: ScopeWorkflow, ID: id} }
func AgentScope(id string) Scope    { return Scope{Kind: ScopeAgent, ID: id} }

// Outcome classifies a finished run for the success counters.
type Outcome string

const (
	OutcomeSucceeded Outcome = "successful"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Run is one finished attempt within a scope: a task attempt by an agent or
// a whole workflow execution. Sinks fold runs into running totals.
type Run struct {
	Scope      Scope
	Elapsed    time.Duration
	TokensUsed int
	Outcome    Outcome
	At         time.Time
}

// Sink records events and metrics for external observers. Implementations
// synchronise themselves; publishers never read back through a Sink.
type Sink interface {
	Publish(ctx context.Context, ev *Event) error
	RecordMetrics(ctx context.Context, scope Scope, metrics map[string]any) error
	RecordRun(ctx context.Context, run Run) error
}
