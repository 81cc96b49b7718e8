// Package orchestrator runs crew workflows: it queues submissions, drives
// each execution's tasks through an agent invoker on a bounded worker pool
// and reports progress to event sinks.
package orchestrator

import (
	"errors"
	"time"

	"github.com/nidhogg/crewnexus/internal/agent"
)

var (
	ErrEngineClosed      = errors.New("engine closed")
	ErrQueueFull         = errors.New("execution queue full")
	ErrNotFound          = errors.New("execution not found")
	ErrInvalidSubmission = errors.New("invalid submission")
)

// Status tracks an execution or task through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ProcessType is the crew's declared coordination style. Tasks always run
// in list order whatever the declared type.
type ProcessType string

const (
	ProcessSequential   ProcessType = "sequential"
	ProcessHierarchical ProcessType = "hierarchical"
	ProcessParallel     ProcessType = "parallel"
)

// AdmissionPolicy decides what Submit does when a bounded queue is full.
type AdmissionPolicy string

const (
	AdmitReject     AdmissionPolicy = "reject"
	AdmitBlock      AdmissionPolicy = "block"
	AdmitDropOldest AdmissionPolicy = "drop_oldest"
)

// CrewConfig holds the recognised crew options.
type CrewConfig struct {
	Memory bool           `json:"memory,omitempty" yaml:"memory,omitempty"`
	Cache  bool           `json:"cache,omitempty" yaml:"cache,omitempty"`
	MaxRPM int            `json:"max_rpm,omitempty" yaml:"max_rpm,omitempty"`
	Extra  map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// CrewDescriptor names the agents a workflow runs with.
type CrewDescriptor struct {
	Name    string             `json:"name" yaml:"name"`
	Process ProcessType        `json:"process_type,omitempty" yaml:"process_type,omitempty"`
	Agents  []agent.Descriptor `json:"agents" yaml:"agents"`
	Config  CrewConfig         `json:"config,omitempty" yaml:"config,omitempty"`
}

// TaskConfig holds the recognised task options.
type TaskConfig struct {
	TimeoutSeconds int            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Extra          map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Timeout is the per-task deadline, zero when unset.
func (c TaskConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TaskSpec is one step of a workflow.
type TaskSpec struct {
	Name           string     `json:"name" yaml:"name"`
	Description    string     `json:"description" yaml:"description"`
	ExpectedOutput string     `json:"expected_output,omitempty" yaml:"expected_output,omitempty"`
	AgentID        string     `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Context        []string   `json:"context,omitempty" yaml:"context,omitempty"`
	Config         TaskConfig `json:"config,omitempty" yaml:"config,omitempty"`
}

// ExecutionOptions tune a single submission.
type ExecutionOptions struct {
	TimeoutSeconds int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Submission is the immutable input of one execution.
type Submission struct {
	WorkflowID string           `json:"workflow_id" yaml:"workflow_id"`
	Crew       CrewDescriptor   `json:"crew" yaml:"crew"`
	Tasks      []TaskSpec       `json:"tasks" yaml:"tasks"`
	Inputs     map[string]any   `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Options    ExecutionOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// TaskResult is the outcome of one task. Never modified after it is
// appended to an execution.
type TaskResult struct {
	TaskName      string        `json:"task_name"`
	Status        Status        `json:"status"`
	Result        string        `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	Agent         string        `json:"agent,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	TokensUsed    int           `json:"tokens_used"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// ExecutionRecord is a point-in-time copy of an execution's state.
type ExecutionRecord struct {
	ExecutionID   string        `json:"execution_id"`
	WorkflowID    string        `json:"workflow_id"`
	CrewName      string        `json:"crew_name"`
	Status        Status        `json:"status"`
	Progress      float64       `json:"progress"`
	CurrentTask   string        `json:"current_task,omitempty"`
	CurrentAgent  string        `json:"current_agent,omitempty"`
	TokensUsed    int           `json:"tokens_used"`
	ExecutionTime time.Duration `json:"execution_time"`
	TotalTasks    int           `json:"total_tasks"`
	Results       []TaskResult  `json:"results"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	CancelledAt   *time.Time    `json:"cancelled_at,omitempty"`
}

// FinishedAt is when the execution became terminal, nil while it is not.
func (r *ExecutionRecord) FinishedAt() *time.Time {
	if r.CompletedAt != nil {
		return r.CompletedAt
	}
	return r.CancelledAt
}

// HistoryEntry summarises one past or current execution.
type HistoryEntry struct {
	ExecutionID   string        `json:"execution_id"`
	WorkflowID    string        `json:"workflow_id"`
	Status        Status        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	TokensUsed    int           `json:"tokens_used"`
	TasksDone     int           `json:"tasks_done"`
	TotalTasks    int           `json:"total_tasks"`
	Error         string        `json:"error,omitempty"`
}

// Entry summarises the record for history listings.
func (r *ExecutionRecord) Entry() HistoryEntry {
	return HistoryEntry{
		ExecutionID:   r.ExecutionID,
		WorkflowID:    r.WorkflowID,
		Status:        r.Status,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.FinishedAt(),
		ExecutionTime: r.ExecutionTime,
		TokensUsed:    r.TokensUsed,
		TasksDone:     len(r.Results),
		TotalTasks:    r.TotalTasks,
		Error:         r.Error,
	}
}

// Stats is a snapshot of engine load.
type Stats struct {
	Workers    int `json:"workers"`
	QueueDepth int `json:"queue_depth"`
	Tracked    int `json:"tracked"`
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
