// Package agent turns agent descriptors into runnable agents and invokes
// them against a language-model backend.
package agent

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoAgents means no descriptor of a crew could be materialised.
	ErrNoAgents = errors.New("no agents available")
	// ErrNoAgentForTask means a task could not be bound to any agent.
	ErrNoAgentForTask = errors.New("no agent available for task")
	// ErrInvalidDescriptor wraps descriptor validation failures.
	ErrInvalidDescriptor = errors.New("invalid agent descriptor")
)

// Type is the kind of role an agent plays inside a crew.
type Type string

const (
	TypeWorker     Type = "worker"
	TypeManager    Type = "manager"
	TypeResearcher Type = "researcher"
)

// ToolSpec names a tool an agent may use, with tool-specific options.
type ToolSpec struct {
	Name    string         `json:"name" yaml:"name"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Config holds the recognised per-agent options. Anything else lands in Extra.
type Config struct {
	MaxExecutionTimeSeconds int            `json:"max_execution_time,omitempty" yaml:"max_execution_time,omitempty"`
	Temperature             float64        `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens               int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Extra                   map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// MaxExecutionTime is the per-call deadline, zero when unset.
func (c Config) MaxExecutionTime() time.Duration {
	return time.Duration(c.MaxExecutionTimeSeconds) * time.Second
}

// Descriptor is the template an agent is built from.
type Descriptor struct {
	Name      string     `json:"name" yaml:"name"`
	Role      string     `json:"role" yaml:"role"`
	Goal      string     `json:"goal" yaml:"goal"`
	Backstory string     `json:"backstory" yaml:"backstory"`
	Type      Type       `json:"agent_type,omitempty" yaml:"agent_type,omitempty"`
	Model     string     `json:"model_name,omitempty" yaml:"model_name,omitempty"`
	Provider  string     `json:"provider,omitempty" yaml:"provider,omitempty"`
	Tools     []ToolSpec `json:"tools,omitempty" yaml:"tools,omitempty"`
	Config    Config     `json:"config,omitempty" yaml:"config,omitempty"`
}

// Agent is a materialised descriptor ready to run tasks.
type Agent struct {
	ID string `json:"id"`
	Descriptor
	CreatedAt time.Time `json:"created_at"`
}

// PriorOutput is the output of an earlier task referenced by name.
type PriorOutput struct {
	TaskName string `json:"task_name"`
	Output   string `json:"output"`
}

// Request is one task handed to an agent.
type Request struct {
	TaskName       string
	Description    string
	ExpectedOutput string
	Context        map[string]any
	Prior          []PriorOutput
	MaxTokens      int
	Temperature    float64
}

// Output is what an agent produced for a task.
type Output struct {
	Text       string        `json:"text"`
	TokensUsed int           `json:"tokens_used"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Invoker materialises agents and runs tasks against them. Run may block
// for as long as the backend takes; it must honour ctx cancellation.
type Invoker interface {
	Materialize(ctx context.Context, descriptors []Descriptor) ([]*Agent, error)
	Run(ctx context.Context, a *Agent, req Request) (*Output, error)
}
