package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/nidhogg/crewnexus/internal/agent"
	"go.uber.org/zap"
)

// errCancelled is the cause attached to an execution context by Cancel.
var errCancelled = errors.New("execution cancelled")

// executeTask runs one task against one agent. Failures are reported in the
// result; deciding whether the workflow goes on is up to the runner.
func (e *Engine) executeTask(ctx context.Context, spec TaskSpec, agents []*agent.Agent, inputs map[string]any, outputs map[string]string) (res TaskResult) {
	res = TaskResult{TaskName: spec.Name, StartedAt: e.now()}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("agent invoker panicked",
				zap.String("task", spec.Name), zap.Any("panic", r))
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("agent invoker panic: %v", r)
			res.Result = ""
			res.FinishedAt = e.now()
			res.ExecutionTime = res.FinishedAt.Sub(res.StartedAt)
		}
	}()

	a := selectAgent(agents, spec.AgentID)
	if a == nil {
		res.Status = StatusFailed
		res.Error = agent.ErrNoAgentForTask.Error()
		res.FinishedAt = res.StartedAt
		return res
	}
	res.Agent = a.Role

	timeout := spec.Config.Timeout()
	if timeout <= 0 {
		timeout = e.opts.TaskTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout,
			fmt.Errorf("task %q timed out after %s", spec.Name, timeout))
		defer cancel()
	}

	req := agent.Request{
		TaskName:       spec.Name,
		Description:    spec.Description,
		ExpectedOutput: spec.ExpectedOutput,
		Context:        maps.Clone(inputs),
		MaxTokens:      spec.Config.MaxTokens,
		Temperature:    spec.Config.Temperature,
	}
	for _, ref := range spec.Context {
		if out, ok := outputs[ref]; ok {
			req.Prior = append(req.Prior, agent.PriorOutput{TaskName: ref, Output: out})
		}
	}

	out, err := e.invoker.Run(ctx, a, req)
	res.FinishedAt = e.now()
	res.ExecutionTime = res.FinishedAt.Sub(res.StartedAt)
	if err != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, errCancelled):
			res.Status = StatusCancelled
			res.Error = cause.Error()
		case ctx.Err() != nil && cause != nil:
			res.Status = StatusFailed
			res.Error = cause.Error()
		default:
			res.Status = StatusFailed
			res.Error = err.Error()
		}
		e.logger.Warn("task failed",
			zap.String("task", spec.Name),
			zap.String("agent", a.Role),
			zap.String("error", res.Error))
		return res
	}

	res.Status = StatusCompleted
	res.Result = out.Text
	res.TokensUsed = out.TokensUsed
	if out.Elapsed > 0 {
		res.ExecutionTime = out.Elapsed
	}
	return res
}

// selectAgent picks the agent whose role, name or id matches ref, else the
// first agent.
func selectAgent(agents []*agent.Agent, ref string) *agent.Agent {
	if len(agents) == 0 {
		return nil
	}
	if ref != "" {
		for _, a := range agents {
			if a.Role == ref || a.Name == ref || a.ID == ref {
				return a
			}
		}
	}
	return agents[0]
}
