package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/nidhogg/crewnexus/internal/agent"
	"github.com/nidhogg/crewnexus/internal/event"
	"go.uber.org/zap"
)

// run drives one execution from PENDING to a terminal state. It never
// panics out to the worker.
func (e *Engine) run(x *execution) {
	ctx, cancel := context.WithCancelCause(e.base)
	defer cancel(nil)

	sub := x.sub
	timeout := time.Duration(sub.Options.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.opts.WorkflowTimeout
	}
	if timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, timeout,
			fmt.Errorf("workflow timed out after %s", timeout))
		defer stop()
	}

	if !x.begin(e.now(), cancel) {
		return
	}
	log := e.logger.With(
		zap.String("execution", x.id()),
		zap.String("workflow", sub.WorkflowID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("workflow runner panicked", zap.Any("panic", r))
			e.failExecution(x, fmt.Sprintf("internal error: %v", r))
		}
		e.finalize(x.snapshot())
	}()

	e.publish(event.New(event.WorkflowStarted, sub.WorkflowID, x.id(), map[string]any{
		"crew_name":   sub.Crew.Name,
		"tasks_count": len(sub.Tasks),
	}))
	log.Info("workflow started", zap.Int("tasks", len(sub.Tasks)))

	if sub.Crew.Process != "" && sub.Crew.Process != ProcessSequential {
		log.Info("process type runs sequentially", zap.String("process_type", string(sub.Crew.Process)))
	}

	agents, err := e.invoker.Materialize(ctx, sub.Crew.Agents)
	if err != nil || len(agents) == 0 {
		msg := agent.ErrNoAgents.Error()
		if err != nil && !errors.Is(err, agent.ErrNoAgents) {
			msg = err.Error()
		}
		log.Warn("cannot materialise crew", zap.String("error", msg))
		e.failExecution(x, msg)
		return
	}

	inputs := maps.Clone(sub.Inputs)
	if inputs == nil {
		inputs = make(map[string]any)
	}
	outputs := make(map[string]string, len(sub.Tasks))

	for i, spec := range sub.Tasks {
		progress, ok := x.startTask(spec.Name)
		if !ok {
			break
		}
		ev := event.New(event.TaskStarted, sub.WorkflowID, x.id(), map[string]any{
			"task_name":   spec.Name,
			"progress":    progress,
			"step":        i + 1,
			"total_steps": len(sub.Tasks),
		})
		ev.TaskName = spec.Name
		e.publish(ev)

		res := e.executeTask(ctx, spec, agents, inputs, outputs)
		if !x.appendResult(res) {
			break
		}

		ev = event.New(event.TaskCompleted, sub.WorkflowID, x.id(), map[string]any{
			"task_name":      spec.Name,
			"status":         string(res.Status),
			"execution_time": res.ExecutionTime.Seconds(),
			"agent":          res.Agent,
		})
		ev.TaskName = spec.Name
		ev.AgentID = res.Agent
		e.publish(ev)
		if res.Agent != "" {
			e.recordRun(event.Run{
				Scope:      event.AgentScope(res.Agent),
				Elapsed:    res.ExecutionTime,
				TokensUsed: res.TokensUsed,
				Outcome:    outcome(res.Status),
				At:         res.FinishedAt,
			})
		}

		if res.Status != StatusCompleted {
			x.fail(e.now(), res.Error)
			break
		}
		inputs[fmt.Sprintf("task_%d_result", i)] = res.Result
		outputs[spec.Name] = res.Result
	}

	x.complete(e.now())
	rec := x.snapshot()
	switch rec.Status {
	case StatusCompleted, StatusFailed:
		ev := event.New(event.WorkflowCompleted, sub.WorkflowID, x.id(), map[string]any{
			"status":         string(rec.Status),
			"execution_time": rec.ExecutionTime.Seconds(),
			"tokens_used":    rec.TokensUsed,
		})
		ev.Message = rec.Error
		e.publish(ev)
	}
	log.Info("workflow finished",
		zap.String("status", string(rec.Status)),
		zap.Int("tasks_done", len(rec.Results)),
		zap.Int("tokens", rec.TokensUsed))
}

// failExecution marks x FAILED outside normal task failure and reports it
// with workflow_failed.
func (e *Engine) failExecution(x *execution, msg string) bool {
	if !x.fail(e.now(), msg) {
		return false
	}
	ev := event.New(event.WorkflowFailed, x.sub.WorkflowID, x.id(), map[string]any{
		"error": msg,
	})
	ev.Message = msg
	e.publish(ev)
	return true
}

// finalize pushes workflow metrics and archives a terminal record.
func (e *Engine) finalize(rec *ExecutionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.PublishTimeout)
	defer cancel()

	last := rec.CreatedAt
	if at := rec.FinishedAt(); at != nil {
		last = *at
	}
	metrics := map[string]any{
		"last_execution": last.UTC().Format(time.RFC3339),
		"execution_id":   rec.ExecutionID,
		"execution_time": rec.ExecutionTime.Seconds(),
		"tokens_used":    rec.TokensUsed,
		"status":         string(rec.Status),
	}
	if err := e.sink.RecordMetrics(ctx, event.WorkflowScope(rec.WorkflowID), metrics); err != nil {
		e.logger.Warn("record workflow metrics failed",
			zap.String("workflow", rec.WorkflowID), zap.Error(err))
	}
	e.recordRun(event.Run{
		Scope:      event.WorkflowScope(rec.WorkflowID),
		Elapsed:    rec.ExecutionTime,
		TokensUsed: rec.TokensUsed,
		Outcome:    outcome(rec.Status),
		At:         last,
	})

	if e.opts.Archive != nil {
		if err := e.opts.Archive.SaveExecution(ctx, rec); err != nil {
			e.logger.Warn("archive execution failed",
				zap.String("execution", rec.ExecutionID), zap.Error(err))
		}
	}
}

func (e *Engine) recordRun(run event.Run) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.PublishTimeout)
	defer cancel()
	if err := e.sink.RecordRun(ctx, run); err != nil {
		e.logger.Warn("record run failed",
			zap.String("scope", string(run.Scope.Kind)),
			zap.String("id", run.Scope.ID),
			zap.Error(err))
	}
}

func outcome(s Status) event.Outcome {
	switch s {
	case StatusCompleted:
		return event.OutcomeSucceeded
	case StatusCancelled:
		return event.OutcomeCancelled
	}
	return event.OutcomeFailed
}

func (e *Engine) publish(ev *event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.PublishTimeout)
	defer cancel()
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish event failed",
			zap.String("event", string(ev.Type)),
			zap.String("workflow", ev.WorkflowID),
			zap.Error(err))
	}
}
