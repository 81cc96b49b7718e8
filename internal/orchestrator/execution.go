package orchestrator

import (
	"context"
	"sync"
	"time"
)

// execution is the live state behind an ExecutionRecord. Only the worker
// that owns it advances it; Cancel and the drop_oldest policy may move it to
// a terminal state from outside, and every transition re-checks the status
// under mu.
type execution struct {
	mu       sync.Mutex
	seq      uint64
	sub      Submission
	rec      ExecutionRecord
	cancel   context.CancelCauseFunc
	admitted chan struct{}
}

func newExecution(id string, seq uint64, sub Submission, now time.Time) *execution {
	return &execution{
		seq: seq,
		sub: sub,
		rec: ExecutionRecord{
			ExecutionID: id,
			WorkflowID:  sub.WorkflowID,
			CrewName:    sub.Crew.Name,
			Status:      StatusPending,
			TotalTasks:  len(sub.Tasks),
			Results:     []TaskResult{},
			CreatedAt:   now,
		},
		admitted: make(chan struct{}),
	}
}

func (x *execution) id() string { return x.rec.ExecutionID }

func (x *execution) snapshot() *ExecutionRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	r := x.rec
	r.Results = append([]TaskResult(nil), x.rec.Results...)
	if r.Results == nil {
		r.Results = []TaskResult{}
	}
	r.StartedAt = copyTime(x.rec.StartedAt)
	r.CompletedAt = copyTime(x.rec.CompletedAt)
	r.CancelledAt = copyTime(x.rec.CancelledAt)
	return &r
}

func (x *execution) status() Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rec.Status
}

// begin moves a pending execution to running and keeps the cancel func of
// its context for Cancel.
func (x *execution) begin(now time.Time, cancel context.CancelCauseFunc) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rec.Status != StatusPending {
		return false
	}
	x.rec.Status = StatusRunning
	x.rec.StartedAt = &now
	x.cancel = cancel
	return true
}

// markCancelled returns the status the execution had and the cancel func of
// a running context, if any.
func (x *execution) markCancelled(now time.Time) (Status, context.CancelCauseFunc, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	prev := x.rec.Status
	if prev.Terminal() {
		return prev, nil, false
	}
	x.rec.Status = StatusCancelled
	x.rec.CancelledAt = &now
	return prev, x.cancel, true
}

func (x *execution) fail(now time.Time, msg string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rec.Status.Terminal() {
		return false
	}
	x.rec.Status = StatusFailed
	x.rec.Error = msg
	x.rec.CompletedAt = &now
	return true
}

// startTask records the task in flight and returns the current progress.
func (x *execution) startTask(name string) (float64, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rec.Status != StatusRunning {
		return x.rec.Progress, false
	}
	x.rec.CurrentTask = name
	return x.rec.Progress, true
}

// appendResult adds r and folds it into the totals. Progress counts
// completed tasks and only reaches 1.0 in complete.
func (x *execution) appendResult(r TaskResult) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rec.Status != StatusRunning {
		return false
	}
	x.rec.Results = append(x.rec.Results, r)
	x.rec.CurrentAgent = r.Agent
	x.rec.TokensUsed += r.TokensUsed
	x.rec.ExecutionTime += r.ExecutionTime
	if r.Status == StatusCompleted && len(x.rec.Results) < x.rec.TotalTasks {
		p := float64(len(x.rec.Results)) / float64(x.rec.TotalTasks)
		if p > x.rec.Progress {
			x.rec.Progress = p
		}
	}
	return true
}

func (x *execution) complete(now time.Time) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rec.Status != StatusRunning {
		return false
	}
	x.rec.Status = StatusCompleted
	x.rec.Progress = 1.0
	x.rec.CompletedAt = &now
	return true
}

// expired reports whether the execution has been terminal since before cutoff.
func (x *execution) expired(cutoff time.Time) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.rec.Status.Terminal() {
		return false
	}
	at := x.rec.FinishedAt()
	return at != nil && at.Before(cutoff)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
