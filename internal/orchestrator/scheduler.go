package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/crewnexus/internal/agent"
	"github.com/nidhogg/crewnexus/internal/event"
	"go.uber.org/zap"
)

// Archive persists terminal executions beyond the retention window.
type Archive interface {
	SaveExecution(ctx context.Context, rec *ExecutionRecord) error
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]HistoryEntry, error)
}

// Options configure an Engine.
type Options struct {
	Workers         int
	QueueSize       int
	Admission       AdmissionPolicy
	TaskTimeout     time.Duration
	WorkflowTimeout time.Duration
	Retention       time.Duration
	ReapInterval    time.Duration
	PublishTimeout  time.Duration
	HistoryLimit    int
	Archive         Archive
	Now             func() time.Time
}

// DefaultOptions returns an unbounded queue served by 10 workers, keeping
// terminal executions for an hour.
func DefaultOptions() Options {
	return Options{
		Workers:        10,
		Admission:      AdmitReject,
		Retention:      time.Hour,
		ReapInterval:   time.Minute,
		PublishTimeout: 5 * time.Second,
		HistoryLimit:   50,
		Now:            time.Now,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.Admission == "" {
		o.Admission = d.Admission
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = d.ReapInterval
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = d.PublishTimeout
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.Now == nil {
		o.Now = d.Now
	}
}

// Engine schedules workflow executions onto a fixed pool of workers.
type Engine struct {
	invoker agent.Invoker
	sink    event.Sink
	opts    Options
	queue   *queue
	logger  *zap.Logger

	mu         sync.RWMutex
	executions map[string]*execution
	seq        atomic.Uint64

	base      context.Context
	stop      context.CancelCauseFunc
	quit      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEngine creates an engine. A nil sink discards events.
func NewEngine(invoker agent.Invoker, sink event.Sink, opts Options, logger *zap.Logger) *Engine {
	opts.applyDefaults()
	if sink == nil {
		sink = event.Fanout(nil)
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Engine{
		invoker:    invoker,
		sink:       sink,
		opts:       opts,
		queue:      newQueue(opts.QueueSize, opts.Admission),
		logger:     logger,
		executions: make(map[string]*execution),
		base:       base,
		stop:       stop,
		quit:       make(chan struct{}),
	}
}

func (e *Engine) now() time.Time { return e.opts.Now() }

// Start launches the workers and the reaper. Calling it again is a no-op.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		for i := 0; i < e.opts.Workers; i++ {
			e.wg.Add(1)
			go e.worker(i)
		}
		e.wg.Add(1)
		go e.reaper()
		e.logger.Info("engine started",
			zap.Int("workers", e.opts.Workers),
			zap.Int("queue_size", e.opts.QueueSize),
			zap.String("admission", string(e.opts.Admission)))
	})
}

// Submit validates and enqueues a workflow execution and returns its id
// without waiting for it to start.
func (e *Engine) Submit(ctx context.Context, sub Submission) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}
	if context.Cause(e.base) != nil {
		return "", ErrEngineClosed
	}

	id := uuid.New().String()
	x := newExecution(id, e.seq.Add(1), sub, e.now())

	e.mu.Lock()
	e.executions[id] = x
	e.mu.Unlock()

	dropped, err := e.queue.push(ctx, x)
	if err != nil {
		e.mu.Lock()
		delete(e.executions, id)
		e.mu.Unlock()
		return "", err
	}

	e.publish(event.New(event.WorkflowSubmitted, sub.WorkflowID, id, map[string]any{
		"tasks_count": len(sub.Tasks),
		"crew_name":   sub.Crew.Name,
	}))
	close(x.admitted)

	e.logger.Info("workflow submitted",
		zap.String("execution", id),
		zap.String("workflow", sub.WorkflowID),
		zap.Int("tasks", len(sub.Tasks)))

	if dropped != nil {
		e.logger.Warn("queue full, dropping oldest execution",
			zap.String("execution", dropped.id()))
		if e.failExecution(dropped, "dropped by admission policy") {
			e.finalize(dropped.snapshot())
		}
	}
	return id, nil
}

// Execution returns a snapshot of the execution with the given id.
func (e *Engine) Execution(executionID string) (*ExecutionRecord, error) {
	x := e.lookup(executionID)
	if x == nil {
		return nil, ErrNotFound
	}
	return x.snapshot(), nil
}

// Status returns the most recently created tracked execution of workflowID.
func (e *Engine) Status(workflowID string) (*ExecutionRecord, error) {
	var latest *execution
	e.mu.RLock()
	for _, x := range e.executions {
		if x.sub.WorkflowID == workflowID && (latest == nil || x.seq > latest.seq) {
			latest = x
		}
	}
	e.mu.RUnlock()
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.snapshot(), nil
}

// Cancel moves a pending or running execution to CANCELLED. A running
// execution's context is cancelled, which interrupts the agent call in
// flight. It reports false for unknown or already finished executions.
func (e *Engine) Cancel(executionID string) bool {
	x := e.lookup(executionID)
	if x == nil {
		return false
	}
	prev, cancel, ok := x.markCancelled(e.now())
	if !ok {
		return false
	}

	switch prev {
	case StatusPending:
		e.queue.remove(x)
	case StatusRunning:
		if cancel != nil {
			cancel(errCancelled)
		}
	}

	ev := event.New(event.WorkflowCancelled, x.sub.WorkflowID, executionID, map[string]any{
		"previous_status": string(prev),
	})
	ev.Message = "execution cancelled"
	e.publish(ev)
	e.logger.Info("execution cancelled",
		zap.String("execution", executionID),
		zap.String("previous_status", string(prev)))

	if prev == StatusPending {
		e.finalize(x.snapshot())
	}
	return true
}

// History lists executions of workflowID, most recently started first.
// Executions that never started come last, newest first. Archived
// executions no longer held in memory are merged in.
func (e *Engine) History(ctx context.Context, workflowID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = e.opts.HistoryLimit
	}

	var live []*execution
	e.mu.RLock()
	for _, x := range e.executions {
		if x.sub.WorkflowID == workflowID {
			live = append(live, x)
		}
	}
	e.mu.RUnlock()

	entries := make([]HistoryEntry, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, x := range live {
		entries = append(entries, x.snapshot().Entry())
		seen[x.id()] = true
	}

	if e.opts.Archive != nil {
		archived, err := e.opts.Archive.ListExecutions(ctx, workflowID, limit)
		if err != nil {
			e.logger.Warn("list archived executions failed",
				zap.String("workflow", workflowID), zap.Error(err))
		}
		for _, h := range archived {
			if !seen[h.ExecutionID] {
				entries = append(entries, h)
				seen[h.ExecutionID] = true
			}
		}
	}

	slices.SortFunc(entries, compareHistory)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func compareHistory(a, b HistoryEntry) int {
	switch {
	case a.StartedAt != nil && b.StartedAt == nil:
		return -1
	case a.StartedAt == nil && b.StartedAt != nil:
		return 1
	case a.StartedAt != nil && b.StartedAt != nil:
		if c := b.StartedAt.Compare(*a.StartedAt); c != 0 {
			return c
		}
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ExecutionID, b.ExecutionID)
}

// Stats reports queue depth and execution counts by status.
func (e *Engine) Stats() Stats {
	st := Stats{Workers: e.opts.Workers, QueueDepth: e.queue.len()}
	e.mu.RLock()
	tracked := make([]*execution, 0, len(e.executions))
	for _, x := range e.executions {
		tracked = append(tracked, x)
	}
	e.mu.RUnlock()

	st.Tracked = len(tracked)
	for _, x := range tracked {
		switch x.status() {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// Shutdown stops accepting submissions and lets the workers drain the
// queue. When ctx expires first, running executions are cancelled and
// Shutdown waits for the workers to return.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.queue.close()
		close(e.quit)
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("shutdown deadline reached, cancelling running executions")
		e.stop(ErrEngineClosed)
		<-done
		err = ctx.Err()
	}
	e.stop(ErrEngineClosed)

	for _, x := range e.queue.drain() {
		if e.failExecution(x, ErrEngineClosed.Error()) {
			e.finalize(x.snapshot())
		}
	}
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) lookup(executionID string) *execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.executions[executionID]
}

func (e *Engine) worker(n int) {
	defer e.wg.Done()
	for {
		x, err := e.queue.pop(e.base)
		if err != nil {
			if !errors.Is(err, ErrEngineClosed) && !errors.Is(err, context.Canceled) {
				e.logger.Error("worker stopped", zap.Int("worker", n), zap.Error(err))
			}
			return
		}
		<-x.admitted

		if cause := context.Cause(e.base); cause != nil {
			if e.failExecution(x, cause.Error()) {
				e.finalize(x.snapshot())
			}
			continue
		}
		e.serve(n, x)
	}
}

// serve isolates the worker from anything run lets escape.
func (e *Engine) serve(n int, x *execution) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("worker recovered from panic", zap.Int("worker", n), zap.Any("panic", r))
		}
	}()
	e.run(x)
}

func (e *Engine) reaper() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
			if n := e.reap(); n > 0 {
				e.logger.Debug("reaped executions", zap.Int("count", n))
			}
		}
	}
}

// reap forgets executions that have been terminal for longer than the
// retention window.
func (e *Engine) reap() int {
	cutoff := e.now().Add(-e.opts.Retention)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, x := range e.executions {
		if x.expired(cutoff) {
			delete(e.executions, id)
			n++
		}
	}
	return n
}
