// Package notify posts terminal workflow outcomes to chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/crewnexus/internal/event"
	"go.uber.org/zap"
)

// Notifier delivers notices to one platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, n *Notice) error
	Close() error
}

// Level colours a notice.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Notice is a platform-neutral notification.
type Notice struct {
	Title       string
	Text        string
	Level       Level
	WorkflowID  string
	ExecutionID string
	Fields      []Field
}

// Field is a short key/value line shown with a notice.
type Field struct {
	Name  string
	Value string
}

// FromEvent builds a notice for a terminal workflow event, nil otherwise.
func FromEvent(ev *event.Event) *Notice {
	if !ev.Type.Terminal() {
		return nil
	}
	n := &Notice{WorkflowID: ev.WorkflowID, ExecutionID: ev.ExecutionID}
	status := "cancelled"
	if s, ok := ev.Data["status"].(string); ok {
		status = s
	}
	switch ev.Type {
	case event.WorkflowFailed:
		status = "failed"
	case event.WorkflowCancelled:
		status = "cancelled"
	}

	switch status {
	case "completed":
		n.Level = LevelSuccess
	case "failed":
		n.Level = LevelError
	default:
		n.Level = LevelWarning
	}
	n.Title = fmt.Sprintf("Workflow %s %s", ev.WorkflowID, status)
	n.Text = ev.Message
	if n.Text == "" {
		n.Text = fmt.Sprintf("Execution %s finished with status %s.", ev.ExecutionID, status)
	}

	n.Fields = append(n.Fields, Field{"Execution", ev.ExecutionID})
	if v, ok := ev.Data["tokens_used"]; ok {
		n.Fields = append(n.Fields, Field{"Tokens", fmt.Sprint(v)})
	}
	if v, ok := ev.Data["execution_time"].(float64); ok {
		n.Fields = append(n.Fields, Field{"Execution time", fmt.Sprintf("%.2fs", v)})
	}
	if v, ok := ev.Data["error"].(string); ok && v != "" {
		n.Fields = append(n.Fields, Field{"Error", v})
	}
	return n
}

// Dispatcher is an event sink that turns terminal workflow events into
// notices and delivers them in the background.
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	queue     chan *Notice
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher buffering up to size pending notices.
func NewDispatcher(size int, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	return &Dispatcher{
		notifiers: make(map[string]Notifier),
		queue:     make(chan *Notice, size),
		logger:    logger,
	}
}

// Register adds a notifier, replacing any for the same platform.
func (d *Dispatcher) Register(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers[n.Platform()] = n
	d.logger.Info("registered notifier", zap.String("platform", n.Platform()))
}

// Platforms lists registered platforms.
func (d *Dispatcher) Platforms() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.notifiers))
	for p := range d.notifiers {
		out = append(out, p)
	}
	return out
}

// Publish queues a notice for terminal events. It never blocks; when the
// queue is full the notice is dropped.
func (d *Dispatcher) Publish(_ context.Context, ev *event.Event) error {
	n := FromEvent(ev)
	if n == nil {
		return nil
	}
	select {
	case d.queue <- n:
		return nil
	default:
		return fmt.Errorf("notification queue full, dropped %s for %s", ev.Type, ev.ExecutionID)
	}
}

func (d *Dispatcher) RecordMetrics(context.Context, event.Scope, map[string]any) error { return nil }

func (d *Dispatcher) RecordRun(context.Context, event.Run) error { return nil }

// Run delivers queued notices until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-d.queue:
			if err := d.Send(ctx, n); err != nil {
				d.logger.Warn("notification failed",
					zap.String("execution", n.ExecutionID), zap.Error(err))
			}
		}
	}
}

// Send delivers n to every notifier and joins their failures.
func (d *Dispatcher) Send(ctx context.Context, n *Notice) error {
	d.mu.RLock()
	targets := make([]Notifier, 0, len(d.notifiers))
	for _, nt := range d.notifiers {
		targets = append(targets, nt)
	}
	d.mu.RUnlock()

	var errs []error
	for _, nt := range targets {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nt.Platform(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every notifier.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for p, nt := range d.notifiers {
		if err := nt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
