package event

import (
	"context"
	"errors"
	"fmt"
)

// Fanout delivers to every sink in order and joins their failures.
// A zero-length Fanout discards everything.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev *Event) error {
	var errs []error
	for i, s := range f {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) RecordMetrics(ctx context.Context, scope Scope, metrics map[string]any) error {
	var errs []error
	for i, s := range f {
		if err := s.RecordMetrics(ctx, scope, metrics); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) RecordRun(ctx context.Context, run Run) error {
	var errs []error
	for i, s := range f {
		if err := s.RecordRun(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
