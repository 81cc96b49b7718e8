package orchestrator

import (
	"context"
	"sync"
)

// queue is the FIFO between Submit and the workers. changed is closed and
// replaced on every mutation so waiters can select on it with a context.
type queue struct {
	mu      sync.Mutex
	items   []*execution
	limit   int
	policy  AdmissionPolicy
	closed  bool
	changed chan struct{}
}

func newQueue(limit int, policy AdmissionPolicy) *queue {
	if policy == "" {
		policy = AdmitReject
	}
	return &queue{limit: limit, policy: policy, changed: make(chan struct{})}
}

// signal must be called with mu held.
func (q *queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// push appends x. Under the drop_oldest policy the evicted execution is
// returned so the caller can fail it.
func (q *queue) push(ctx context.Context, x *execution) (*execution, error) {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return nil, ErrEngineClosed
		}
		if q.limit <= 0 || len(q.items) < q.limit {
			q.items = append(q.items, x)
			q.signal()
			q.mu.Unlock()
			return nil, nil
		}

		switch q.policy {
		case AdmitDropOldest:
			dropped := q.items[0]
			q.items[0] = nil
			q.items = append(q.items[1:], x)
			q.signal()
			q.mu.Unlock()
			return dropped, nil
		case AdmitBlock:
			wait := q.changed
			q.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			q.mu.Lock()
		default:
			q.mu.Unlock()
			return nil, ErrQueueFull
		}
	}
}

// pop blocks until an execution is available. A closed queue is drained
// before pop reports ErrEngineClosed.
func (q *queue) pop(ctx context.Context) (*execution, error) {
	q.mu.Lock()
	for {
		if len(q.items) > 0 {
			x := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.signal()
			q.mu.Unlock()
			return x, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrEngineClosed
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		q.mu.Lock()
	}
}

// remove drops x if it is still queued.
func (q *queue) remove(x *execution) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it == x {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.signal()
			return true
		}
	}
	return false
}

// drain empties the queue and returns what was left in it.
func (q *queue) drain() []*execution {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	if len(items) > 0 {
		q.signal()
	}
	return items
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
