package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := newQueue(0, AdmitReject)
	got := make(chan *execution, 1)
	go func() {
		x, err := q.pop(context.Background())
		if err == nil {
			got <- x
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned from an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	x := &execution{}
	_, err := q.push(context.Background(), x)
	require.NoError(t, err)
	select {
	case y := <-got:
		assert.Same(t, x, y)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestQueueCloseDrainsThenStops(t *testing.T) {
	q := newQueue(0, AdmitReject)
	a, b := &execution{}, &execution{}
	_, _ = q.push(context.Background(), a)
	_, _ = q.push(context.Background(), b)
	q.close()

	_, err := q.push(context.Background(), &execution{})
	assert.ErrorIs(t, err, ErrEngineClosed)

	x, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, x)
	x, err = q.pop(context.Background())
	require.NoError(t, err)
	assert.Same(t, b, x)
	_, err = q.pop(context.Background())
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := newQueue(0, AdmitReject)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdmissionReject(t *testing.T) {
	opts := DefaultOptions()
	opts.QueueSize = 2
	e := NewEngine(&fakeInvoker{}, nil, opts, zap.NewNop())

	mustSubmit(t, e, submission("wf", "a"))
	mustSubmit(t, e, submission("wf", "a"))
	_, err := e.Submit(context.Background(), submission("wf", "a"))
	assert.ErrorIs(t, err, ErrQueueFull)

	st := e.Stats()
	assert.Equal(t, 2, st.Tracked)
	assert.Equal(t, 2, st.QueueDepth)
}

func TestAdmissionDropOldest(t *testing.T) {
	opts := DefaultOptions()
	opts.QueueSize = 2
	opts.Admission = AdmitDropOldest
	sink := newRecordingSink()
	e := NewEngine(&fakeInvoker{}, sink, opts, zap.NewNop())

	oldest := mustSubmit(t, e, submission("wf", "a"))
	mustSubmit(t, e, submission("wf", "a"))
	newest := mustSubmit(t, e, submission("wf", "a"))

	rec, err := e.Execution(oldest)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "dropped by admission policy", rec.Error)
	assert.Nil(t, rec.StartedAt)

	rec, err = e.Execution(newest)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 2, e.Stats().QueueDepth)
	assert.False(t, e.Cancel(oldest))
}

func TestAdmissionBlock(t *testing.T) {
	opts := DefaultOptions()
	opts.QueueSize = 1
	opts.Admission = AdmitBlock
	e := NewEngine(&fakeInvoker{}, nil, opts, zap.NewNop())

	first := mustSubmit(t, e, submission("wf", "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.Submit(ctx, submission("wf", "a"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, e.Stats().Tracked)

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Cancel(first)
	}()
	id, err := e.Submit(context.Background(), submission("wf", "a"))
	require.NoError(t, err)
	rec, err := e.Execution(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}
