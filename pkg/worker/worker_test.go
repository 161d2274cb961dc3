package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowgate/internal/taskqueue"
	"github.com/petrijr/flowgate/pkg/api"
)

type call struct {
	op        string
	taskID    string
	runtimeID string
	stageSeq  int
}

// fakeRunner fails the first failures runs with err.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []call
	failed   []error
	failures int
	err      error
}

func (r *fakeRunner) record(c call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	if r.failures > 0 {
		r.failures--
		return r.err
	}
	return nil
}

func (r *fakeRunner) RunApplyTask(_ context.Context, taskID, runtimeID string) error {
	return r.record(call{op: "apply", taskID: taskID, runtimeID: runtimeID})
}

func (r *fakeRunner) RunAdvanceTask(_ context.Context, taskID, runtimeID string, stageSeq int) error {
	return r.record(call{op: "advance", taskID: taskID, runtimeID: runtimeID, stageSeq: stageSeq})
}

func (r *fakeRunner) FailTask(_ context.Context, _, _ string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, cause)
	return nil
}

func (r *fakeRunner) snapshot() ([]call, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...), append([]error(nil), r.failed...)
}

func enqueue(t *testing.T, q taskqueue.Queue, task taskqueue.Task) {
	t.Helper()
	task.EnqueuedAt = time.Now()
	require.NoError(t, q.Enqueue(context.Background(), task))
}

func processWithin(t *testing.T, w *Worker, d time.Duration) (bool, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return w.ProcessOne(ctx)
}

func TestWorker_DispatchesByTaskType(t *testing.T) {
	q := taskqueue.NewInMemoryQueue()
	runner := &fakeRunner{}
	w := New(runner, q)

	enqueue(t, q, taskqueue.Task{ID: "t1", Type: taskqueue.TaskTypeApply, RuntimeID: "r1"})
	enqueue(t, q, taskqueue.Task{ID: "t2", Type: taskqueue.TaskTypeAdvance, RuntimeID: "r1", StageSeq: 3})

	for range 2 {
		processed, err := processWithin(t, w, time.Second)
		require.NoError(t, err)
		assert.True(t, processed)
	}

	calls, failed := runner.snapshot()
	assert.Equal(t, []call{
		{op: "apply", taskID: "t1", runtimeID: "r1"},
		{op: "advance", taskID: "t2", runtimeID: "r1", stageSeq: 3},
	}, calls)
	assert.Empty(t, failed)
}

func TestWorker_RetriesTransientFailureWithBackoff(t *testing.T) {
	q := taskqueue.NewInMemoryQueue()
	runner := &fakeRunner{failures: 1, err: errors.New("connection reset")}
	backoff := 30 * time.Millisecond
	w := NewWithConfig(runner, q, Config{MaxAttempts: 3, Backoff: backoff})

	enqueue(t, q, taskqueue.Task{ID: "t1", Type: taskqueue.TaskTypeApply, RuntimeID: "r1"})

	start := time.Now()
	processed, err := processWithin(t, w, time.Second)
	require.NoError(t, err, "a scheduled retry is not a failure")
	require.True(t, processed)
	require.Equal(t, 1, q.Len())

	processed, err = processWithin(t, w, time.Second)
	require.NoError(t, err)
	require.True(t, processed)
	assert.GreaterOrEqual(t, time.Since(start), backoff)

	calls, failed := runner.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "t1", calls[1].taskID, "retry keeps the task id")
	assert.Empty(t, failed)
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	q := taskqueue.NewInMemoryQueue()
	cause := errors.New("db down")
	runner := &fakeRunner{failures: 10, err: cause}
	w := NewWithConfig(runner, q, Config{MaxAttempts: 2, Backoff: time.Millisecond})

	enqueue(t, q, taskqueue.Task{ID: "t1", Type: taskqueue.TaskTypeAdvance, RuntimeID: "r1", StageSeq: 2})

	_, err := processWithin(t, w, time.Second)
	require.NoError(t, err)
	_, err = processWithin(t, w, time.Second)
	require.ErrorIs(t, err, cause)

	calls, failed := runner.snapshot()
	assert.Len(t, calls, 2)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], cause)
	assert.Zero(t, q.Len())
}

func TestWorker_DoesNotRetryDeterministicErrors(t *testing.T) {
	for name, cause := range map[string]error{
		"configuration": api.ErrAmbiguousTransition,
		"precondition":  api.ErrRuntimeNotFound,
		"resolution":    api.ErrMissingApprover,
	} {
		t.Run(name, func(t *testing.T) {
			q := taskqueue.NewInMemoryQueue()
			runner := &fakeRunner{failures: 1, err: cause}
			w := NewWithConfig(runner, q, Config{MaxAttempts: 5, Backoff: time.Millisecond})

			enqueue(t, q, taskqueue.Task{ID: "t1", Type: taskqueue.TaskTypeApply, RuntimeID: "r1"})

			processed, err := processWithin(t, w, time.Second)
			assert.True(t, processed)
			assert.ErrorIs(t, err, cause)
			assert.Zero(t, q.Len())

			_, failed := runner.snapshot()
			assert.Len(t, failed, 1)
		})
	}
}

func TestWorker_UnknownTaskTypeFails(t *testing.T) {
	q := taskqueue.NewInMemoryQueue()
	runner := &fakeRunner{}
	w := NewWithConfig(runner, q, Config{MaxAttempts: 3})

	enqueue(t, q, taskqueue.Task{ID: "t1", Type: "reindex", RuntimeID: "r1"})

	processed, err := processWithin(t, w, time.Second)
	assert.True(t, processed)
	assert.ErrorIs(t, err, ErrUnknownTaskType)

	calls, failed := runner.snapshot()
	assert.Empty(t, calls)
	assert.Len(t, failed, 1)
}

func TestWorker_ProcessOneReturnsContextError(t *testing.T) {
	w := New(&fakeRunner{}, taskqueue.NewInMemoryQueue())

	processed, err := processWithin(t, w, 20*time.Millisecond)
	assert.False(t, processed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorker_Backoff(t *testing.T) {
	w := NewWithConfig(&fakeRunner{}, taskqueue.NewInMemoryQueue(), Config{
		Backoff:    10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})

	assert.Equal(t, 10*time.Millisecond, w.backoff(1))
	assert.Equal(t, 20*time.Millisecond, w.backoff(2))
	assert.Equal(t, 40*time.Millisecond, w.backoff(3))
	assert.Equal(t, 50*time.Millisecond, w.backoff(4))
	assert.Equal(t, 50*time.Millisecond, w.backoff(10))
}

func TestWorker_RunDrainsQueueUntilCancelled(t *testing.T) {
	q := taskqueue.NewInMemoryQueue()
	runner := &fakeRunner{}
	w := NewWithConfig(runner, q, Config{Concurrency: 3})

	const n = 20
	for i := range n {
		enqueue(t, q, taskqueue.Task{ID: string(rune('a' + i)), Type: taskqueue.TaskTypeApply, RuntimeID: "r"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		calls, _ := runner.snapshot()
		return len(calls) == n
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
