package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runQueueContract exercises the behavior every Queue implementation shares.
func runQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("FIFOForImmediateTasks", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		base := time.Now().Add(-time.Minute)
		for i, id := range []string{"a", "b", "c"} {
			require.NoError(t, q.Enqueue(ctx, Task{
				ID:         id,
				Type:       TaskTypeApply,
				RuntimeID:  "rt-" + id,
				EnqueuedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}
		assert.Equal(t, 3, q.Len())

		for _, want := range []string{"a", "b", "c"} {
			got := dequeueWithin(t, q, 5*time.Second)
			assert.Equal(t, want, got.ID)
			assert.Equal(t, "rt-"+want, got.RuntimeID)
		}
		assert.Equal(t, 0, q.Len())
	})

	t.Run("PreservesAdvanceFields", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, Task{
			ID:        "adv-1",
			Type:      TaskTypeAdvance,
			RuntimeID: "rt-1",
			StageSeq:  3,
			Attempts:  2,
		}))

		got := dequeueWithin(t, q, 5*time.Second)
		assert.Equal(t, TaskTypeAdvance, got.Type)
		assert.Equal(t, 3, got.StageSeq)
		assert.Equal(t, 2, got.Attempts)
		assert.False(t, got.EnqueuedAt.IsZero(), "EnqueuedAt should be stamped")
	})

	t.Run("DelayedTaskIsHeldBack", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		notBefore := time.Now().Add(400 * time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, Task{ID: "later", Type: TaskTypeApply, RuntimeID: "rt", NotBefore: notBefore}))
		require.NoError(t, q.Enqueue(ctx, Task{ID: "now", Type: TaskTypeApply, RuntimeID: "rt"}))

		first := dequeueWithin(t, q, 5*time.Second)
		assert.Equal(t, "now", first.ID)

		second := dequeueWithin(t, q, 5*time.Second)
		assert.Equal(t, "later", second.ID)
		assert.False(t, time.Now().Before(notBefore), "delayed task delivered early")
	})

	t.Run("DequeueHonorsContextCancellation", func(t *testing.T) {
		q := newQueue(t)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func dequeueWithin(t *testing.T, q Queue, d time.Duration) *Task {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}
