package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowgate/internal/taskqueue"
	"github.com/petrijr/flowgate/pkg/api"
)

// schedule hands a task for rt to the queue, or runs it inline when no
// queue is configured. The runtime's task columns track the task from
// PENDING to SUCCESS or FAILURE.
func (c *Coordinator) schedule(ctx context.Context, rt *api.Runtime, typ taskqueue.TaskType, stageSeq int, delay time.Duration) error {
	task := taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       typ,
		RuntimeID:  rt.ID,
		StageSeq:   stageSeq,
		EnqueuedAt: c.now(),
	}
	if delay > 0 {
		task.NotBefore = task.EnqueuedAt.Add(delay)
	}

	// PENDING is written before the task becomes visible so a fast worker's
	// STARTED is never overwritten.
	if err := c.store.SetTaskState(ctx, rt.ID, task.ID, api.TaskPending); err != nil {
		return err
	}
	rt.TaskBgID, rt.TaskBgState = task.ID, api.TaskPending
	c.observer.OnTaskScheduled(ctx, rt, string(typ))

	if c.queue == nil {
		if err := c.execute(ctx, task); err != nil {
			if ferr := c.FailTask(context.WithoutCancel(ctx), task.ID, rt.ID, err); ferr != nil {
				c.logger.Error("mark task failed", slog.String("runtime_id", rt.ID), slog.Any("error", ferr))
			}
			return err
		}
		return nil
	}

	err := c.enqueue(ctx, task)
	if err == nil {
		return nil
	}

	if _, serr := c.store.UpdateTaskState(context.WithoutCancel(ctx), rt.ID, task.ID, api.TaskFailure); serr != nil {
		c.logger.Error("mark task failed", slog.String("runtime_id", rt.ID), slog.Any("error", serr))
	}
	rt.TaskBgState = api.TaskFailure
	return fmt.Errorf("%w: %s task for runtime %s: %w", api.ErrEnqueueFailed, typ, rt.ID, err)
}

func (c *Coordinator) enqueue(ctx context.Context, task taskqueue.Task) error {
	var err error
	for attempt := 1; attempt <= c.enqueueAttempts; attempt++ {
		if err = c.queue.Enqueue(ctx, task); err == nil {
			return nil
		}
		c.logger.Warn("enqueue failed",
			slog.String("task_id", task.ID),
			slog.String("runtime_id", task.RuntimeID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if attempt == c.enqueueAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.enqueueBackoff * time.Duration(attempt)):
		}
	}
	return err
}

// execute runs task in the current goroutine.
func (c *Coordinator) execute(ctx context.Context, task taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeApply:
		return c.RunApplyTask(ctx, task.ID, task.RuntimeID)
	case taskqueue.TaskTypeAdvance:
		return c.RunAdvanceTask(ctx, task.ID, task.RuntimeID, task.StageSeq)
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}

func (c *Coordinator) RunApplyTask(ctx context.Context, taskID, runtimeID string) error {
	return c.runTask(ctx, taskID, runtimeID, func(ctx context.Context) error {
		_, err := c.Apply(ctx, runtimeID)
		return err
	})
}

func (c *Coordinator) RunAdvanceTask(ctx context.Context, taskID, runtimeID string, stageSeq int) error {
	return c.runTask(ctx, taskID, runtimeID, func(ctx context.Context) error {
		_, err := c.Advance(ctx, runtimeID, stageSeq)
		return err
	})
}

// runTask wraps run with task state bookkeeping. A superseded task (the
// runtime already tracks a newer one) still runs, since Apply and Advance
// are no-ops when stale, but leaves the task columns alone.
func (c *Coordinator) runTask(ctx context.Context, taskID, runtimeID string, run func(context.Context) error) error {
	tracked, err := c.store.UpdateTaskState(ctx, runtimeID, taskID, api.TaskStarted)
	if err != nil {
		return err
	}
	if err := run(ctx); err != nil {
		return err
	}
	if tracked {
		if _, err := c.store.UpdateTaskState(ctx, runtimeID, taskID, api.TaskSuccess); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) FailTask(ctx context.Context, taskID, runtimeID string, cause error) error {
	ok, err := c.store.UpdateTaskState(ctx, runtimeID, taskID, api.TaskFailure)
	if err != nil || !ok {
		return err
	}

	rt, err := c.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return err
	}
	c.observer.OnRuntimeFailed(ctx, rt, cause)
	return nil
}

// RequeueStranded reschedules work that no live task will finish: failed
// tasks, PENDING or STARTED tasks older than StrandedAfter, and runtimes
// that were created but never scheduled.
func (c *Coordinator) RequeueStranded(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.strandedAfter)

	var stranded []*api.Runtime
	for _, state := range []api.TaskState{api.TaskFailure, api.TaskPending, api.TaskStarted} {
		rts, err := c.store.ListRuntimes(ctx, api.RuntimeListOptions{TaskState: state})
		if err != nil {
			return 0, err
		}
		for _, rt := range rts {
			if state == api.TaskFailure || rt.UpdatedAt.Before(cutoff) {
				stranded = append(stranded, rt)
			}
		}
	}

	notStarted := api.RuntimeNotStarted
	fresh, err := c.store.ListRuntimes(ctx, api.RuntimeListOptions{State: &notStarted})
	if err != nil {
		return 0, err
	}
	for _, rt := range fresh {
		if rt.TaskBgState == api.TaskNone && rt.UpdatedAt.Before(cutoff) {
			stranded = append(stranded, rt)
		}
	}

	n := 0
	for _, rt := range stranded {
		typ, seq, ok, err := c.outstandingWork(ctx, rt)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		c.logger.Info("requeueing stranded runtime",
			slog.String("runtime_id", rt.ID),
			slog.String("task_type", string(typ)),
			slog.String("task_state", string(rt.TaskBgState)),
		)
		if err := c.schedule(ctx, rt, typ, seq, 0); err != nil {
			if errors.Is(err, api.ErrEnqueueFailed) {
				return n, err
			}
			// Inline execution failed; the task is recorded as FAILURE.
			c.logger.Warn("requeued task failed", slog.String("runtime_id", rt.ID), slog.Any("error", err))
		}
		n++
	}
	return n, nil
}

// outstandingWork reports which task, if any, would move rt forward.
func (c *Coordinator) outstandingWork(ctx context.Context, rt *api.Runtime) (taskqueue.TaskType, int, bool, error) {
	switch rt.State {
	case api.RuntimeNotStarted:
		return taskqueue.TaskTypeApply, 0, true, nil
	case api.RuntimeInProgress:
		idle, err := c.idle(ctx, rt)
		if err != nil || !idle {
			return "", 0, false, err
		}
		return taskqueue.TaskTypeAdvance, rt.CurrentSeq, true, nil
	}
	return "", 0, false, nil
}
