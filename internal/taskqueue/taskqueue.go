// Package taskqueue provides the asynchronous, at-least-once task boundary
// used to run stage transitions outside the request that triggered them.
package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeApply matches a workflow and runs a freshly created runtime.
	TaskTypeApply TaskType = "apply"
	// TaskTypeAdvance moves a runtime past a stage whose approvers are done.
	TaskTypeAdvance TaskType = "advance"
)

// Task represents a unit of work for the worker. Delivery is at least once;
// handlers must tolerate duplicates.
type Task struct {
	ID   string
	Type TaskType

	RuntimeID string
	// StageSeq is the stage an advance task leaves. Zero for apply tasks.
	StageSeq int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts previous failed executions.
	Attempts int
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, due or not.
	Len() int
}

// due reports whether t may run at now.
func (t *Task) due(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// ctxErr returns ctx's error once it is done, err otherwise.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}
