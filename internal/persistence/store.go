package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/flowgate/pkg/api"
)

// ErrStaleRuntime is returned by compare-and-swap writes when the runtime has
// moved on since it was read (another worker advanced it first).
var ErrStaleRuntime = errors.New("runtime changed concurrently")

// Expect is the runtime position a write was computed from.
type Expect struct {
	Seq   int
	State api.RuntimeState
}

// ExpectOf captures the current position of rt.
func ExpectOf(rt *api.Runtime) Expect {
	return Expect{Seq: rt.CurrentSeq, State: rt.State}
}

// StageCommit is everything written when a runtime enters a stage. It is
// persisted atomically: a stage is never visible without its assignees and
// audit entries.
type StageCommit struct {
	Stage     api.RuntimeStage
	Assignees []api.RuntimeAssignee
	Logs      []api.RuntimeLog

	// Runtime is the runtime row after entering the stage. Its CurrentSeq
	// must equal Stage.Seq.
	Runtime *api.Runtime
	Expect  Expect
}

// AssigneeCompletion marks one assignee as done.
type AssigneeCompletion struct {
	AssigneeID string
	Action     string
	Log        api.RuntimeLog
	At         time.Time
}

// RuntimeStore persists runtimes, their stage arena, assignees and the
// audit log.
type RuntimeStore interface {
	// InsertRuntime fails with api.ErrDuplicateRuntime when a runtime for
	// (AppCode, DocID) already exists. logs are appended in the same write.
	InsertRuntime(ctx context.Context, rt *api.Runtime, logs ...api.RuntimeLog) error

	// TransitionRuntime updates the flow binding, state and stage pointer of
	// rt if the stored row still matches expect, and appends logs atomically.
	// It returns ErrStaleRuntime otherwise. Task columns are left alone.
	TransitionRuntime(ctx context.Context, rt *api.Runtime, expect Expect, logs ...api.RuntimeLog) error

	// SetTaskState records the runtime's outstanding background task.
	SetTaskState(ctx context.Context, runtimeID, taskID string, state api.TaskState) error

	// UpdateTaskState changes the task state only while taskID is still the
	// runtime's outstanding task. It reports whether the row was updated.
	UpdateTaskState(ctx context.Context, runtimeID, taskID string, state api.TaskState) (bool, error)

	GetRuntime(ctx context.Context, id string) (*api.Runtime, error)
	FindRuntime(ctx context.Context, appCode, docID string) (*api.Runtime, error)
	ListRuntimes(ctx context.Context, opts api.RuntimeListOptions) ([]*api.Runtime, error)

	// CommitStage persists a new stage, links the previous stage's ToSeq
	// and moves the runtime pointer. It returns ErrStaleRuntime when the
	// runtime no longer matches c.Expect.
	CommitStage(ctx context.Context, c StageCommit) error
	GetStage(ctx context.Context, runtimeID string, seq int) (*api.RuntimeStage, error)
	ListStages(ctx context.Context, runtimeID string) ([]*api.RuntimeStage, error)

	GetAssignee(ctx context.Context, id string) (*api.RuntimeAssignee, error)
	ListAssignees(ctx context.Context, runtimeID string, seq int) ([]*api.RuntimeAssignee, error)

	// CompleteAssignee flips IsDone, appends the action (deduplicated) and
	// the log entry. applied is false when the assignee was already done.
	// remaining is the number of undone assignees left on the stage after
	// the write; exactly one caller observes applied && remaining == 0.
	CompleteAssignee(ctx context.Context, c AssigneeCompletion) (applied bool, remaining int, err error)

	AppendLog(ctx context.Context, logs ...api.RuntimeLog) error
	ListLogs(ctx context.Context, runtimeID string) ([]api.RuntimeLog, error)
}

func appendAction(actions []string, action string) []string {
	if action == "" {
		return actions
	}
	for _, a := range actions {
		if a == action {
			return actions
		}
	}
	return append(actions, action)
}

func matchesListOptions(rt *api.Runtime, opts api.RuntimeListOptions) bool {
	if opts.AppCode != "" && rt.AppCode != opts.AppCode {
		return false
	}
	if opts.FlowID != "" && rt.FlowID != opts.FlowID {
		return false
	}
	if opts.State != nil && rt.State != *opts.State {
		return false
	}
	if opts.TaskState != api.TaskNone && rt.TaskBgState != opts.TaskState {
		return false
	}
	return true
}
