package api

import "context"

// WorkflowSource is the read side of the workflow graph store handed to a
// WorkflowSelector.
type WorkflowSource interface {
	// ForApp returns the latest version of every workflow configured for the
	// app code, restricted to tenantID when it is non-empty.
	ForApp(appCode, tenantID string) []*Workflow
}

// WorkflowSelector picks the workflow to apply to a runtime. Returning
// (nil, nil) means no workflow applies.
type WorkflowSelector func(ctx context.Context, src WorkflowSource, rt *Runtime) (*Workflow, error)

// Engine is the runtime coordinator API.
type Engine interface {
	// RegisterWorkflow adds an immutable workflow version to the graph store.
	RegisterWorkflow(wf Workflow) error

	// RegisterApp binds an application code to its document adapter.
	// Malformed and duplicate codes are rejected here, not at call time.
	RegisterApp(appCode string, app AppBinding) error

	// CreateRuntime persists a NOT_STARTED runtime for the document.
	// It fails with ErrDuplicateRuntime if one already exists.
	CreateRuntime(ctx context.Context, appCode, docID, actorID string) (*Runtime, error)

	// Apply matches a workflow and runs the runtime until a stage needs
	// human approval or the graph is exhausted.
	Apply(ctx context.Context, runtimeID string) (*Runtime, error)

	// Advance moves a runtime past the stage with the given Seq. It is a
	// no-op when that stage is no longer current.
	Advance(ctx context.Context, runtimeID string, stageSeq int) (*Runtime, error)

	// Approve records one approver's action. It returns false, nil when the
	// assignee had already acted. When the last open assignee of a stage
	// acts, exactly one advance is scheduled.
	Approve(ctx context.Context, assigneeID, actorID, action, remark string) (bool, error)

	// OnDocumentSubmitted is the idempotent trigger point used by document
	// lifecycle hooks: it creates the runtime if needed and schedules Apply.
	OnDocumentSubmitted(ctx context.Context, appCode, docID, actorID string) (*Runtime, error)

	GetRuntime(ctx context.Context, id string) (*Runtime, error)
	FindRuntime(ctx context.Context, appCode, docID string) (*Runtime, error)
	ListRuntimes(ctx context.Context, opts RuntimeListOptions) ([]*Runtime, error)
	ListStages(ctx context.Context, runtimeID string) ([]*RuntimeStage, error)
	ListAssignees(ctx context.Context, runtimeID string, stageSeq int) ([]*RuntimeAssignee, error)
	ListLogs(ctx context.Context, runtimeID string) ([]RuntimeLog, error)

	// ResumeStalled re-pins a STALLED runtime to the latest version of its
	// workflow and follows associations from the stage it stalled on. It
	// fails with ErrRuntimeNotStalled for runtimes in any other state.
	ResumeStalled(ctx context.Context, runtimeID string) (*Runtime, error)

	// RequeueStranded re-schedules background work for runtimes whose task
	// never completed (for example after an enqueue failure or a crash).
	// It returns the number of tasks scheduled.
	RequeueStranded(ctx context.Context) (int, error)
}

// TaskRunner is implemented by engines so that workers can execute queued
// tasks directly, without scheduling them again.
type TaskRunner interface {
	RunApplyTask(ctx context.Context, taskID, runtimeID string) error
	RunAdvanceTask(ctx context.Context, taskID, runtimeID string, stageSeq int) error
	// FailTask marks the runtime's background task as failed after the
	// worker gave up on it.
	FailTask(ctx context.Context, taskID, runtimeID string, cause error) error
}
