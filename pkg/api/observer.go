package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay stage transitions.
type Observer interface {
	// OnRuntimeCreated is called once a runtime has been persisted.
	OnRuntimeCreated(ctx context.Context, rt *Runtime)

	// OnStageEntered is called after a stage and its assignees have been
	// committed. assignees is zero for auto-advancing stages.
	OnStageEntered(ctx context.Context, rt *Runtime, stage *RuntimeStage, assignees int)

	// OnApproval is called after an assignee's action has been recorded.
	OnApproval(ctx context.Context, rt *Runtime, assignee *RuntimeAssignee, action string)

	// OnTaskScheduled is called when background work has been handed to
	// the task queue. kind is "apply" or "advance".
	OnTaskScheduled(ctx context.Context, rt *Runtime, kind string)

	// OnRuntimeFinished is called when a runtime reaches COMPLETED or
	// FINISHED_NO_FLOW.
	OnRuntimeFinished(ctx context.Context, rt *Runtime)

	// OnRuntimeStalled is called when a runtime parks at a dead end.
	OnRuntimeStalled(ctx context.Context, rt *Runtime, stage *RuntimeStage)

	// OnRuntimeFailed is called when apply/advance returns an error.
	OnRuntimeFailed(ctx context.Context, rt *Runtime, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRuntimeCreated(ctx context.Context, rt *Runtime) {}
func (NoopObserver) OnStageEntered(ctx context.Context, rt *Runtime, stage *RuntimeStage, n int) {
}
func (NoopObserver) OnApproval(ctx context.Context, rt *Runtime, a *RuntimeAssignee, action string) {
}
func (NoopObserver) OnTaskScheduled(ctx context.Context, rt *Runtime, kind string)  {}
func (NoopObserver) OnRuntimeFinished(ctx context.Context, rt *Runtime)             {}
func (NoopObserver) OnRuntimeStalled(ctx context.Context, rt *Runtime, s *RuntimeStage) {}
func (NoopObserver) OnRuntimeFailed(ctx context.Context, rt *Runtime, err error)    {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRuntimeCreated(ctx context.Context, rt *Runtime) {
	for _, o := range c.observers {
		o.OnRuntimeCreated(ctx, rt)
	}
}

func (c *CompositeObserver) OnStageEntered(ctx context.Context, rt *Runtime, stage *RuntimeStage, n int) {
	for _, o := range c.observers {
		o.OnStageEntered(ctx, rt, stage, n)
	}
}

func (c *CompositeObserver) OnApproval(ctx context.Context, rt *Runtime, a *RuntimeAssignee, action string) {
	for _, o := range c.observers {
		o.OnApproval(ctx, rt, a, action)
	}
}

func (c *CompositeObserver) OnTaskScheduled(ctx context.Context, rt *Runtime, kind string) {
	for _, o := range c.observers {
		o.OnTaskScheduled(ctx, rt, kind)
	}
}

func (c *CompositeObserver) OnRuntimeFinished(ctx context.Context, rt *Runtime) {
	for _, o := range c.observers {
		o.OnRuntimeFinished(ctx, rt)
	}
}

func (c *CompositeObserver) OnRuntimeStalled(ctx context.Context, rt *Runtime, s *RuntimeStage) {
	for _, o := range c.observers {
		o.OnRuntimeStalled(ctx, rt, s)
	}
}

func (c *CompositeObserver) OnRuntimeFailed(ctx context.Context, rt *Runtime, err error) {
	for _, o := range c.observers {
		o.OnRuntimeFailed(ctx, rt, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs runtime lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func runtimeAttrs(rt *Runtime) []any {
	return []any{
		slog.String("runtime_id", rt.ID),
		slog.String("app_code", rt.AppCode),
		slog.String("doc_id", rt.DocID),
	}
}

func (o *LoggingObserver) OnRuntimeCreated(ctx context.Context, rt *Runtime) {
	o.Logger.InfoContext(ctx, "runtime_created", runtimeAttrs(rt)...)
}

func (o *LoggingObserver) OnStageEntered(ctx context.Context, rt *Runtime, stage *RuntimeStage, n int) {
	o.Logger.InfoContext(ctx, "stage_entered", append(runtimeAttrs(rt),
		slog.Int("seq", stage.Seq),
		slog.String("node", stage.Node.ID),
		slog.String("system_code", string(stage.Node.SystemCode)),
		slog.Int("assignees", n),
	)...)
}

func (o *LoggingObserver) OnApproval(ctx context.Context, rt *Runtime, a *RuntimeAssignee, action string) {
	o.Logger.InfoContext(ctx, "approval_recorded", append(runtimeAttrs(rt),
		slog.Int("seq", a.StageSeq),
		slog.String("employee_id", a.EmployeeID),
		slog.String("action", action),
	)...)
}

func (o *LoggingObserver) OnTaskScheduled(ctx context.Context, rt *Runtime, kind string) {
	o.Logger.DebugContext(ctx, "task_scheduled", append(runtimeAttrs(rt),
		slog.String("kind", kind),
		slog.String("task_id", rt.TaskBgID),
	)...)
}

func (o *LoggingObserver) OnRuntimeFinished(ctx context.Context, rt *Runtime) {
	o.Logger.InfoContext(ctx, "runtime_finished", append(runtimeAttrs(rt),
		slog.String("state", rt.State.String()),
	)...)
}

func (o *LoggingObserver) OnRuntimeStalled(ctx context.Context, rt *Runtime, s *RuntimeStage) {
	o.Logger.WarnContext(ctx, "runtime_stalled", append(runtimeAttrs(rt),
		slog.Int("seq", s.Seq),
		slog.String("node", s.Node.ID),
	)...)
}

func (o *LoggingObserver) OnRuntimeFailed(ctx context.Context, rt *Runtime, err error) {
	o.Logger.ErrorContext(ctx, "runtime_failed", append(runtimeAttrs(rt),
		slog.Any("error", err),
	)...)
}

// BasicMetrics collects simple counters. It implements Observer and can be
// combined with LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runtimesCreated  atomic.Int64
	runtimesFinished atomic.Int64
	runtimesStalled  atomic.Int64
	runtimesFailed   atomic.Int64
	stagesEntered    atomic.Int64
	approvals        atomic.Int64
	tasksScheduled   atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RuntimesCreated  int64
	RuntimesFinished int64
	RuntimesStalled  int64
	RuntimesFailed   int64
	StagesEntered    int64
	Approvals        int64
	TasksScheduled   int64
}

func (m *BasicMetrics) OnRuntimeCreated(ctx context.Context, rt *Runtime) {
	m.runtimesCreated.Add(1)
}

func (m *BasicMetrics) OnStageEntered(ctx context.Context, rt *Runtime, stage *RuntimeStage, n int) {
	m.stagesEntered.Add(1)
}

func (m *BasicMetrics) OnApproval(ctx context.Context, rt *Runtime, a *RuntimeAssignee, action string) {
	m.approvals.Add(1)
}

func (m *BasicMetrics) OnTaskScheduled(ctx context.Context, rt *Runtime, kind string) {
	m.tasksScheduled.Add(1)
}

func (m *BasicMetrics) OnRuntimeFinished(ctx context.Context, rt *Runtime) {
	m.runtimesFinished.Add(1)
}

func (m *BasicMetrics) OnRuntimeStalled(ctx context.Context, rt *Runtime, s *RuntimeStage) {
	m.runtimesStalled.Add(1)
}

func (m *BasicMetrics) OnRuntimeFailed(ctx context.Context, rt *Runtime, err error) {
	m.runtimesFailed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	return BasicMetricsSnapshot{
		RuntimesCreated:  m.runtimesCreated.Load(),
		RuntimesFinished: m.runtimesFinished.Load(),
		RuntimesStalled:  m.runtimesStalled.Load(),
		RuntimesFailed:   m.runtimesFailed.Load(),
		StagesEntered:    m.stagesEntered.Load(),
		Approvals:        m.approvals.Load(),
		TasksScheduled:   m.tasksScheduled.Load(),
	}
}
