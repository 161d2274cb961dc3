package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/flowgate/internal/graph"
	"github.com/petrijr/flowgate/internal/persistence"
	"github.com/petrijr/flowgate/internal/taskqueue"
	"github.com/petrijr/flowgate/pkg/api"
)

const (
	defaultEnqueueAttempts = 3
	defaultEnqueueBackoff  = 50 * time.Millisecond
	defaultMaxAutoAdvance  = 256
	defaultStrandedAfter   = 5 * time.Minute
)

// Config describes how to construct a Coordinator. Only Store is required.
type Config struct {
	Store persistence.RuntimeStore

	// Queue receives apply and advance tasks. When nil, tasks run inline
	// in the caller's goroutine.
	Queue taskqueue.Queue

	// Workflows is the graph store. A fresh registry is used when nil.
	Workflows *graph.Registry

	Observer api.Observer
	Logger   *slog.Logger

	// Conditions evaluates association guards. Defaults to graph.EvaluateRules.
	Conditions api.ConditionFunc

	// Selector picks the workflow for a runtime. Defaults to DefaultSelector.
	Selector api.WorkflowSelector

	// ApplyDelay postpones queued apply tasks. Hosts that publish document
	// events after commit leave it at zero.
	ApplyDelay time.Duration

	// EnqueueAttempts bounds how often a failing Enqueue is retried before
	// the runtime's task is marked FAILURE.
	EnqueueAttempts int
	EnqueueBackoff  time.Duration

	// MaxAutoAdvance bounds the number of stages entered by one call.
	MaxAutoAdvance int

	// StrandedAfter is how long a PENDING or STARTED task may sit before
	// RequeueStranded reschedules it.
	StrandedAfter time.Duration

	Tracer trace.Tracer
}

// Coordinator is the runtime state machine. It implements api.Engine and
// api.TaskRunner and is safe for concurrent use; all coordination between
// processes goes through the store's compare-and-swap writes.
type Coordinator struct {
	workflows *graph.Registry
	apps      *appRegistry
	store     persistence.RuntimeStore
	queue     taskqueue.Queue

	observer api.Observer
	logger   *slog.Logger
	tracer   trace.Tracer

	eval     api.ConditionFunc
	selector api.WorkflowSelector

	applyDelay      time.Duration
	enqueueAttempts int
	enqueueBackoff  time.Duration
	maxAutoAdvance  int
	strandedAfter   time.Duration

	now func() time.Time
}

var (
	_ api.Engine     = (*Coordinator)(nil)
	_ api.TaskRunner = (*Coordinator)(nil)
)

// New creates a Coordinator from cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: runtime store is required")
	}

	c := &Coordinator{
		workflows:       cfg.Workflows,
		apps:            newAppRegistry(),
		store:           cfg.Store,
		queue:           cfg.Queue,
		observer:        cfg.Observer,
		logger:          cfg.Logger,
		tracer:          cfg.Tracer,
		eval:            cfg.Conditions,
		selector:        cfg.Selector,
		applyDelay:      cfg.ApplyDelay,
		enqueueAttempts: cfg.EnqueueAttempts,
		enqueueBackoff:  cfg.EnqueueBackoff,
		maxAutoAdvance:  cfg.MaxAutoAdvance,
		strandedAfter:   cfg.StrandedAfter,
		now:             func() time.Time { return time.Now().UTC() },
	}
	if c.workflows == nil {
		c.workflows = graph.NewRegistry()
	}
	if c.observer == nil {
		c.observer = api.NoopObserver{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/petrijr/flowgate/engine")
	}
	if c.eval == nil {
		c.eval = graph.EvaluateRules
	}
	if c.selector == nil {
		c.selector = DefaultSelector
	}
	if c.enqueueAttempts <= 0 {
		c.enqueueAttempts = defaultEnqueueAttempts
	}
	if c.enqueueBackoff <= 0 {
		c.enqueueBackoff = defaultEnqueueBackoff
	}
	if c.maxAutoAdvance <= 0 {
		c.maxAutoAdvance = defaultMaxAutoAdvance
	}
	if c.strandedAfter <= 0 {
		c.strandedAfter = defaultStrandedAfter
	}
	return c, nil
}

// Workflows exposes the graph store.
func (c *Coordinator) Workflows() *graph.Registry { return c.workflows }

// Apps returns the registered application codes, sorted.
func (c *Coordinator) Apps() []string { return c.apps.Codes() }

func (c *Coordinator) RegisterWorkflow(wf api.Workflow) error {
	return c.workflows.Register(wf)
}

func (c *Coordinator) RegisterApp(appCode string, app api.AppBinding) error {
	return c.apps.Register(appCode, app)
}

func (c *Coordinator) CreateRuntime(ctx context.Context, appCode, docID, actorID string) (_ *api.Runtime, err error) {
	ctx, span := c.startSpan(ctx, "CreateRuntime",
		attribute.String("app.code", appCode),
		attribute.String("doc.id", docID),
	)
	defer func() { endSpan(span, err) }()

	app, err := c.apps.Get(appCode)
	if err != nil {
		return nil, err
	}

	doc, err := app.Adapter.Resolve(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", appCode, docID, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s/%s", api.ErrDocumentNotFound, appCode, docID)
	}

	now := c.now()
	rt := &api.Runtime{
		ID:                 uuid.NewString(),
		AppCode:            appCode,
		DocID:              docID,
		TenantID:           doc.TenantID,
		CompanyID:          doc.CompanyID,
		DocParams:          maps.Clone(doc.Fields),
		DocEmployeeCreated: doc.CreatorID,
		State:              api.RuntimeNotStarted,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if rt.DocEmployeeCreated == "" {
		rt.DocEmployeeCreated = actorID
	}
	if app.TitleField != "" {
		if v, ok := doc.Fields[app.TitleField]; ok && v != nil {
			rt.DocTitle = fmt.Sprint(v)
		}
	}

	if err := c.store.InsertRuntime(ctx, rt); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("runtime.id", rt.ID))
	c.observer.OnRuntimeCreated(ctx, rt)
	return rt, nil
}

func (c *Coordinator) Apply(ctx context.Context, runtimeID string) (_ *api.Runtime, err error) {
	ctx, span := c.startSpan(ctx, "Apply", attribute.String("runtime.id", runtimeID))
	defer func() { endSpan(span, err) }()

	rt, err := c.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return nil, err
	}
	switch rt.State {
	case api.RuntimeNotStarted:
		rt, err = c.apply(ctx, rt)
	case api.RuntimeInProgress:
		// A retry of an apply that was interrupted mid-chain.
		rt, err = c.resume(ctx, rt)
	default:
		return rt, nil
	}
	return c.settle(ctx, runtimeID, rt, err)
}

func (c *Coordinator) apply(ctx context.Context, rt *api.Runtime) (*api.Runtime, error) {
	wf, err := c.selector(ctx, c.workflows, rt)
	if err != nil {
		return rt, err
	}

	if wf == nil {
		expect := persistence.ExpectOf(rt)
		rt.State = api.RuntimeFinishedNoFlow
		rt.UpdatedAt = c.now()
		entry := c.newLog(rt, 0, "", api.LogNoFlow, "", "no workflow configured for "+rt.AppCode)
		if err := c.store.TransitionRuntime(ctx, rt, expect, entry); err != nil {
			return rt, err
		}
		c.observer.OnRuntimeFinished(ctx, rt)
		return rt, nil
	}

	initial, err := graph.InitialNode(wf)
	if err != nil {
		return rt, err
	}

	rt.FlowID = wf.ID
	rt.FlowVersion = wf.Version
	return c.drive(ctx, wf, rt, initial, "")
}

func (c *Coordinator) Advance(ctx context.Context, runtimeID string, stageSeq int) (_ *api.Runtime, err error) {
	ctx, span := c.startSpan(ctx, "Advance",
		attribute.String("runtime.id", runtimeID),
		attribute.Int("stage.seq", stageSeq),
	)
	defer func() { endSpan(span, err) }()

	rt, err := c.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return nil, err
	}
	if rt.State == api.RuntimeInProgress && rt.CurrentSeq > stageSeq {
		// Either a duplicate delivery or a retry of a pass that committed
		// some stages before failing; only the latter has work left.
		rt, err = c.resume(ctx, rt)
		return c.settle(ctx, runtimeID, rt, err)
	}
	if rt.State != api.RuntimeInProgress || rt.CurrentSeq != stageSeq {
		c.logger.Debug("advance skipped",
			slog.String("runtime_id", runtimeID),
			slog.Int("stage_seq", stageSeq),
			slog.Int("current_seq", rt.CurrentSeq),
			slog.String("state", rt.State.String()),
		)
		return rt, nil
	}

	stage, err := c.store.GetStage(ctx, runtimeID, stageSeq)
	if err != nil {
		return rt, err
	}
	wf, err := c.workflows.Get(rt.FlowID, rt.FlowVersion)
	if err != nil {
		return rt, err
	}

	rt, err = c.runNext(ctx, wf, rt, stage)
	return c.settle(ctx, runtimeID, rt, err)
}

func (c *Coordinator) ResumeStalled(ctx context.Context, runtimeID string) (_ *api.Runtime, err error) {
	ctx, span := c.startSpan(ctx, "ResumeStalled", attribute.String("runtime.id", runtimeID))
	defer func() { endSpan(span, err) }()

	rt, err := c.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return nil, err
	}
	if rt.State != api.RuntimeStalled {
		return rt, fmt.Errorf("%w: runtime %s is %s", api.ErrRuntimeNotStalled, rt.ID, rt.State)
	}

	stage, err := c.store.GetStage(ctx, rt.ID, rt.CurrentSeq)
	if err != nil {
		return rt, err
	}
	wf, err := c.workflows.Latest(rt.FlowID)
	if err != nil {
		return rt, err
	}
	if _, ok := wf.Node(stage.Node.ID); !ok {
		return rt, fmt.Errorf("%w: workflow %s version %d has no node %s",
			api.ErrInvalidWorkflow, wf.ID, wf.Version, stage.Node.ID)
	}

	c.logger.Info("resuming stalled runtime",
		slog.String("runtime_id", rt.ID),
		slog.Int("from_version", rt.FlowVersion),
		slog.Int("to_version", wf.Version),
	)
	rt.FlowVersion = wf.Version
	rt, err = c.runNext(ctx, wf, rt, stage)
	return c.settle(ctx, runtimeID, rt, err)
}

func (c *Coordinator) Approve(ctx context.Context, assigneeID, actorID, action, remark string) (_ bool, err error) {
	ctx, span := c.startSpan(ctx, "Approve",
		attribute.String("assignee.id", assigneeID),
		attribute.String("action", action),
	)
	defer func() { endSpan(span, err) }()

	a, err := c.store.GetAssignee(ctx, assigneeID)
	if err != nil {
		return false, err
	}
	if a.IsDone {
		return false, nil
	}

	rt, err := c.store.GetRuntime(ctx, a.RuntimeID)
	if err != nil {
		return false, err
	}
	if rt.State != api.RuntimeInProgress {
		return false, fmt.Errorf("%w: runtime %s is %s", api.ErrRuntimeNotRunning, rt.ID, rt.State)
	}
	if rt.CurrentSeq != a.StageSeq {
		return false, fmt.Errorf("%w: assignee %s is on stage %d, runtime %s is on stage %d",
			api.ErrStageNotActive, a.ID, a.StageSeq, rt.ID, rt.CurrentSeq)
	}

	stage, err := c.store.GetStage(ctx, rt.ID, a.StageSeq)
	if err != nil {
		return false, err
	}
	if len(stage.Actions) > 0 && !slices.Contains(stage.Actions, action) {
		return false, fmt.Errorf("%w: %q on stage %q", api.ErrActionNotAllowed, action, stage.Node.ID)
	}

	now := c.now()
	applied, remaining, err := c.store.CompleteAssignee(ctx, persistence.AssigneeCompletion{
		AssigneeID: a.ID,
		Action:     action,
		Log:        c.newLog(rt, a.StageSeq, actorID, api.LogAction, action, remark),
		At:         now,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	a.IsDone = true
	a.UpdatedAt = now
	c.observer.OnApproval(ctx, rt, a, action)

	if remaining > 0 {
		return true, nil
	}
	// Only the caller that observed remaining == 0 gets here.
	return true, c.schedule(ctx, rt, taskqueue.TaskTypeAdvance, a.StageSeq, 0)
}

func (c *Coordinator) OnDocumentSubmitted(ctx context.Context, appCode, docID, actorID string) (*api.Runtime, error) {
	rt, err := c.CreateRuntime(ctx, appCode, docID, actorID)
	if errors.Is(err, api.ErrDuplicateRuntime) {
		return c.store.FindRuntime(ctx, appCode, docID)
	}
	if err != nil {
		return nil, err
	}

	if err := c.schedule(ctx, rt, taskqueue.TaskTypeApply, 0, c.applyDelay); err != nil {
		return rt, err
	}
	return c.store.GetRuntime(ctx, rt.ID)
}

func (c *Coordinator) GetRuntime(ctx context.Context, id string) (*api.Runtime, error) {
	return c.store.GetRuntime(ctx, id)
}

func (c *Coordinator) FindRuntime(ctx context.Context, appCode, docID string) (*api.Runtime, error) {
	return c.store.FindRuntime(ctx, appCode, docID)
}

func (c *Coordinator) ListRuntimes(ctx context.Context, opts api.RuntimeListOptions) ([]*api.Runtime, error) {
	return c.store.ListRuntimes(ctx, opts)
}

func (c *Coordinator) ListStages(ctx context.Context, runtimeID string) ([]*api.RuntimeStage, error) {
	return c.store.ListStages(ctx, runtimeID)
}

func (c *Coordinator) ListAssignees(ctx context.Context, runtimeID string, stageSeq int) ([]*api.RuntimeAssignee, error) {
	return c.store.ListAssignees(ctx, runtimeID, stageSeq)
}

func (c *Coordinator) ListLogs(ctx context.Context, runtimeID string) ([]api.RuntimeLog, error) {
	return c.store.ListLogs(ctx, runtimeID)
}

// settle turns a lost compare-and-swap race into a successful no-op: some
// other caller moved the runtime first, so the fresh row is the answer.
func (c *Coordinator) settle(ctx context.Context, runtimeID string, rt *api.Runtime, err error) (*api.Runtime, error) {
	if errors.Is(err, persistence.ErrStaleRuntime) {
		c.logger.Debug("runtime moved concurrently", slog.String("runtime_id", runtimeID))
		return c.store.GetRuntime(ctx, runtimeID)
	}
	return rt, err
}

func (c *Coordinator) newLog(rt *api.Runtime, seq int, actor string, kind api.LogKind, action, msg string) api.RuntimeLog {
	return api.RuntimeLog{
		ID:        uuid.NewString(),
		RuntimeID: rt.ID,
		StageSeq:  seq,
		ActorID:   actor,
		Kind:      kind,
		Action:    action,
		Msg:       msg,
		CreatedAt: c.now(),
	}
}
