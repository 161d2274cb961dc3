package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petrijr/flowgate/internal/graph"
	"github.com/petrijr/flowgate/internal/taskqueue"
	"github.com/petrijr/flowgate/pkg/api"
)

func TestOnDocumentSubmitted_InlineRunsApply(t *testing.T) {
	metrics := &api.BasicMetrics{}
	f := newFixture(t, Config{Observer: metrics}, doc("D1", nil))
	require.NoError(t, f.eng.RegisterWorkflow(approvalFlow(1)))
	ctx := context.Background()

	rt, err := f.eng.OnDocumentSubmitted(ctx, testApp, "D1", "u")
	require.NoError(t, err)
	assert.Equal(t, api.RuntimeInProgress, rt.State)
	assert.Equal(t, api.TaskSuccess, rt.TaskBgState)

	again, err := f.eng.OnDocumentSubmitted(ctx, testApp, "D1", "u")
	require.NoError(t, err)
	assert.Equal(t, rt.ID, again.ID)

	a := f.assignees(t, rt)[0]
	_, err = f.eng.Approve(ctx, a.ID, "E1", "approve", "")
	require.NoError(t, err)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.RuntimesCreated)
	assert.Equal(t, int64(3), snap.StagesEntered)
	assert.Equal(t, int64(1), snap.Approvals)
	assert.Equal(t, int64(2), snap.TasksScheduled)
	assert.Equal(t, int64(1), snap.RuntimesFinished)
	assert.Zero(t, snap.RuntimesFailed)
}

func TestOnDocumentSubmitted_QueuesDelayedApply(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue()
	f := newFixture(t, Config{Queue: queue, ApplyDelay: time.Minute}, doc("D1", nil))

	rt, err := f.eng.OnDocumentSubmitted(context.Background(), testApp, "D1", "u")
	require.NoError(t, err)
	assert.Equal(t, api.RuntimeNotStarted, rt.State)
	assert.Equal(t, api.TaskPending, rt.TaskBgState)
	require.Equal(t, 1, queue.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = queue.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "apply task must honor ApplyDelay")
}

func TestOnDocumentSubmitted_InlineFailureIsRecorded(t *testing.T) {
	wf := approvalFlow(1)
	wf.Nodes[1].Collaboration = api.CollabInForm
	wf.Nodes[1].OutForm = nil
	wf.Nodes[1].InForm = &api.InFormConfig{Property: "approver"}

	f := newFixture(t, Config{}, doc("D1", nil))
	require.NoError(t, f.eng.RegisterWorkflow(wf))

	_, err := f.eng.OnDocumentSubmitted(context.Background(), testApp, "D1", "u")
	require.ErrorIs(t, err, api.ErrMissingApprover)

	rt, err := f.eng.FindRuntime(context.Background(), testApp, "D1")
	require.NoError(t, err)
	assert.Equal(t, api.TaskFailure, rt.TaskBgState)
}

func TestDefaultSelector(t *testing.T) {
	reg := graph.NewRegistry()
	shared := approvalFlow(1)
	tenantA := approvalFlow(1)
	tenantA.ID = "tenant-a"
	tenantA.TenantID = "A"
	companyX := approvalFlow(1)
	companyX.ID = "company-x"
	companyX.TenantID = "B"
	companyX.CompanyID = "X"
	for _, wf := range []api.Workflow{shared, tenantA, companyX} {
		require.NoError(t, reg.Register(wf))
	}
	ctx := context.Background()

	got, err := DefaultSelector(ctx, reg, &api.Runtime{AppCode: testApp, TenantID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", got.ID)

	got, err = DefaultSelector(ctx, reg, &api.Runtime{AppCode: testApp, TenantID: "C"})
	require.NoError(t, err)
	assert.Equal(t, "order-approval", got.ID)

	got, err = DefaultSelector(ctx, reg, &api.Runtime{AppCode: testApp, TenantID: "B", CompanyID: "Y"})
	require.NoError(t, err)
	assert.Equal(t, "order-approval", got.ID, "company-scoped workflow must not leak")

	got, err = DefaultSelector(ctx, reg, &api.Runtime{AppCode: "hr.leave"})
	require.NoError(t, err)
	assert.Nil(t, got)

	second := approvalFlow(1)
	second.ID = "order-approval-2"
	require.NoError(t, reg.Register(second))
	_, err = DefaultSelector(ctx, reg, &api.Runtime{AppCode: testApp})
	assert.ErrorIs(t, err, api.ErrAmbiguousWorkflow)
}

func TestCustomSelectorAndConditions(t *testing.T) {
	calls := 0
	f := newFixture(t, Config{
		Selector: func(ctx context.Context, src api.WorkflowSource, rt *api.Runtime) (*api.Workflow, error) {
			calls++
			return DefaultSelector(ctx, src, rt)
		},
		Conditions: graph.AlwaysTrue,
	}, doc("D1", map[string]any{"amount": 1}))

	wf := approvalFlow(1)
	wf.Associations[0].Condition = api.Condition{Rules: []api.Rule{{Field: "amount", Op: "gt", Value: 100}}}
	require.NoError(t, f.eng.RegisterWorkflow(wf))

	rt := f.start(t, "D1")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, rt.CurrentSeq, "AlwaysTrue ignores the rule")
}

func TestCoordinator_RecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, Config{Tracer: tp.Tracer("test")}, doc("D1", nil))
	require.NoError(t, f.eng.RegisterWorkflow(approvalFlow(1)))

	rt := f.start(t, "D1")
	_, err := f.eng.CreateRuntime(context.Background(), testApp, "D1", "u")
	require.Error(t, err)

	names := map[string]codes.Code{}
	for _, s := range rec.Ended() {
		names[s.Name()] = s.Status().Code
	}
	assert.Contains(t, names, "flowgate.Apply")
	assert.Equal(t, codes.Error, names["flowgate.CreateRuntime"], "last CreateRuntime span failed")
	assert.NotEmpty(t, rt.ID)
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
