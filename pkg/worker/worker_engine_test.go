package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowgate/internal/engine"
	"github.com/petrijr/flowgate/internal/persistence"
	"github.com/petrijr/flowgate/internal/taskqueue"
	"github.com/petrijr/flowgate/pkg/api"
	"github.com/petrijr/flowgate/pkg/worker"
)

type staticDocs map[string]*api.Document

func (d staticDocs) Resolve(_ context.Context, id string) (*api.Document, error) {
	if doc, ok := d[id]; ok {
		return doc, nil
	}
	return nil, api.ErrDocumentNotFound
}

// flakyStore fails CommitStage for stage seq once.
type flakyStore struct {
	persistence.RuntimeStore
	seq    int
	failed atomic.Bool
}

func (s *flakyStore) CommitStage(ctx context.Context, c persistence.StageCommit) error {
	if c.Stage.Seq == s.seq && s.failed.CompareAndSwap(false, true) {
		return errors.New("connection reset")
	}
	return s.RuntimeStore.CommitStage(ctx, c)
}

func newLeaveEngine(t *testing.T, store persistence.RuntimeStore, queue taskqueue.Queue) *engine.Coordinator {
	t.Helper()
	eng, err := engine.New(engine.Config{Store: store, Queue: queue})
	require.NoError(t, err)

	require.NoError(t, eng.RegisterApp("hr.leave", api.AppBinding{
		Adapter: staticDocs{"L1": {ID: "L1", CreatorID: "u1", Fields: map[string]any{"days": 3}}},
	}))
	require.NoError(t, eng.RegisterWorkflow(api.Workflow{
		ID: "leave", Version: 1, AppCode: "hr.leave",
		Nodes: []api.Node{
			{ID: "start", SystemCode: api.SystemInitial},
			{ID: "manager", SystemCode: api.SystemApproved, Collaboration: api.CollabOutForm,
				OutForm: &api.OutFormConfig{Employees: []string{"M1"}}},
			{ID: "done", SystemCode: api.SystemCompleted},
		},
		Associations: []api.Association{
			{ID: "a1", NodeIn: "start", NodeOut: "manager"},
			{ID: "a2", NodeIn: "manager", NodeOut: "done"},
		},
	}))
	return eng
}

func processOne(t *testing.T, w *worker.Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
}

func TestWorker_DrivesRuntimeThroughQueue(t *testing.T) {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue()
	eng := newLeaveEngine(t, persistence.NewInMemoryStore(), queue)

	w := worker.NewWithConfig(eng, queue, worker.Config{MaxAttempts: 3, Backoff: 5 * time.Millisecond})
	process := func() { processOne(t, w) }

	rt, err := eng.OnDocumentSubmitted(ctx, "hr.leave", "L1", "u1")
	require.NoError(t, err)
	assert.Equal(t, api.RuntimeNotStarted, rt.State)

	process()

	rt, err = eng.GetRuntime(ctx, rt.ID)
	require.NoError(t, err)
	assert.Equal(t, api.RuntimeInProgress, rt.State)
	assert.Equal(t, api.TaskSuccess, rt.TaskBgState)

	as, err := eng.ListAssignees(ctx, rt.ID, rt.CurrentSeq)
	require.NoError(t, err)
	require.Len(t, as, 1)

	ok, err := eng.Approve(ctx, as[0].ID, "M1", "", "fine")
	require.NoError(t, err)
	require.True(t, ok)

	process()

	rt, err = eng.GetRuntime(ctx, rt.ID)
	require.NoError(t, err)
	assert.Equal(t, api.RuntimeCompleted, rt.State)
	assert.Equal(t, 3, rt.CurrentSeq)
	assert.Zero(t, queue.Len())
}

func TestWorker_RetryResumesInterruptedApply(t *testing.T) {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue()
	store := &flakyStore{RuntimeStore: persistence.NewInMemoryStore(), seq: 2}
	eng := newLeaveEngine(t, store, queue)
	w := worker.NewWithConfig(eng, queue, worker.Config{MaxAttempts: 5, Backoff: 5 * time.Millisecond})

	rt, err := eng.OnDocumentSubmitted(ctx, "hr.leave", "L1", "u1")
	require.NoError(t, err)

	// First attempt commits the initial stage, then fails; a retry is queued.
	processOne(t, w)
	require.Equal(t, 1, queue.Len())
	mid, err := eng.GetRuntime(ctx, rt.ID)
	require.NoError(t, err)
	require.Equal(t, 1, mid.CurrentSeq)

	processOne(t, w)

	rt, err = eng.GetRuntime(ctx, rt.ID)
	require.NoError(t, err)
	assert.Equal(t, api.RuntimeInProgress, rt.State)
	assert.Equal(t, 2, rt.CurrentSeq, "the manager stage is entered on retry")
	assert.Equal(t, api.TaskSuccess, rt.TaskBgState)

	as, err := eng.ListAssignees(ctx, rt.ID, rt.CurrentSeq)
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, "M1", as[0].EmployeeID)

	n, err := eng.RequeueStranded(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
