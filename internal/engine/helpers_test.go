package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowgate/internal/persistence"
	"github.com/petrijr/flowgate/internal/taskqueue"
	"github.com/petrijr/flowgate/pkg/api"
)

const testApp = "sales.order"

// docTable is a DocumentAdapter over a fixed set of documents.
type docTable struct {
	mu   sync.Mutex
	docs map[string]*api.Document
}

func newDocTable(docs ...*api.Document) *docTable {
	t := &docTable{docs: make(map[string]*api.Document)}
	for _, d := range docs {
		t.docs[d.ID] = d
	}
	return t
}

func (t *docTable) Resolve(_ context.Context, docID string) (*api.Document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[docID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrDocumentNotFound, docID)
	}
	return d, nil
}

func doc(id string, fields map[string]any) *api.Document {
	return &api.Document{ID: id, CreatorID: "creator", Fields: fields}
}

// flakyQueue wraps an in-memory queue and fails Enqueue while fail is set.
type flakyQueue struct {
	*taskqueue.InMemoryQueue
	fail  atomic.Bool
	calls atomic.Int32
}

func (q *flakyQueue) Enqueue(ctx context.Context, t taskqueue.Task) error {
	q.calls.Add(1)
	if q.fail.Load() {
		return errors.New("queue unavailable")
	}
	return q.InMemoryQueue.Enqueue(ctx, t)
}

type fixture struct {
	eng   *Coordinator
	store persistence.RuntimeStore
	docs  *docTable
}

func newFixture(t *testing.T, cfg Config, docs ...*api.Document) *fixture {
	t.Helper()

	if cfg.Store == nil {
		cfg.Store = persistence.NewInMemoryStore()
	}
	eng, err := New(cfg)
	require.NoError(t, err)

	table := newDocTable(docs...)
	require.NoError(t, eng.RegisterApp(testApp, api.AppBinding{Adapter: table, TitleField: "title"}))
	return &fixture{eng: eng, store: cfg.Store, docs: table}
}

func (f *fixture) start(t *testing.T, docID string) *api.Runtime {
	t.Helper()
	rt, err := f.eng.CreateRuntime(context.Background(), testApp, docID, "creator")
	require.NoError(t, err)
	rt, err = f.eng.Apply(context.Background(), rt.ID)
	require.NoError(t, err)
	return rt
}

func (f *fixture) assignees(t *testing.T, rt *api.Runtime) []*api.RuntimeAssignee {
	t.Helper()
	as, err := f.eng.ListAssignees(context.Background(), rt.ID, rt.CurrentSeq)
	require.NoError(t, err)
	return as
}

func (f *fixture) logKinds(t *testing.T, runtimeID string) []api.LogKind {
	t.Helper()
	logs, err := f.eng.ListLogs(context.Background(), runtimeID)
	require.NoError(t, err)
	kinds := make([]api.LogKind, len(logs))
	for i, l := range logs {
		kinds[i] = l.Kind
	}
	return kinds
}

func countKind(kinds []api.LogKind, k api.LogKind) int {
	n := 0
	for _, v := range kinds {
		if v == k {
			n++
		}
	}
	return n
}

func outForm(employees ...string) *api.OutFormConfig {
	return &api.OutFormConfig{
		Employees: employees,
		Zones:     []api.ZoneScope{{ZoneID: "z1", Title: "Header", PropertyIDs: []string{"amount"}}},
	}
}

// approvalFlow is initial -> approved(E1, out-form) -> completed.
func approvalFlow(version int) api.Workflow {
	return api.Workflow{
		ID:      "order-approval",
		Version: version,
		Title:   "Order approval",
		AppCode: testApp,
		Nodes: []api.Node{
			{ID: "start", SystemCode: api.SystemInitial, Title: "Start"},
			{ID: "approve", SystemCode: api.SystemApproved, Title: "Approve",
				Actions: []string{"approve", "reject"}, Collaboration: api.CollabOutForm, OutForm: outForm("E1")},
			{ID: "done", SystemCode: api.SystemCompleted, Title: "Done"},
		},
		Associations: []api.Association{
			{ID: "a1", NodeIn: "start", NodeOut: "approve"},
			{ID: "a2", NodeIn: "approve", NodeOut: "done"},
		},
	}
}

// chainFlow is initial -> review(employees, out-form) -> completed.
func chainFlow(employees ...string) api.Workflow {
	wf := approvalFlow(1)
	wf.ID = "chain"
	wf.Nodes[1] = api.Node{ID: "approve", Title: "Review", Collaboration: api.CollabOutForm, OutForm: outForm(employees...)}
	return wf
}
