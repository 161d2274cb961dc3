package graph

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowgate/pkg/api"
)

func simpleWorkflow(id string, version int, appCode, tenant string) api.Workflow {
	return api.Workflow{
		ID:       id,
		Version:  version,
		AppCode:  appCode,
		TenantID: tenant,
		Nodes: []api.Node{
			{ID: "start", SystemCode: api.SystemInitial, Actions: []string{"submit"}},
			{ID: "done", SystemCode: api.SystemCompleted},
		},
		Associations: []api.Association{{ID: "a1", NodeIn: "start", NodeOut: "done"}},
	}
}

func TestRegistry_RegisterVersions(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(simpleWorkflow("po", 1, "sales.order", "")))
	require.NoError(t, r.Register(simpleWorkflow("po", 2, "sales.order", "")))

	err := r.Register(simpleWorkflow("po", 2, "sales.order", ""))
	assert.ErrorIs(t, err, api.ErrWorkflowExists)

	assert.Equal(t, []int{1, 2}, r.Versions("po"))

	latest, err := r.Latest("po")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	v1, err := r.Get("po", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	_, err = r.Get("po", 3)
	assert.ErrorIs(t, err, api.ErrWorkflowNotFound)
	_, err = r.Latest("missing")
	assert.ErrorIs(t, err, api.ErrWorkflowNotFound)
}

func TestRegistry_RejectsInvalidWorkflows(t *testing.T) {
	r := NewRegistry()

	wf := simpleWorkflow("po", 1, "sales.order", "")
	wf.Nodes[0].SystemCode = api.SystemNone
	assert.ErrorIs(t, r.Register(wf), api.ErrMissingInitialNode)

	wf = simpleWorkflow("po", 1, "salesorder", "")
	assert.ErrorIs(t, r.Register(wf), api.ErrInvalidWorkflow)

	wf = simpleWorkflow("po", 1, "sales.order", "")
	wf.Associations = append(wf.Associations, api.Association{ID: "a2", NodeIn: "start", NodeOut: "nowhere"})
	assert.ErrorIs(t, r.Register(wf), api.ErrInvalidWorkflow)
}

func TestRegistry_StoresPrivateCopy(t *testing.T) {
	r := NewRegistry()
	wf := simpleWorkflow("po", 1, "sales.order", "")
	require.NoError(t, r.Register(wf))

	wf.Nodes[0].Actions[0] = "mutated"
	wf.Nodes[0].Title = "mutated"

	got, err := r.Get("po", 1)
	require.NoError(t, err)
	assert.Equal(t, "submit", got.Nodes[0].Actions[0])
	assert.Empty(t, got.Nodes[0].Title)
}

func TestRegistry_CopiesNestedSlices(t *testing.T) {
	r := NewRegistry()
	wf := simpleWorkflow("po", 1, "sales.order", "")
	wf.Bindings = []api.Binding{{
		NodeID:     wf.Nodes[0].ID,
		EmployeeID: "E1",
		Zones:      []api.ZoneScope{{ZoneID: "z1", PropertyIDs: []string{"amount"}}},
	}}
	wf.Associations[0].Condition = api.Condition{Rules: []api.Rule{
		{Field: "region", Op: "in", Value: []any{"eu", "us"}},
		{Field: "tags", Op: "contains", Value: []string{"urgent"}},
	}}
	require.NoError(t, r.Register(wf))

	wf.Bindings[0].Zones[0].PropertyIDs[0] = "mutated"
	wf.Bindings[0].Zones[0].ZoneID = "mutated"
	wf.Associations[0].Condition.Rules[0].Value.([]any)[0] = "mutated"
	wf.Associations[0].Condition.Rules[1].Value.([]string)[0] = "mutated"

	got, err := r.Get("po", 1)
	require.NoError(t, err)
	assert.Equal(t, "z1", got.Bindings[0].Zones[0].ZoneID)
	assert.Equal(t, []string{"amount"}, got.Bindings[0].Zones[0].PropertyIDs)
	assert.Equal(t, []any{"eu", "us"}, got.Associations[0].Condition.Rules[0].Value)
	assert.Equal(t, []string{"urgent"}, got.Associations[0].Condition.Rules[1].Value)
}

func TestRegistry_ForApp(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(simpleWorkflow("po", 1, "sales.order", "")))
	require.NoError(t, r.Register(simpleWorkflow("po", 2, "sales.order", "")))
	require.NoError(t, r.Register(simpleWorkflow("po-acme", 1, "sales.order", "acme")))
	require.NoError(t, r.Register(simpleWorkflow("inv", 1, "finance.invoice", "")))

	got := r.ForApp("sales.order", "")
	require.Len(t, got, 1)
	assert.Equal(t, "po", got[0].ID)
	assert.Equal(t, 2, got[0].Version)

	got = r.ForApp("sales.order", "acme")
	require.Len(t, got, 2)
	assert.Equal(t, "po", got[0].ID)
	assert.Equal(t, "po-acme", got[1].ID)

	assert.Empty(t, r.ForApp("hr.leave", ""))
}

const approvalYAML = `
id: expense
version: 1
title: Expense approval
app_code: finance.expense
nodes:
  - id: start
    system_code: initial
    title: Submitted
  - id: manager
    title: Manager review
    actions: [approve, reject]
    collaboration: in-form
    in_form:
      property: manager_id
      zones:
        - zone_id: z1
          title: Amounts
          property_ids: [amount]
  - id: done
    system_code: completed
    title: Done
associations:
  - id: to-manager
    from: start
    to: manager
    condition:
      rules:
        - field: amount
          op: gt
          value: 100
  - id: skip
    from: start
    to: done
    condition:
      rules:
        - field: amount
          op: lte
          value: 100
  - id: finish
    from: manager
    to: done
`

func TestParseWorkflowYAML(t *testing.T) {
	wfs, err := ParseWorkflowYAML([]byte(approvalYAML))
	require.NoError(t, err)
	require.Len(t, wfs, 1)

	wf := wfs[0]
	assert.Equal(t, "finance.expense", wf.AppCode)
	require.Len(t, wf.Nodes, 3)

	manager, ok := wf.Node("manager")
	require.True(t, ok)
	assert.Equal(t, api.CollabInForm, manager.Collaboration)
	require.NotNil(t, manager.InForm)
	assert.Equal(t, "manager_id", manager.InForm.Property)
	assert.Equal(t, []string{"amount"}, manager.InForm.Zones[0].PropertyIDs)

	next, err := Next(&wf, "start", map[string]any{"amount": 500}, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "to-manager", next.ID)

	next, err = Next(&wf, "start", map[string]any{"amount": 50}, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "skip", next.ID)
}

func TestParseWorkflowYAML_Errors(t *testing.T) {
	_, err := ParseWorkflowYAML([]byte("   "))
	assert.Error(t, err)

	_, err = ParseWorkflowYAML([]byte("id: x\nversion: 1\nunknown_field: 1\n"))
	assert.Error(t, err)

	_, err = ParseWorkflowYAML([]byte("id: x\nversion: 1\napp_code: a.b\nnodes: [{id: n1}]\n"))
	if !errors.Is(err, api.ErrMissingInitialNode) {
		t.Fatalf("expected ErrMissingInitialNode, got %v", err)
	}
}

func TestLoadWorkflowDir_RegistersAllFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "expense.yaml"), []byte(approvalYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	second := "id: leave\nversion: 3\napp_code: hr.leave\nnodes: [{id: s, system_code: initial}]\n" +
		"---\nid: leave\nversion: 4\napp_code: hr.leave\nnodes: [{id: s, system_code: initial}]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leave.yml"), []byte(second), 0o600))

	files, err := LoadWorkflowDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	r := NewRegistry()
	n, err := r.RegisterDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{3, 4}, r.Versions("leave"))
}

func TestLoadWorkflowDir_MissingDirectory(t *testing.T) {
	files, err := LoadWorkflowDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, files)
}
