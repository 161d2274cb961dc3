package assignee

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowgate/pkg/api"
)

var amounts = api.ZoneScope{ZoneID: "z-amount", Title: "Amounts", PropertyIDs: []string{"amount", "currency"}}

func TestResolve_InForm(t *testing.T) {
	node := &api.Node{
		ID:            "manager",
		Collaboration: api.CollabInForm,
		InForm:        &api.InFormConfig{Property: "manager_id", Zones: []api.ZoneScope{amounts}},
	}

	got, err := Resolve(&api.Workflow{}, node, map[string]any{"manager_id": "E7"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]api.ZoneScope{"E7": {amounts}}, got)

	got, err = Resolve(&api.Workflow{}, node, map[string]any{"manager_id": []any{"E1", "E2", " "}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "E1")
	assert.Contains(t, got, "E2")

	got, err = Resolve(&api.Workflow{}, node, map[string]any{"manager_id": 42})
	require.NoError(t, err)
	assert.Contains(t, got, "42")
}

func TestResolve_InFormMissingApprover(t *testing.T) {
	node := &api.Node{
		ID:            "manager",
		Collaboration: api.CollabInForm,
		InForm:        &api.InFormConfig{Property: "manager_id"},
	}

	for _, params := range []map[string]any{
		nil,
		{"manager_id": nil},
		{"manager_id": ""},
		{"manager_id": []any{}},
	} {
		_, err := Resolve(&api.Workflow{}, node, params)
		require.Error(t, err)
		assert.True(t, errors.Is(err, api.ErrMissingApprover), "params %v: %v", params, err)
		assert.False(t, api.IsRetryable(err))
	}

	unconfigured := &api.Node{ID: "manager", Collaboration: api.CollabInForm}
	_, err := Resolve(&api.Workflow{}, unconfigured, map[string]any{"manager_id": "E1"})
	var mae *api.MissingApproverError
	require.ErrorAs(t, err, &mae)
	assert.Equal(t, "manager", mae.NodeID)
}

func TestResolve_OutForm(t *testing.T) {
	node := &api.Node{
		ID:            "finance",
		Collaboration: api.CollabOutForm,
		OutForm:       &api.OutFormConfig{Employees: []string{"E2", "E1", ""}, Zones: []api.ZoneScope{amounts}},
	}

	got, err := Resolve(&api.Workflow{}, node, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string][]api.ZoneScope{"E1": {amounts}, "E2": {amounts}}, got)

	sorted, err := Sorted(&api.Workflow{}, node, nil)
	require.NoError(t, err)
	require.Len(t, sorted, 2)
	assert.Equal(t, "E1", sorted[0].EmployeeID)
	assert.Equal(t, "E2", sorted[1].EmployeeID)
}

func TestResolve_InWorkflow(t *testing.T) {
	audit := api.ZoneScope{ZoneID: "z-audit", Title: "Audit"}
	wf := &api.Workflow{
		Bindings: []api.Binding{
			{NodeID: "review", EmployeeID: "E1", Zones: []api.ZoneScope{amounts}},
			{NodeID: "review", EmployeeID: "E1", Zones: []api.ZoneScope{amounts, audit}},
			{NodeID: "review", EmployeeID: "E3"},
			{NodeID: "other", EmployeeID: "E9"},
		},
	}
	node := &api.Node{ID: "review", Collaboration: api.CollabInWorkflow}

	got, err := Resolve(wf, node, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []api.ZoneScope{amounts, audit}, got["E1"])
	assert.Empty(t, got["E3"])
	assert.NotContains(t, got, "E9")
}

func TestResolve_NoCollaborationAutoAdvances(t *testing.T) {
	got, err := Resolve(&api.Workflow{}, &api.Node{ID: "start"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got, err = Resolve(&api.Workflow{}, &api.Node{ID: "x", Collaboration: api.CollabOutForm}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolve_UnknownCollaboration(t *testing.T) {
	_, err := Resolve(&api.Workflow{}, &api.Node{ID: "x", Collaboration: "telepathy"}, nil)
	assert.ErrorIs(t, err, api.ErrInvalidWorkflow)
}
