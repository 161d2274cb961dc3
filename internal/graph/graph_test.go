package graph

import (
	"errors"
	"testing"

	"github.com/petrijr/flowgate/pkg/api"
)

func cond(field, op string, value any) api.Condition {
	return api.Condition{Rules: []api.Rule{{Field: field, Op: op, Value: value}}}
}

func branchingWorkflow(a, b api.Condition) *api.Workflow {
	return &api.Workflow{
		ID:      "expense",
		Version: 1,
		AppCode: "finance.expense",
		Nodes: []api.Node{
			{ID: "start", SystemCode: api.SystemInitial},
			{ID: "manager"},
			{ID: "director"},
		},
		Associations: []api.Association{
			{ID: "A", NodeIn: "start", NodeOut: "manager", Condition: a},
			{ID: "B", NodeIn: "start", NodeOut: "director", Condition: b},
		},
	}
}

func TestNext_TakesSingleMatchingAssociation(t *testing.T) {
	wf := branchingWorkflow(cond("amount", "lt", 100), cond("amount", "gte", 100))

	got, err := Next(wf, "start", map[string]any{"amount": 250}, nil)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if got == nil || got.ID != "B" {
		t.Fatalf("expected association B, got %+v", got)
	}
}

func TestNext_AmbiguousTransitionIsAnError(t *testing.T) {
	wf := branchingWorkflow(api.Condition{}, api.Condition{})

	got, err := Next(wf, "start", nil, nil)
	if got != nil {
		t.Fatalf("expected no association, got %+v", got)
	}
	if !errors.Is(err, api.ErrAmbiguousTransition) {
		t.Fatalf("expected ErrAmbiguousTransition, got %v", err)
	}
	var ate *api.AmbiguousTransitionError
	if !errors.As(err, &ate) {
		t.Fatalf("expected *AmbiguousTransitionError, got %T", err)
	}
	if ate.NodeID != "start" || len(ate.Matches) != 2 {
		t.Fatalf("unexpected error details: %+v", ate)
	}
	if !api.IsConfigurationError(err) {
		t.Fatalf("ambiguous transition must be a configuration error")
	}
}

func TestNext_NoOutgoingAssociations(t *testing.T) {
	wf := branchingWorkflow(api.Condition{}, api.Condition{})

	got, err := Next(wf, "manager", nil, nil)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestNext_AlwaysTrueMakesBranchesAmbiguous(t *testing.T) {
	wf := branchingWorkflow(cond("amount", "lt", 100), cond("amount", "gte", 100))

	_, err := Next(wf, "start", map[string]any{"amount": 5}, AlwaysTrue)
	if !errors.Is(err, api.ErrAmbiguousTransition) {
		t.Fatalf("expected ErrAmbiguousTransition, got %v", err)
	}
}

func TestNext_PropagatesEvaluatorErrors(t *testing.T) {
	wf := branchingWorkflow(cond("amount", "between", 1), api.Condition{})

	_, err := Next(wf, "start", map[string]any{"amount": 5}, nil)
	if !errors.Is(err, api.ErrInvalidCondition) {
		t.Fatalf("expected ErrInvalidCondition, got %v", err)
	}
}

func TestInitialNode(t *testing.T) {
	wf := branchingWorkflow(api.Condition{}, api.Condition{})

	n, err := InitialNode(wf)
	if err != nil {
		t.Fatalf("InitialNode failed: %v", err)
	}
	if n.ID != "start" {
		t.Fatalf("expected start, got %s", n.ID)
	}

	wf.Nodes[0].SystemCode = api.SystemNone
	if _, err := InitialNode(wf); !errors.Is(err, api.ErrMissingInitialNode) {
		t.Fatalf("expected ErrMissingInitialNode, got %v", err)
	}
}

func TestNodeBySystemCode(t *testing.T) {
	wf := branchingWorkflow(api.Condition{}, api.Condition{})
	wf.Nodes[2].SystemCode = api.SystemCompleted

	if n := NodeBySystemCode(wf, api.SystemCompleted); n == nil || n.ID != "director" {
		t.Fatalf("expected director, got %+v", n)
	}
	if n := NodeBySystemCode(wf, api.SystemApproved); n != nil {
		t.Fatalf("expected nil, got %+v", n)
	}
}
