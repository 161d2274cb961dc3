// Package graph implements workflow graph traversal, condition evaluation,
// the versioned workflow registry and the YAML definition loader.
package graph

import (
	"fmt"

	"github.com/petrijr/flowgate/pkg/api"
)

// InitialNode returns the node marked SystemInitial.
func InitialNode(wf *api.Workflow) (*api.Node, error) {
	if n := NodeBySystemCode(wf, api.SystemInitial); n != nil {
		return n, nil
	}
	return nil, fmt.Errorf("%w: workflow %s", api.ErrMissingInitialNode, wf.ID)
}

// NodeBySystemCode returns the first node carrying code, or nil.
func NodeBySystemCode(wf *api.Workflow, code api.SystemCode) *api.Node {
	for i := range wf.Nodes {
		if wf.Nodes[i].SystemCode == code {
			return &wf.Nodes[i]
		}
	}
	return nil
}

// Next selects the association leaving nodeID whose condition holds for
// params. It returns nil when none matches and an *api.AmbiguousTransitionError
// when more than one does. A nil eval uses EvaluateRules.
func Next(wf *api.Workflow, nodeID string, params map[string]any, eval api.ConditionFunc) (*api.Association, error) {
	if eval == nil {
		eval = EvaluateRules
	}

	var matches []*api.Association
	for i := range wf.Associations {
		a := &wf.Associations[i]
		if a.NodeIn != nodeID {
			continue
		}
		ok, err := eval(a.Condition, params)
		if err != nil {
			return nil, fmt.Errorf("workflow %s association %s: %w", wf.ID, a.ID, err)
		}
		if ok {
			matches = append(matches, a)
		}
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return nil, &api.AmbiguousTransitionError{WorkflowID: wf.ID, NodeID: nodeID, Matches: ids}
}
