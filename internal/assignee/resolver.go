// Package assignee computes the approvers of a stage from a node's
// collaboration strategy.
package assignee

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/petrijr/flowgate/pkg/api"
)

// Assignment is one resolved approver with the zones they may act on.
type Assignment struct {
	EmployeeID string
	Zones      []api.ZoneScope
}

// Resolve dispatches on node.Collaboration and returns employee id -> zones.
// The map is never nil; an empty map means the stage needs no approval.
// A node without a collaboration strategy resolves to no approvers.
func Resolve(wf *api.Workflow, node *api.Node, params map[string]any) (map[string][]api.ZoneScope, error) {
	out := make(map[string][]api.ZoneScope)

	switch node.Collaboration {
	case "":
		return out, nil
	case api.CollabInForm:
		return resolveInForm(node, params, out)
	case api.CollabOutForm:
		if node.OutForm == nil {
			return out, nil
		}
		for _, emp := range node.OutForm.Employees {
			emp = strings.TrimSpace(emp)
			if emp == "" {
				continue
			}
			out[emp] = slices.Clone(node.OutForm.Zones)
		}
		return out, nil
	case api.CollabInWorkflow:
		for _, b := range wf.Bindings {
			if b.NodeID != node.ID {
				continue
			}
			out[b.EmployeeID] = mergeZones(out[b.EmployeeID], b.Zones)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: node %s has unknown collaboration %q", api.ErrInvalidWorkflow, node.ID, node.Collaboration)
}

// Sorted resolves and orders the result by employee id.
func Sorted(wf *api.Workflow, node *api.Node, params map[string]any) ([]Assignment, error) {
	m, err := Resolve(wf, node, params)
	if err != nil {
		return nil, err
	}
	out := make([]Assignment, 0, len(m))
	for emp, zones := range m {
		out = append(out, Assignment{EmployeeID: emp, Zones: zones})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out, nil
}

func resolveInForm(node *api.Node, params map[string]any, out map[string][]api.ZoneScope) (map[string][]api.ZoneScope, error) {
	if node.InForm == nil || node.InForm.Property == "" {
		return nil, &api.MissingApproverError{NodeID: node.ID, Reason: "no form property configured"}
	}
	prop := node.InForm.Property

	raw, ok := params[prop]
	if !ok || raw == nil {
		return nil, &api.MissingApproverError{NodeID: node.ID, Property: prop, Reason: "property absent from document"}
	}

	var ids []string
	switch v := raw.(type) {
	case string:
		ids = []string{v}
	case []string:
		ids = v
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &api.MissingApproverError{NodeID: node.ID, Property: prop, Reason: fmt.Sprintf("unsupported list element %T", item)}
			}
			ids = append(ids, s)
		}
	default:
		ids = []string{fmt.Sprint(v)}
	}

	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = slices.Clone(node.InForm.Zones)
	}
	if len(out) == 0 {
		return nil, &api.MissingApproverError{NodeID: node.ID, Property: prop, Reason: "property is empty"}
	}
	return out, nil
}

func mergeZones(have, add []api.ZoneScope) []api.ZoneScope {
	for _, z := range add {
		dup := false
		for _, h := range have {
			if h.ZoneID == z.ZoneID {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, z)
		}
	}
	if have == nil {
		have = []api.ZoneScope{}
	}
	return have
}
