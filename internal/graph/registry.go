package graph

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/petrijr/flowgate/pkg/api"
)

// Registry is the in-memory workflow graph store. Every (ID, Version) pair is
// immutable once registered.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]map[int]*api.Workflow
}

var _ api.WorkflowSource = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]map[int]*api.Workflow),
	}
}

// Register validates wf and stores a private copy of it.
func (r *Registry) Register(wf api.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	cp := cloneWorkflow(wf)

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byID[wf.ID]
	if versions == nil {
		versions = make(map[int]*api.Workflow)
		r.byID[wf.ID] = versions
	}

	if _, exists := versions[wf.Version]; exists {
		return fmt.Errorf("%w: %s version %d", api.ErrWorkflowExists, wf.ID, wf.Version)
	}

	versions[wf.Version] = cp
	return nil
}

// Get returns the exact version of a workflow.
func (r *Registry) Get(id string, version int) (*api.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	if versions == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
	}

	wf, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s version %d", api.ErrWorkflowNotFound, id, version)
	}
	return wf, nil
}

// Latest returns the highest registered version of a workflow.
func (r *Registry) Latest(id string) (*api.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf := latest(r.byID[id])
	if wf == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// Versions lists the registered versions of a workflow in ascending order.
func (r *Registry) Versions(id string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	out := make([]int, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// ForApp returns the latest version of every workflow bound to appCode.
// Workflows scoped to a tenant only match that tenant; unscoped workflows
// match every tenant. The result is ordered by workflow ID.
func (r *Registry) ForApp(appCode, tenantID string) []*api.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*api.Workflow
	for _, versions := range r.byID {
		wf := latest(versions)
		if wf == nil || wf.AppCode != appCode {
			continue
		}
		if wf.TenantID != "" && wf.TenantID != tenantID {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func latest(versions map[int]*api.Workflow) *api.Workflow {
	var best *api.Workflow
	for v, wf := range versions {
		if best == nil || v > best.Version {
			best = wf
		}
	}
	return best
}

func cloneWorkflow(wf api.Workflow) *api.Workflow {
	cp := wf
	cp.Nodes = make([]api.Node, len(wf.Nodes))
	for i, n := range wf.Nodes {
		n.Actions = slices.Clone(n.Actions)
		n.Condition = cloneCondition(n.Condition)
		if n.InForm != nil {
			in := *n.InForm
			in.Zones = cloneZones(in.Zones)
			n.InForm = &in
		}
		if n.OutForm != nil {
			out := *n.OutForm
			out.Employees = slices.Clone(out.Employees)
			out.Zones = cloneZones(out.Zones)
			n.OutForm = &out
		}
		cp.Nodes[i] = n
	}
	cp.Associations = make([]api.Association, len(wf.Associations))
	for i, a := range wf.Associations {
		a.Condition = cloneCondition(a.Condition)
		cp.Associations[i] = a
	}
	if wf.Bindings != nil {
		cp.Bindings = make([]api.Binding, len(wf.Bindings))
		for i, b := range wf.Bindings {
			b.Zones = cloneZones(b.Zones)
			cp.Bindings[i] = b
		}
	}
	return &cp
}

func cloneZones(zones []api.ZoneScope) []api.ZoneScope {
	if zones == nil {
		return nil
	}
	out := make([]api.ZoneScope, len(zones))
	for i, z := range zones {
		z.PropertyIDs = slices.Clone(z.PropertyIDs)
		out[i] = z
	}
	return out
}

func cloneCondition(c api.Condition) api.Condition {
	if c.Rules == nil {
		return c
	}
	rules := make([]api.Rule, len(c.Rules))
	for i, r := range c.Rules {
		r.Value = cloneValue(r.Value)
		rules[i] = r
	}
	c.Rules = rules
	return c
}

// cloneValue copies the slices and maps a rule operand may hold ("in"
// lists, YAML-decoded structures). Scalars are returned as is.
func cloneValue(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneElem(rv.Index(i)))
		}
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value()))
		}
		return out.Interface()
	}
	return v
}

func cloneElem(e reflect.Value) reflect.Value {
	if !e.IsValid() || !e.CanInterface() {
		return e
	}
	if e.Kind() == reflect.Interface && e.IsNil() {
		return e
	}
	c := cloneValue(e.Interface())
	if c == nil {
		return e
	}
	return reflect.ValueOf(c)
}
