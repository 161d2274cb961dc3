package api

import (
	"encoding/gob"
	"fmt"
	"time"
)

// Document parameters and rule values travel through gob inside interface
// values; these are the composite types they may contain.
func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// SystemCode marks a node as one of the well-known lifecycle steps.
// Custom stages leave it empty.
type SystemCode string

const (
	SystemNone      SystemCode = ""
	SystemInitial   SystemCode = "initial"
	SystemApproved  SystemCode = "approved"
	SystemCompleted SystemCode = "completed"
)

// Valid reports whether c is empty or one of the reserved codes.
func (c SystemCode) Valid() bool {
	switch c {
	case SystemNone, SystemInitial, SystemApproved, SystemCompleted:
		return true
	}
	return false
}

// Collaboration selects the strategy used to compute a stage's assignees.
type Collaboration string

const (
	// CollabInForm reads the approver from a field of the document itself.
	CollabInForm Collaboration = "in-form"
	// CollabOutForm uses an explicit employee list configured on the node.
	CollabOutForm Collaboration = "out-form"
	// CollabInWorkflow uses per-employee bindings recorded on the workflow.
	CollabInWorkflow Collaboration = "in-workflow"
)

// ZoneScope is the capability scope an assignee receives for a stage:
// the set of document properties they may act on.
type ZoneScope struct {
	ZoneID      string   `yaml:"zone_id" json:"zone_id"`
	Title       string   `yaml:"title" json:"title"`
	Remark      string   `yaml:"remark,omitempty" json:"remark,omitempty"`
	PropertyIDs []string `yaml:"property_ids,omitempty" json:"property_ids,omitempty"`
}

// InFormConfig configures the in-form collaboration strategy.
type InFormConfig struct {
	// Property is the document parameter holding the approver's employee id
	// (or a list of ids).
	Property string      `yaml:"property" json:"property"`
	Zones    []ZoneScope `yaml:"zones,omitempty" json:"zones,omitempty"`
}

// OutFormConfig configures the out-form collaboration strategy.
type OutFormConfig struct {
	Employees []string    `yaml:"employees" json:"employees"`
	Zones     []ZoneScope `yaml:"zones,omitempty" json:"zones,omitempty"`
}

// Binding assigns an employee to a node at the workflow level (in-workflow
// collaboration).
type Binding struct {
	NodeID     string      `yaml:"node" json:"node"`
	EmployeeID string      `yaml:"employee" json:"employee"`
	Zones      []ZoneScope `yaml:"zones,omitempty" json:"zones,omitempty"`
}

// Rule is a single comparison against a document parameter.
type Rule struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// Condition is the guard payload carried by associations and nodes.
// A zero Condition always matches.
type Condition struct {
	// Match is "all" (default) or "any".
	Match string `yaml:"match,omitempty" json:"match,omitempty"`
	Rules []Rule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// IsZero reports whether the condition has no rules.
func (c Condition) IsZero() bool { return len(c.Rules) == 0 }

// ConditionFunc evaluates a condition payload against a runtime's document
// parameters.
type ConditionFunc func(cond Condition, params map[string]any) (bool, error)

// Node is one stage definition of a workflow graph.
type Node struct {
	ID            string         `yaml:"id" json:"id"`
	Code          string         `yaml:"code,omitempty" json:"code,omitempty"`
	SystemCode    SystemCode     `yaml:"system_code,omitempty" json:"system_code,omitempty"`
	Title         string         `yaml:"title" json:"title"`
	Actions       []string       `yaml:"actions,omitempty" json:"actions,omitempty"`
	Condition     Condition      `yaml:"condition,omitempty" json:"condition,omitempty"`
	Collaboration Collaboration  `yaml:"collaboration,omitempty" json:"collaboration,omitempty"`
	InForm        *InFormConfig  `yaml:"in_form,omitempty" json:"in_form,omitempty"`
	OutForm       *OutFormConfig `yaml:"out_form,omitempty" json:"out_form,omitempty"`
}

// Association is a directed, guarded edge between two nodes.
type Association struct {
	ID        string    `yaml:"id" json:"id"`
	NodeIn    string    `yaml:"from" json:"from"`
	NodeOut   string    `yaml:"to" json:"to"`
	Condition Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Workflow is a named, versioned approval graph belonging to one application
// (and optionally one tenant/company). A registered (ID, Version) pair is
// immutable; changes are registered as a new version.
type Workflow struct {
	ID           string        `yaml:"id" json:"id"`
	Version      int           `yaml:"version" json:"version"`
	Title        string        `yaml:"title" json:"title"`
	AppCode      string        `yaml:"app_code" json:"app_code"`
	TenantID     string        `yaml:"tenant,omitempty" json:"tenant,omitempty"`
	CompanyID    string        `yaml:"company,omitempty" json:"company,omitempty"`
	Nodes        []Node        `yaml:"nodes" json:"nodes"`
	Associations []Association `yaml:"associations" json:"associations"`
	Bindings     []Binding     `yaml:"bindings,omitempty" json:"bindings,omitempty"`
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// Validate checks the structural rules of a workflow graph.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: workflow id is required", ErrInvalidWorkflow)
	}
	if w.Version <= 0 {
		return fmt.Errorf("%w: workflow %s: version must be positive", ErrInvalidWorkflow, w.ID)
	}
	if _, err := ParseAppCode(w.AppCode); err != nil {
		return fmt.Errorf("%w: workflow %s: %v", ErrInvalidWorkflow, w.ID, err)
	}

	ids := make(map[string]struct{}, len(w.Nodes))
	initials := 0
	for _, n := range w.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: workflow %s: node without id", ErrInvalidWorkflow, w.ID)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: workflow %s: duplicate node %q", ErrInvalidWorkflow, w.ID, n.ID)
		}
		ids[n.ID] = struct{}{}

		if !n.SystemCode.Valid() {
			return fmt.Errorf("%w: workflow %s: node %q has unknown system code %q", ErrInvalidWorkflow, w.ID, n.ID, n.SystemCode)
		}
		if n.SystemCode == SystemInitial {
			initials++
		}
		switch n.Collaboration {
		case "", CollabOutForm, CollabInWorkflow:
		case CollabInForm:
			if n.InForm == nil || n.InForm.Property == "" {
				return fmt.Errorf("%w: workflow %s: in-form node %q needs a property", ErrInvalidWorkflow, w.ID, n.ID)
			}
		default:
			return fmt.Errorf("%w: workflow %s: node %q has unknown collaboration %q", ErrInvalidWorkflow, w.ID, n.ID, n.Collaboration)
		}
	}

	switch {
	case initials == 0:
		return fmt.Errorf("%w: workflow %s", ErrMissingInitialNode, w.ID)
	case initials > 1:
		return fmt.Errorf("%w: workflow %s has %d initial nodes", ErrInvalidWorkflow, w.ID, initials)
	}

	for _, a := range w.Associations {
		if _, ok := ids[a.NodeIn]; !ok {
			return fmt.Errorf("%w: workflow %s: association %q leaves unknown node %q", ErrInvalidWorkflow, w.ID, a.ID, a.NodeIn)
		}
		if _, ok := ids[a.NodeOut]; !ok {
			return fmt.Errorf("%w: workflow %s: association %q enters unknown node %q", ErrInvalidWorkflow, w.ID, a.ID, a.NodeOut)
		}
	}
	for _, b := range w.Bindings {
		if _, ok := ids[b.NodeID]; !ok {
			return fmt.Errorf("%w: workflow %s: binding for unknown node %q", ErrInvalidWorkflow, w.ID, b.NodeID)
		}
		if b.EmployeeID == "" {
			return fmt.Errorf("%w: workflow %s: binding on node %q without employee", ErrInvalidWorkflow, w.ID, b.NodeID)
		}
	}
	return nil
}
