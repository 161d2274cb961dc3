package flowgate

import (
	"fmt"
	"slices"

	"github.com/petrijr/flowgate/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows:
//
//	flow := flowgate.New("order-approval", "sales.order").
//	    Start("draft").
//	    Approval("manager", "E1").
//	    Complete("done").
//	    Connect("draft", "manager").
//	    Connect("manager", "done")
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
// Nodes are added in order. Association ids are generated from the node ids
// unless ConnectAs is used.
type FlowBuilder struct {
	wf api.Workflow
}

// New creates a builder for version 1 of workflow id on appCode.
func New(id, appCode string) *FlowBuilder {
	return &FlowBuilder{wf: api.Workflow{ID: id, Version: 1, Title: id, AppCode: appCode}}
}

// ID returns the workflow id.
func (b *FlowBuilder) ID() string { return b.wf.ID }

func (b *FlowBuilder) Version(v int) *FlowBuilder {
	b.wf.Version = v
	return b
}

func (b *FlowBuilder) Title(title string) *FlowBuilder {
	b.wf.Title = title
	return b
}

// Scope restricts the workflow to a tenant and, optionally, a company.
func (b *FlowBuilder) Scope(tenantID, companyID string) *FlowBuilder {
	b.wf.TenantID, b.wf.CompanyID = tenantID, companyID
	return b
}

// Node appends an arbitrary node definition.
func (b *FlowBuilder) Node(n Node) *FlowBuilder {
	if n.ID == "" {
		panic("flowgate: node id must not be empty")
	}
	if n.Title == "" {
		n.Title = n.ID
	}
	b.wf.Nodes = append(b.wf.Nodes, n)
	return b
}

// Start appends the initial node.
func (b *FlowBuilder) Start(id string) *FlowBuilder {
	return b.Node(Node{ID: id, SystemCode: api.SystemInitial})
}

// Approval appends the approved node, assigned to a fixed list of employees.
func (b *FlowBuilder) Approval(id string, employees ...string) *FlowBuilder {
	return b.Node(Node{
		ID:            id,
		SystemCode:    api.SystemApproved,
		Collaboration: api.CollabOutForm,
		OutForm:       &api.OutFormConfig{Employees: employees},
	})
}

// Review appends a plain stage assigned to a fixed list of employees. With
// no employees the stage advances on its own.
func (b *FlowBuilder) Review(id string, employees ...string) *FlowBuilder {
	n := Node{ID: id}
	if len(employees) > 0 {
		n.Collaboration = api.CollabOutForm
		n.OutForm = &api.OutFormConfig{Employees: employees}
	}
	return b.Node(n)
}

// ReviewByField appends a stage assigned to the employee(s) named by a
// document field.
func (b *FlowBuilder) ReviewByField(id, property string) *FlowBuilder {
	return b.Node(Node{
		ID:            id,
		Collaboration: api.CollabInForm,
		InForm:        &api.InFormConfig{Property: property},
	})
}

// Bind assigns employee to nodeID through a workflow-level binding and
// switches the node to in-workflow collaboration.
func (b *FlowBuilder) Bind(nodeID, employee string, zones ...ZoneScope) *FlowBuilder {
	for i := range b.wf.Nodes {
		if b.wf.Nodes[i].ID == nodeID {
			b.wf.Nodes[i].Collaboration = api.CollabInWorkflow
			b.wf.Bindings = append(b.wf.Bindings, api.Binding{NodeID: nodeID, EmployeeID: employee, Zones: zones})
			return b
		}
	}
	panic(fmt.Sprintf("flowgate: unknown node %q", nodeID))
}

// Complete appends the completed node.
func (b *FlowBuilder) Complete(id string) *FlowBuilder {
	return b.Node(Node{ID: id, SystemCode: api.SystemCompleted})
}

// Actions sets the actions allowed on an existing node.
func (b *FlowBuilder) Actions(nodeID string, actions ...string) *FlowBuilder {
	for i := range b.wf.Nodes {
		if b.wf.Nodes[i].ID == nodeID {
			b.wf.Nodes[i].Actions = actions
			return b
		}
	}
	panic(fmt.Sprintf("flowgate: unknown node %q", nodeID))
}

// Connect adds an association from one node to another, guarded by the
// given rules (all must hold).
func (b *FlowBuilder) Connect(from, to string, rules ...Rule) *FlowBuilder {
	return b.ConnectAs(from+"->"+to, from, to, Condition{Rules: rules})
}

// ConnectAs adds an association with an explicit id and condition.
func (b *FlowBuilder) ConnectAs(id, from, to string, cond Condition) *FlowBuilder {
	b.wf.Associations = append(b.wf.Associations, api.Association{
		ID:        id,
		NodeIn:    from,
		NodeOut:   to,
		Condition: cond,
	})
	return b
}

// Build validates and returns a copy of the workflow.
func (b *FlowBuilder) Build() (Workflow, error) {
	wf := b.wf
	wf.Nodes = slices.Clone(wf.Nodes)
	wf.Associations = slices.Clone(wf.Associations)
	wf.Bindings = slices.Clone(wf.Bindings)
	if err := wf.Validate(); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// Register registers the built workflow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	wf, err := b.Build()
	if err != nil {
		return err
	}
	return eng.RegisterWorkflow(wf)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
