package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/petrijr/flowgate/internal/assignee"
	"github.com/petrijr/flowgate/internal/graph"
	"github.com/petrijr/flowgate/internal/persistence"
	"github.com/petrijr/flowgate/pkg/api"
)

// systemLogs maps reserved node codes to the audit event recorded when a
// stage for such a node is created.
var systemLogs = map[api.SystemCode]struct {
	kind api.LogKind
	msg  string
}{
	api.SystemInitial:   {api.LogCreateDoc, "Create document"},
	api.SystemApproved:  {api.LogApprovalDoc, "Approval document"},
	api.SystemCompleted: {api.LogFinishDoc, "Finish document"},
}

// drive enters node and keeps following associations for as long as the
// entered stages resolve no assignees. It stops at the first stage that
// needs approval or when the graph runs out.
func (c *Coordinator) drive(ctx context.Context, wf *api.Workflow, rt *api.Runtime, node *api.Node, via string) (*api.Runtime, error) {
	for entered := 0; node != nil; entered++ {
		if entered == c.maxAutoAdvance {
			return rt, fmt.Errorf("%w: runtime %s entered %d stages in one pass", api.ErrAutoAdvanceLimit, rt.ID, entered)
		}

		stage, wait, err := c.createStage(ctx, wf, rt, node, via)
		if err != nil {
			return rt, err
		}
		if wait {
			return rt, nil
		}

		node, via, err = c.follow(ctx, wf, rt, stage)
		if err != nil {
			return rt, err
		}
	}
	return rt, nil
}

// runNext moves the runtime past stage, its current stage.
func (c *Coordinator) runNext(ctx context.Context, wf *api.Workflow, rt *api.Runtime, stage *api.RuntimeStage) (*api.Runtime, error) {
	node, via, err := c.follow(ctx, wf, rt, stage)
	if err != nil || node == nil {
		return rt, err
	}
	return c.drive(ctx, wf, rt, node, via)
}

// resume continues a pass that stopped on a stage nobody is waiting on.
// It leaves rt alone when the current stage still has open assignees.
func (c *Coordinator) resume(ctx context.Context, rt *api.Runtime) (*api.Runtime, error) {
	idle, err := c.idle(ctx, rt)
	if err != nil || !idle {
		return rt, err
	}
	stage, err := c.store.GetStage(ctx, rt.ID, rt.CurrentSeq)
	if err != nil {
		return rt, err
	}
	wf, err := c.workflows.Get(rt.FlowID, rt.FlowVersion)
	if err != nil {
		return rt, err
	}
	c.logger.Info("resuming interrupted pass",
		slog.String("runtime_id", rt.ID),
		slog.Int("stage_seq", rt.CurrentSeq),
	)
	return c.runNext(ctx, wf, rt, stage)
}

// idle reports whether rt is in progress on a stage with no undone
// assignees, so that only a scheduled or resumed pass can move it.
func (c *Coordinator) idle(ctx context.Context, rt *api.Runtime) (bool, error) {
	if rt.State != api.RuntimeInProgress || rt.CurrentSeq == 0 {
		return false, nil
	}
	assignees, err := c.store.ListAssignees(ctx, rt.ID, rt.CurrentSeq)
	if err != nil {
		return false, err
	}
	for _, a := range assignees {
		if !a.IsDone {
			return false, nil
		}
	}
	return true, nil
}

// follow picks the association leaving stage. When none matches the runtime
// is finished and the returned node is nil.
func (c *Coordinator) follow(ctx context.Context, wf *api.Workflow, rt *api.Runtime, stage *api.RuntimeStage) (*api.Node, string, error) {
	assoc, err := graph.Next(wf, stage.Node.ID, rt.DocParams, c.eval)
	if err != nil {
		return nil, "", err
	}
	if assoc == nil {
		return nil, "", c.finish(ctx, rt, stage)
	}

	node, ok := wf.Node(assoc.NodeOut)
	if !ok {
		return nil, "", fmt.Errorf("%w: workflow %s: association %s enters unknown node %s",
			api.ErrInvalidWorkflow, wf.ID, assoc.ID, assoc.NodeOut)
	}
	return node, assoc.ID, nil
}

// finish handles a dead end: a completed node completes the runtime, any
// other node stalls it.
func (c *Coordinator) finish(ctx context.Context, rt *api.Runtime, stage *api.RuntimeStage) error {
	expect := persistence.ExpectOf(rt)
	rt.UpdatedAt = c.now()

	if stage.Node.SystemCode == api.SystemCompleted {
		rt.State = api.RuntimeCompleted
		if err := c.store.TransitionRuntime(ctx, rt, expect); err != nil {
			return err
		}
		c.observer.OnRuntimeFinished(ctx, rt)
		return nil
	}

	rt.State = api.RuntimeStalled
	entry := c.newLog(rt, stage.Seq, "", api.LogStalled, "",
		fmt.Sprintf("no association leaves stage %q", stage.Node.ID))
	if err := c.store.TransitionRuntime(ctx, rt, expect, entry); err != nil {
		return err
	}
	c.observer.OnRuntimeStalled(ctx, rt, stage)
	return nil
}

// createStage instantiates node as the runtime's next stage together with
// its assignees and audit entries, in one store write. wait reports whether
// the stage has assignees to wait for.
func (c *Coordinator) createStage(ctx context.Context, wf *api.Workflow, rt *api.Runtime, node *api.Node, via string) (*api.RuntimeStage, bool, error) {
	assignments, err := assignee.Sorted(wf, node, rt.DocParams)
	if err != nil {
		return nil, false, err
	}

	now := c.now()
	seq := rt.CurrentSeq + 1
	stage := api.RuntimeStage{
		RuntimeID:         rt.ID,
		Seq:               seq,
		Node:              api.SnapshotOf(node),
		Actions:           slices.Clone(node.Actions),
		ExitConditions:    node.Condition,
		AssociationPassed: via,
		FromSeq:           rt.CurrentSeq,
		CreatedAt:         now,
	}

	var logs []api.RuntimeLog
	if sys, ok := systemLogs[node.SystemCode]; ok {
		actor := ""
		if node.SystemCode == api.SystemInitial {
			actor = rt.DocEmployeeCreated
		}
		logs = append(logs, c.newLog(rt, seq, actor, sys.kind, "", sys.msg))
	}

	assignees := make([]api.RuntimeAssignee, 0, len(assignments))
	for _, as := range assignments {
		assignees = append(assignees, api.RuntimeAssignee{
			ID:         uuid.NewString(),
			RuntimeID:  rt.ID,
			StageSeq:   seq,
			EmployeeID: as.EmployeeID,
			Zones:      as.Zones,
			UpdatedAt:  now,
		})
		logs = append(logs, c.newLog(rt, seq, as.EmployeeID, api.LogNewTask, "", "New task"))
	}

	next := *rt
	next.CurrentSeq = seq
	next.State = api.RuntimeInProgress
	next.UpdatedAt = now

	if err := c.store.CommitStage(ctx, persistence.StageCommit{
		Stage:     stage,
		Assignees: assignees,
		Logs:      logs,
		Runtime:   &next,
		Expect:    persistence.ExpectOf(rt),
	}); err != nil {
		return nil, false, err
	}

	*rt = next
	c.observer.OnStageEntered(ctx, rt, &stage, len(assignees))
	return &stage, len(assignees) > 0, nil
}
