package api

import "time"

// RuntimeState is the lifecycle state of a Runtime.
type RuntimeState int

const (
	RuntimeNotStarted     RuntimeState = 0
	RuntimeInProgress     RuntimeState = 1
	RuntimeCompleted      RuntimeState = 2
	RuntimeFinishedNoFlow RuntimeState = 3
	// RuntimeStalled marks a runtime whose current stage has no matching
	// outgoing association and is not a completed node.
	RuntimeStalled RuntimeState = 4
)

func (s RuntimeState) String() string {
	switch s {
	case RuntimeNotStarted:
		return "NOT_STARTED"
	case RuntimeInProgress:
		return "IN_PROGRESS"
	case RuntimeCompleted:
		return "COMPLETED"
	case RuntimeFinishedNoFlow:
		return "FINISHED_NO_FLOW"
	case RuntimeStalled:
		return "STALLED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further automatic progress is possible.
func (s RuntimeState) Terminal() bool {
	return s == RuntimeCompleted || s == RuntimeFinishedNoFlow || s == RuntimeStalled
}

// TaskState tracks the outstanding background task of a runtime.
type TaskState string

const (
	TaskNone    TaskState = ""
	TaskPending TaskState = "PENDING"
	TaskStarted TaskState = "STARTED"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailure TaskState = "FAILURE"
)

// Runtime is one execution of a workflow bound to exactly one document.
type Runtime struct {
	ID        string
	AppCode   string
	DocID     string
	TenantID  string
	CompanyID string

	// FlowID/FlowVersion pin the matched workflow; empty until Apply.
	FlowID      string
	FlowVersion int

	DocParams          map[string]any
	DocTitle           string
	DocEmployeeCreated string

	// CurrentSeq is the Seq of the current stage; 0 before the first stage.
	CurrentSeq int
	State      RuntimeState

	TaskBgID    string
	TaskBgState TaskState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NodeSnapshot is the denormalized copy of a node kept on each stage.
type NodeSnapshot struct {
	ID            string
	Code          string
	SystemCode    SystemCode
	Title         string
	Collaboration Collaboration
}

// SnapshotOf copies the identifying fields of n.
func SnapshotOf(n *Node) NodeSnapshot {
	return NodeSnapshot{
		ID:            n.ID,
		Code:          n.Code,
		SystemCode:    n.SystemCode,
		Title:         n.Title,
		Collaboration: n.Collaboration,
	}
}

// RuntimeStage is one instantiated node within a runtime's execution history.
// Stages form an arena per runtime indexed by Seq (1-based); FromSeq and
// ToSeq are zero when unset.
type RuntimeStage struct {
	RuntimeID string
	Seq       int
	Node      NodeSnapshot

	Actions        []string
	ExitConditions Condition

	// AssociationPassed is the association used to arrive here; empty for
	// the initial stage.
	AssociationPassed string

	FromSeq int
	ToSeq   int

	CreatedAt time.Time
}

// Left reports whether the runtime has moved past this stage.
func (s *RuntimeStage) Left() bool { return s.ToSeq != 0 }

// RuntimeAssignee is one approver obligation on a stage.
type RuntimeAssignee struct {
	ID            string
	RuntimeID     string
	StageSeq      int
	EmployeeID    string
	Zones         []ZoneScope
	IsDone        bool
	ActionPerform []string
	UpdatedAt     time.Time
}

// LogKind classifies audit log entries.
type LogKind string

const (
	LogCreateDoc   LogKind = "create_doc"
	LogApprovalDoc LogKind = "approval_doc"
	LogFinishDoc   LogKind = "finish_doc"
	LogNewTask     LogKind = "new_task"
	LogAction      LogKind = "action"
	LogNoFlow      LogKind = "no_flow"
	LogStalled     LogKind = "stalled"
)

// RuntimeLog is an append-only audit record.
type RuntimeLog struct {
	ID        string
	RuntimeID string
	// StageSeq is 0 for runtime-level events.
	StageSeq  int
	ActorID   string
	Kind      LogKind
	Action    string
	Msg       string
	CreatedAt time.Time
}

// RuntimeListOptions filters Engine.ListRuntimes. Zero values mean "any".
type RuntimeListOptions struct {
	AppCode   string
	FlowID    string
	State     *RuntimeState
	TaskState TaskState
}
