package api

import (
	"errors"
	"fmt"
	"strings"
)

// Configuration errors: the workflow or app registration is wrong. They are
// never retried.
var (
	ErrAmbiguousTransition = errors.New("ambiguous transition")
	ErrMissingInitialNode  = errors.New("workflow has no initial node")
	ErrMalformedAppCode    = errors.New("malformed app code")
	ErrUnknownApp          = errors.New("unknown app code")
	ErrAppExists           = errors.New("app code already registered")
	ErrInvalidWorkflow     = errors.New("invalid workflow")
	ErrWorkflowExists      = errors.New("workflow version already registered")
	ErrAmbiguousWorkflow   = errors.New("more than one workflow configured for app")
	ErrInvalidCondition    = errors.New("invalid condition")
	ErrAutoAdvanceLimit    = errors.New("auto-advance limit reached")
)

// Precondition errors: surfaced to the caller, who may branch on them.
var (
	ErrDuplicateRuntime  = errors.New("runtime already exists for document")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrRuntimeNotFound   = errors.New("runtime not found")
	ErrStageNotFound     = errors.New("stage not found")
	ErrAssigneeNotFound  = errors.New("assignee not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrStageNotActive    = errors.New("stage is not the current stage")
	ErrActionNotAllowed  = errors.New("action not allowed on stage")
	ErrRuntimeNotRunning = errors.New("runtime is not in progress")
	ErrRuntimeNotStalled = errors.New("runtime is not stalled")
)

// ErrMissingApprover is the resolution error kind. Use errors.As with
// *MissingApproverError for details.
var ErrMissingApprover = errors.New("missing approver")

// ErrEnqueueFailed is the infrastructure error returned when a background
// task could not be handed to the queue.
var ErrEnqueueFailed = errors.New("enqueue failed")

// AmbiguousTransitionError reports more than one matching association
// leaving a node.
type AmbiguousTransitionError struct {
	WorkflowID string
	NodeID     string
	Matches    []string
}

func (e *AmbiguousTransitionError) Error() string {
	return fmt.Sprintf("ambiguous transition: workflow %s node %s matches associations [%s]",
		e.WorkflowID, e.NodeID, strings.Join(e.Matches, ", "))
}

func (e *AmbiguousTransitionError) Is(target error) bool { return target == ErrAmbiguousTransition }

// MissingApproverError reports an assignee strategy that could not produce
// an approver.
type MissingApproverError struct {
	NodeID   string
	Property string
	Reason   string
}

func (e *MissingApproverError) Error() string {
	if e.Property == "" {
		return fmt.Sprintf("missing approver for node %s: %s", e.NodeID, e.Reason)
	}
	return fmt.Sprintf("missing approver for node %s (property %q): %s", e.NodeID, e.Property, e.Reason)
}

func (e *MissingApproverError) Is(target error) bool { return target == ErrMissingApprover }

var configurationErrors = []error{
	ErrAmbiguousTransition,
	ErrMissingInitialNode,
	ErrMalformedAppCode,
	ErrUnknownApp,
	ErrAppExists,
	ErrInvalidWorkflow,
	ErrWorkflowExists,
	ErrAmbiguousWorkflow,
	ErrInvalidCondition,
	ErrAutoAdvanceLimit,
}

var preconditionErrors = []error{
	ErrDuplicateRuntime,
	ErrDocumentNotFound,
	ErrRuntimeNotFound,
	ErrStageNotFound,
	ErrAssigneeNotFound,
	ErrWorkflowNotFound,
	ErrStageNotActive,
	ErrActionNotAllowed,
	ErrRuntimeNotRunning,
	ErrRuntimeNotStalled,
}

func isAny(err error, kinds []error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// IsConfigurationError reports whether err stems from a misconfigured
// workflow graph or app registration.
func IsConfigurationError(err error) bool { return isAny(err, configurationErrors) }

// IsPreconditionError reports whether err is a recoverable validation error.
func IsPreconditionError(err error) bool { return isAny(err, preconditionErrors) }

// IsRetryable reports whether running the same operation again could
// succeed. Configuration, precondition and resolution errors are
// deterministic for a given runtime snapshot and are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsConfigurationError(err) && !IsPreconditionError(err) && !errors.Is(err, ErrMissingApprover)
}
