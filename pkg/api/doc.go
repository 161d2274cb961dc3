// Package api contains the public types used by the flowgate approval
// engine: the workflow graph model, the runtime model, the error taxonomy,
// the document adapter boundary and the Observer interface.
//
// Most users interact with the higher-level flowgate package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations such as new document adapters,
// workflow selectors, condition evaluators or observers.
//
// # Workflow graphs
//
// A Workflow is a versioned graph of Nodes connected by Associations. Each
// association carries a Condition evaluated against the document parameters
// snapshotted on the runtime. Exactly one node must carry SystemInitial;
// SystemApproved and SystemCompleted are optional markers used for the audit
// log and for detecting completion.
//
// # Runtimes
//
// A Runtime binds one workflow to one document (app code + document id).
// Its history is an arena of RuntimeStages indexed by Seq. Each stage owns
// its RuntimeAssignees; every state change appends RuntimeLog entries.
//
// # Errors
//
// Errors are grouped into configuration errors (IsConfigurationError),
// precondition errors (IsPreconditionError), resolution errors
// (ErrMissingApprover) and infrastructure errors (ErrEnqueueFailed). All of
// them are stable sentinels that work with errors.Is.
package api
