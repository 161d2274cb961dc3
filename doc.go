// Package flowgate attaches multi-stage approval flows to arbitrary
// business documents.
//
// A document type is registered once under an application code
// ("<namespace>.<type>") together with a DocumentAdapter that resolves
// document ids to their fields. Workflows are versioned graphs of nodes and
// guarded associations registered for an application code. When a document
// is submitted the engine creates a Runtime for it, picks the matching
// workflow and walks the graph: every node becomes a stage, and a stage
// with assignees waits until each of them has acted. Stages without
// assignees advance on their own.
//
// # Engine
//
// The engine (a *Coordinator) persists runtimes, stages, assignees and an
// append-only audit log. Constructors exist for three stores:
//
//   - NewInMemoryEngine: process memory, for tests and local development.
//   - NewSQLiteEngine: modernc.org/sqlite, one connection.
//   - NewPostgresEngine: PostgreSQL via the pgx stdlib driver.
//
// At most one runtime exists per document. Approvals are idempotent, and
// when several approvers finish a stage concurrently exactly one of them
// schedules the advance.
//
// # Tasks and workers
//
// Moving a runtime forward happens in background tasks. With no queue
// configured tasks run inline; otherwise they are enqueued on one of the
// queue backends (in-memory, SQLite, Postgres, Redis or MongoDB) and
// executed by workers from package worker. Delivery is at least once and
// duplicate tasks are no-ops. Work whose task was lost can be rescheduled
// with RequeueStranded, typically on startup.
//
// LocalRunner and WorkerBundle wire an engine, a queue and a worker
// together for common setups.
//
// # Integration
//
// Hosts either call SubmitDocument and RecordApproval directly or publish
// DocumentEvents to a DocumentHook after their own transaction commits.
// The hook never fails the publisher; errors are logged.
//
// # Observability
//
// Engine events go to an Observer: LoggingObserver logs them with slog,
// BasicMetrics counts them in memory, and package metrics exports them to
// Prometheus. Coordinator operations are traced with OpenTelemetry when a
// tracer is configured.
package flowgate
