package flowgate

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/flowgate/internal/engine"
	"github.com/petrijr/flowgate/internal/persistence"
	"github.com/petrijr/flowgate/internal/taskqueue"
	"github.com/petrijr/flowgate/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	TaskRunner           = api.TaskRunner
	Workflow             = api.Workflow
	Node                 = api.Node
	Association          = api.Association
	Condition            = api.Condition
	Rule                 = api.Rule
	ZoneScope            = api.ZoneScope
	Runtime              = api.Runtime
	RuntimeStage         = api.RuntimeStage
	RuntimeAssignee      = api.RuntimeAssignee
	RuntimeLog           = api.RuntimeLog
	RuntimeListOptions   = api.RuntimeListOptions
	RuntimeState         = api.RuntimeState
	Document             = api.Document
	DocumentAdapter      = api.DocumentAdapter
	DocumentAdapterFunc  = api.DocumentAdapterFunc
	DocumentEvent        = api.DocumentEvent
	AppBinding           = api.AppBinding
	ConditionFunc        = api.ConditionFunc
	WorkflowSelector     = api.WorkflowSelector
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Coordinator is the engine implementation returned by the constructors.
	// Besides Engine it implements TaskRunner and exposes the registries.
	Coordinator = engine.Coordinator

	Queue = taskqueue.Queue
	Task  = taskqueue.Task
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export the errors callers usually branch on.

var (
	ErrDuplicateRuntime  = api.ErrDuplicateRuntime
	ErrDocumentNotFound  = api.ErrDocumentNotFound
	ErrRuntimeNotFound   = api.ErrRuntimeNotFound
	ErrAssigneeNotFound  = api.ErrAssigneeNotFound
	ErrStageNotActive    = api.ErrStageNotActive
	ErrActionNotAllowed  = api.ErrActionNotAllowed
	ErrRuntimeNotRunning = api.ErrRuntimeNotRunning
	ErrRuntimeNotStalled = api.ErrRuntimeNotStalled
	ErrMissingApprover   = api.ErrMissingApprover
	ErrEnqueueFailed     = api.ErrEnqueueFailed
	ErrUnknownApp        = api.ErrUnknownApp
	ErrInvalidWorkflow   = api.ErrInvalidWorkflow
)

// Re-export runtime states for convenience.

const (
	RuntimeNotStarted     = api.RuntimeNotStarted
	RuntimeInProgress     = api.RuntimeInProgress
	RuntimeCompleted      = api.RuntimeCompleted
	RuntimeFinishedNoFlow = api.RuntimeFinishedNoFlow
	RuntimeStalled        = api.RuntimeStalled
)

// Options configures an engine built by the constructors below. The zero
// value runs tasks inline with the default rule evaluator.
type Options struct {
	// Queue receives apply and advance tasks. Nil runs them inline.
	Queue      Queue
	Observer   Observer
	Logger     *slog.Logger
	Conditions ConditionFunc
	Selector   WorkflowSelector
	ApplyDelay time.Duration
	// MaxAutoAdvance bounds the stages entered by one apply or advance.
	MaxAutoAdvance int
	Tracer         trace.Tracer
}

func (o Options) config(store persistence.RuntimeStore) engine.Config {
	return engine.Config{
		Store:          store,
		Queue:          o.Queue,
		Observer:       o.Observer,
		Logger:         o.Logger,
		Conditions:     o.Conditions,
		Selector:       o.Selector,
		ApplyDelay:     o.ApplyDelay,
		MaxAutoAdvance: o.MaxAutoAdvance,
		Tracer:         o.Tracer,
	}
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an engine whose runtimes live in process memory.
func NewInMemoryEngine(opts Options) *Coordinator {
	eng, err := engine.New(opts.config(persistence.NewInMemoryStore()))
	if err != nil {
		// Only a missing store fails, and one is always provided.
		panic(err)
	}
	return eng
}

// NewSQLiteEngine returns an engine that persists runtimes in SQLite. The
// schema is created if needed.
func NewSQLiteEngine(db *sql.DB, opts Options) (*Coordinator, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(opts.config(store))
}

// NewPostgresEngine returns an engine that persists runtimes in PostgreSQL.
// db is expected to use the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB, opts Options) (*Coordinator, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(opts.config(store))
}

// Queue constructors.

func NewInMemoryQueue() Queue { return taskqueue.NewInMemoryQueue() }

func NewSQLiteQueue(db *sql.DB) (Queue, error) { return taskqueue.NewSQLiteQueue(db) }

func NewPostgresQueue(db *sql.DB) (Queue, error) { return taskqueue.NewPostgresQueue(db) }

// NewRedisQueue keeps its keys under prefix; an empty prefix uses the
// default "{flowgate}:" hash tag so all keys share a cluster slot.
func NewRedisQueue(client redis.UniversalClient, prefix string) Queue {
	return taskqueue.NewRedisQueue(client, prefix)
}

// NewMongoQueue creates the queue collection's indexes before returning.
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName, collName string) (Queue, error) {
	q := taskqueue.NewMongoQueue(client, dbName, collName)
	if err := q.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Convenience helpers that just forward to the underlying Engine.

// SubmitDocument starts the approval flow for a saved document. Calling it
// again for the same document returns the existing runtime.
func SubmitDocument(ctx context.Context, eng Engine, appCode, docID, actorID string) (*Runtime, error) {
	return eng.OnDocumentSubmitted(ctx, appCode, docID, actorID)
}

// RecordApproval records an approver's action on their assignment. It
// reports false when the assignee had already acted.
func RecordApproval(ctx context.Context, eng Engine, assigneeID, actorID, action, remark string) (bool, error) {
	return eng.Approve(ctx, assigneeID, actorID, action, remark)
}

// GetRuntime fetches a runtime by ID.
func GetRuntime(ctx context.Context, eng Engine, id string) (*Runtime, error) {
	return eng.GetRuntime(ctx, id)
}

// ListRuntimes lists runtimes according to the given options.
func ListRuntimes(ctx context.Context, eng Engine, opts RuntimeListOptions) ([]*Runtime, error) {
	return eng.ListRuntimes(ctx, opts)
}

// ResumeStalled delegates to eng.ResumeStalled. Register the corrected
// workflow version first.
func ResumeStalled(ctx context.Context, eng Engine, runtimeID string) (*Runtime, error) {
	return eng.ResumeStalled(ctx, runtimeID)
}

// RequeueStranded delegates to eng.RequeueStranded.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := flowgate.RequeueStranded(ctx, engine)
func RequeueStranded(ctx context.Context, eng Engine) (int, error) {
	return eng.RequeueStranded(ctx)
}
