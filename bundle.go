package flowgate

import (
	"database/sql"

	"github.com/petrijr/flowgate/internal/engine"
	"github.com/petrijr/flowgate/internal/persistence"
	"github.com/petrijr/flowgate/internal/taskqueue"
	workerpkg "github.com/petrijr/flowgate/pkg/worker"
)

// WorkerBundle wires together an engine, a durable task queue, and a Worker
// that consumes tasks from that queue.
type WorkerBundle struct {
	Engine *Coordinator
	Worker *workerpkg.Worker
	Queue  Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Runtimes and queued tasks are persisted in the
// provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:flowgate.db?_pragma=journal_mode(WAL)")
//	bundle, err := flowgate.NewSQLiteBundle(db, flowgate.Options{}, worker.Config{MaxAttempts: 3})
//	// register apps and workflows on bundle.Engine
//	// run bundle.Worker.Run(ctx) in the background
func NewSQLiteBundle(db *sql.DB, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store, q, opts, cfg)
}

// NewPostgresBundle is NewSQLiteBundle for a PostgreSQL database opened
// with the pgx stdlib driver.
func NewPostgresBundle(db *sql.DB, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store, q, opts, cfg)
}

func newBundle(store persistence.RuntimeStore, q taskqueue.Queue, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	opts.Queue = q
	eng, err := engine.New(opts.config(store))
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg),
		Queue:  q,
	}, nil
}
