package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue is a persistent task queue backed by PostgreSQL.
//
// It expects an *sql.DB opened with the pgx stdlib driver:
//
//	_ "github.com/jackc/pgx/v5/stdlib"
//
// Workers claim tasks with SELECT ... FOR UPDATE SKIP LOCKED, so any number
// of worker processes can share one table.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the queue table if needed and returns a queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 100 * time.Millisecond}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS flowgate_tasks (
			id TEXT PRIMARY KEY,
			payload BYTEA NOT NULL,
			not_before TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS flowgate_tasks_due_idx ON flowgate_tasks (not_before, created_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	notBefore := t.NotBefore
	if notBefore.IsZero() {
		notBefore = t.EnqueuedAt
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	// Redelivered tasks keep their ID; the previous row is gone by then.
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO flowgate_tasks (id, payload, not_before)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, not_before = EXCLUDED.not_before
	`, t.ID, data, notBefore)
	return err
}

// Dequeue blocks (with polling) until a due task is available or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, ctxErr(ctx, err)
		}

		var (
			id      string
			payload []byte
		)

		// Lock a single oldest due row, if any.
		err = tx.QueryRowContext(ctx, `
			SELECT id, payload
			FROM flowgate_tasks
			WHERE not_before <= now()
			ORDER BY not_before, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`).Scan(&id, &payload)
		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				tmr.Reset(q.pollInterval)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
				}
				continue
			}
			return nil, ctxErr(ctx, err)
		}

		// Delete the claimed row within the same transaction.
		if _, err := tx.ExecContext(ctx, `DELETE FROM flowgate_tasks WHERE id = $1`, id); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}

		task, err := DecodeTask(payload)
		if err != nil {
			return nil, fmt.Errorf("decode task %q failed: %w", id, err)
		}
		return task, nil
	}
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM flowgate_tasks`).Scan(&n); err != nil {
		slog.Warn("postgres queue: len failed", slog.Any("error", err))
		return 0
	}
	return n
}
