package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/flowgate/internal/taskqueue"
	"github.com/petrijr/flowgate/pkg/api"
)

// ErrUnknownTaskType is returned for tasks no runner method handles. Such
// tasks are failed without retry.
var ErrUnknownTaskType = errors.New("unknown task type")

// Config controls retries and concurrency of a Worker.
type Config struct {
	// MaxAttempts is the number of times a task runs before the worker
	// gives up and marks it failed. Values below 1 mean 1.
	MaxAttempts int

	// Backoff is the delay before the first retry. Each further retry
	// doubles it, up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Concurrency is the number of tasks Run processes in parallel.
	Concurrency int

	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and executes them using a TaskRunner.
type Worker struct {
	runner api.TaskRunner
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Worker that runs every task once.
func New(runner api.TaskRunner, queue taskqueue.Queue) *Worker {
	return NewWithConfig(runner, queue, Config{})
}

// NewWithConfig creates a Worker with explicit retry settings.
func NewWithConfig(runner api.TaskRunner, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		runner: runner,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "worker")),
		now:    time.Now,
	}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error.
//   - processed == true, err == nil: the task succeeded or a retry was scheduled.
//   - processed == true, err != nil: the task failed for good.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	runErr := w.dispatch(ctx, task)
	if runErr == nil {
		return true, nil
	}

	log := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.Type)),
		slog.String("runtime_id", task.RuntimeID),
		slog.Int("attempt", task.Attempts+1),
	)

	if w.retryable(task, runErr) {
		retry := *task
		retry.Attempts++
		retry.NotBefore = w.now().Add(w.backoff(retry.Attempts))
		// The original task was removed by Dequeue; losing ctx here would
		// drop the retry, so the enqueue is detached from cancellation.
		err := w.queue.Enqueue(context.WithoutCancel(ctx), retry)
		if err == nil {
			log.Warn("task failed, retry scheduled",
				slog.Time("not_before", retry.NotBefore),
				slog.Any("error", runErr),
			)
			return true, nil
		}
		runErr = errors.Join(runErr, fmt.Errorf("schedule retry: %w", err))
	}

	log.Error("task failed", slog.Any("error", runErr))
	if ferr := w.runner.FailTask(context.WithoutCancel(ctx), task.ID, task.RuntimeID, runErr); ferr != nil {
		log.Error("mark task failed", slog.Any("error", ferr))
	}
	return true, runErr
}

func (w *Worker) dispatch(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeApply:
		return w.runner.RunApplyTask(ctx, task.ID, task.RuntimeID)
	case taskqueue.TaskTypeAdvance:
		return w.runner.RunAdvanceTask(ctx, task.ID, task.RuntimeID, task.StageSeq)
	default:
		return fmt.Errorf("%w %q", ErrUnknownTaskType, task.Type)
	}
}

func (w *Worker) retryable(task *taskqueue.Task, err error) bool {
	if task.Attempts+1 >= w.cfg.MaxAttempts || errors.Is(err, ErrUnknownTaskType) {
		return false
	}
	return api.IsRetryable(err)
}

// backoff returns the delay before retry number attempt (1-based).
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.Backoff
	for i := 1; i < attempt && d < w.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, w.cfg.MaxBackoff)
}

// Run processes tasks with Config.Concurrency goroutines until ctx is
// cancelled. Task failures are logged and do not stop the loop; only a
// queue error other than cancellation does.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if !processed && err != nil {
					return fmt.Errorf("dequeue: %w", err)
				}
			}
		})
	}
	return g.Wait()
}
