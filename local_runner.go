package flowgate

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/flowgate/internal/taskqueue"
	"github.com/petrijr/flowgate/pkg/worker"
)

// LocalRunner bundles an in-memory engine, an in-memory task queue, and a
// Worker to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := flowgate.NewLocalRunner(flowgate.Options{})
//	_ = runner.Engine.RegisterApp("sales.order", binding)
//	flowgate.New("order-approval", "sales.order").Start("draft")...MustRegister(runner.Engine)
//
//	_ = runner.StartWorkers(ctx, 2)
//	rt, err := flowgate.SubmitDocument(ctx, runner.Engine, "sales.order", docID, userID)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine *Coordinator

	// Queue is the in-memory task queue the engine schedules onto.
	Queue Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner. opts.Queue is replaced by the
// runner's own in-memory queue.
func NewLocalRunner(opts Options) *LocalRunner {
	q := taskqueue.NewInMemoryQueue()
	opts.Queue = q
	eng := NewInMemoryEngine(opts)

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.NewWithConfig(eng, q, worker.Config{MaxAttempts: 3, Logger: opts.Logger}),
	}
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("flowgate: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil && processed {
					// The worker already logged and recorded the failure;
					// one bad task must not stop the loop.
					continue
				}
				if err != nil {
					slog.Error("flowgate: local runner dequeue failed", slog.Any("error", err))
				}
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
