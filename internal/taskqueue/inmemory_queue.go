package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a delay-aware Queue kept in process memory. Tasks are
// ordered by NotBefore, then by arrival. It is safe for concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  []Task
	notify chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		notify: make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	i := sort.Search(len(q.tasks), func(i int) bool {
		return eligibleAt(q.tasks[i]).After(eligibleAt(t))
	})
	q.tasks = append(q.tasks, Task{})
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(time.Hour)
	defer tmr.Stop()

	for {
		q.mu.Lock()
		var wait time.Duration = -1
		if len(q.tasks) > 0 {
			head := q.tasks[0]
			now := time.Now()
			if head.due(now) {
				q.tasks = q.tasks[1:]
				remaining := len(q.tasks)
				q.mu.Unlock()
				if remaining > 0 {
					// Wake another consumer for the rest of the backlog.
					select {
					case q.notify <- struct{}{}:
					default:
					}
				}
				return &head, nil
			}
			wait = head.NotBefore.Sub(now)
		}
		q.mu.Unlock()

		var timeout <-chan time.Time
		if wait >= 0 {
			if !tmr.Stop() {
				select {
				case <-tmr.C:
				default:
				}
			}
			tmr.Reset(wait)
			timeout = tmr.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-timeout:
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func eligibleAt(t Task) time.Time {
	if t.NotBefore.IsZero() {
		return t.EnqueuedAt
	}
	return t.NotBefore
}
