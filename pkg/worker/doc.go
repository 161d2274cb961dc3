// Package worker drives queued flowgate tasks.
//
// A Worker dequeues apply and advance tasks and hands them to an
// api.TaskRunner (normally the engine's Coordinator). Delivery is at least
// once: the runner tolerates duplicates, so a worker never needs locks or
// leases of its own.
//
// # Retries
//
// A failed task is retried while api.IsRetryable holds and fewer than
// Config.MaxAttempts runs have happened. The retry is put back on the queue
// with NotBefore set to an exponential backoff starting at Config.Backoff.
// Once the worker gives up it calls FailTask, which records FAILURE on the
// runtime so that Coordinator.RequeueStranded can pick it up later.
//
// # Scaling
//
// Run starts Config.Concurrency consumers. Any number of workers, in any
// number of processes, may share one queue.
package worker
