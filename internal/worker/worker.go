// ============================================================================
// Sortline Lookup Worker
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that resolves barcodes, each Worker runs in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh, or exit when stopCh closes
//   2. Resolve the barcode under a per-task timeout
//   3. Send the result to resultCh (gives up if the pool stops first)
//
// Timeout Control:
//   Each task gets its own context derived from the pool context, so Stop()
//   aborts in-flight lookups and a slow lookup service cannot pin a worker.
//
// Panic Recovery:
//   A panic inside the resolver is converted into a failed Result so the
//   item is reported as errored instead of being silently lost.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a lookup execution unit
type Worker struct {
	id       int
	resolver Resolver
	timeout  time.Duration
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, resolver Resolver, timeout time.Duration, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		resolver: resolver,
		timeout:  timeout,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(ctx, task)

			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

// execute resolves a single barcode
func (w *Worker) execute(parent context.Context, task Task) (result Result) {
	start := time.Now()
	result.Barcode = task.Barcode

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("worker %d: resolver panic: %v", w.id, r)
		}
		result.Duration = time.Since(start)
	}()

	result.Routing, result.Err = w.resolver.Resolve(ctx, task.Barcode)
	return result
}
