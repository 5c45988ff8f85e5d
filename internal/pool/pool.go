// Package pool provides a bounded worker pool for fan-out workloads.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pool is closed")
)

// Task is one unit of work executed on a pool worker.
type Task func(ctx context.Context) error

// WorkerPool runs tasks on a fixed number of workers. Submit blocks while
// the queue is full, which is what fan-out callers want: the submitter is
// throttled instead of the queue growing without bound.
type WorkerPool struct {
	tasks  chan submission
	wg     sync.WaitGroup
	closed atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
}

type submission struct {
	ctx  context.Context
	task Task
}

// New creates a pool with the given worker count and queue depth and starts
// its workers. workers and queue fall back to 1 and workers respectively
// when non-positive.
func New(workers, queue int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers
	}
	p := &WorkerPool{tasks: make(chan submission, queue)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a task, blocking while the queue is full. It returns
// ErrClosed after Close and ctx.Err() when the context ends first.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.tasks <- submission{ctx: ctx, task: task}:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for sub := range p.tasks {
		if err := p.run(sub); err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}
}

func (p *WorkerPool) run(sub submission) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			err = errors.New("task panicked")
		}
	}()
	if sub.ctx.Err() != nil {
		return sub.ctx.Err()
	}
	return sub.task(sub.ctx)
}

// Close stops accepting tasks and waits for queued work to drain.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

// Stats reports pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// Stats contains pool counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
}
