// Package executor provides a serial execution queue for session state.
//
// Each session owns one Executor. Every state-mutating operation on the
// session is submitted as a function and runs on the executor's single worker
// goroutine, one at a time, in submission order. Code running inside a task
// is therefore the only writer of the owning session's state and needs no
// further locking.
package executor

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed indicates the executor has been closed and accepts no more work.
var ErrClosed = errors.New("executor is closed")

const queueDepth = 64

type task struct {
	fn     func() error
	result chan error
}

// Executor runs submitted functions strictly one at a time on a single
// worker goroutine.
type Executor struct {
	tasks chan task
	quit  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates an Executor and starts its worker.
func New() *Executor {
	e := &Executor{
		tasks: make(chan task, queueDepth),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		select {
		case t := <-e.tasks:
			t.result <- t.fn()
		case <-e.quit:
			// Drain already-queued work so submission order is preserved
			// up to the close point.
			for {
				select {
				case t := <-e.tasks:
					t.result <- t.fn()
				default:
					return
				}
			}
		}
	}
}

// Invoke submits fn and waits for it to run to completion, returning fn's
// error. Submission order across concurrent callers determines execution
// order. The context only bounds the wait for a queue slot; once fn is
// accepted it always runs to completion (there is no mid-operation
// cancellation).
//
// Invoke must not be called from inside a running task; the worker would
// deadlock waiting on itself.
func (e *Executor) Invoke(ctx context.Context, fn func() error) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	t := task{fn: fn, result: make(chan error, 1)}
	select {
	case e.tasks <- t:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.result:
		return err
	case <-e.done:
		// The worker exited before reaching this task.
		select {
		case err := <-t.result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops the worker after the currently queued tasks finish. It is
// idempotent and blocks until the worker has exited.
func (e *Executor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.quit)
	}
	e.mu.Unlock()
	<-e.done
}
