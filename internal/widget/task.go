package widget

import (
	"context"
	"time"
)

// Task is the handle of one backend call started by a Controller. It resolves exactly once, after the
// controller has applied the outcome to its state.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newTask(parent context.Context, timeout time.Duration) (*Task, context.Context) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	return &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}, ctx
}

// Done returns a channel that is closed when the task resolves.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the backend error the task resolved with, or nil on success. It is only meaningful after
// Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task resolves or ctx is done. It returns the task's error in the first case and
// the context's error in the second.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the backend call. The task still resolves, with the cancellation as its error.
func (t *Task) Cancel() {
	t.cancel()
}

func (t *Task) finish(err error) {
	t.err = err
	t.cancel()
	close(t.done)
}
