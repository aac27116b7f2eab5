package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTaskTimeout is returned by [Task.CancelAndWait] when the task did not
// stop within the given timeout.
var ErrTaskTimeout = errors.New("channel: task did not stop in time")

// Task is a single stage loop running in its own goroutine.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Go starts fn in a new goroutine with a cancellable child of ctx.
func Go(ctx context.Context, fn func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer cancel()
		err := fn(ctx)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
	}()
	return t
}

// Done is closed when the task function has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's result. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task finishes or ctx is done and returns the task
// result.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAndWait signals the task to stop and waits up to timeout for it to
// return. A cancellation error is suppressed: a task that already finished,
// or that stopped because of this call, reports nil. Any other task error is
// returned. If the task is still running after timeout, ErrTaskTimeout is
// returned and the goroutine is left to exit on its own.
func (t *Task) CancelAndWait(timeout time.Duration) error {
	t.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
	case <-timer.C:
		return fmt.Errorf("%w (after %s)", ErrTaskTimeout, timeout)
	}

	err := t.Err()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
