package engine

import (
	"context"
	"sync"
)

// Task is a single-assignment completion future for a stream proxy. It can
// be awaited any number of times; completion is delivered at most once and
// the outcome is immutable afterwards.
type Task struct {
	done   chan struct{}
	once   sync.Once
	err    error
	notify func()
}

func newTask(notify func()) *Task {
	return &Task{done: make(chan struct{}), notify: notify}
}

func (t *Task) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
		if t.notify != nil {
			t.notify()
		}
	})
}

// Done reports whether the task has completed, without blocking.
func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns the task's outcome. Only valid once Done reports true.
func (t *Task) Err() error { return t.err }

// Wait blocks until the task completes or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitFuture is a single-assignment future for a process exit code.
type ExitFuture struct {
	done   chan struct{}
	once   sync.Once
	code   int
	err    error
	notify func()
}

func newExitFuture(notify func()) *ExitFuture {
	return &ExitFuture{done: make(chan struct{}), notify: notify}
}

func (f *ExitFuture) complete(code int, err error) {
	f.once.Do(func() {
		f.code = code
		f.err = err
		close(f.done)
		if f.notify != nil {
			f.notify()
		}
	})
}

// Done reports whether the process has been reaped, without blocking.
func (f *ExitFuture) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the exit code. Only valid once Done reports true.
func (f *ExitFuture) Result() (int, error) { return f.code, f.err }

// Wait blocks until the process exits or ctx is cancelled.
func (f *ExitFuture) Wait(ctx context.Context) (int, error) {
	select {
	case <-f.done:
		return f.code, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
