package objstore

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner runs tasks on at most maxThreadCount goroutines and collects the first error.
type TaskRunner struct {
	eg      *errgroup.Group
	context context.Context
}

// NewTaskRunner returns a TaskRunner whose context is cancelled on the first task failure.
func NewTaskRunner(ctx context.Context, maxThreadCount int) *TaskRunner {
	eg, ctx2 := errgroup.WithContext(ctx)
	if maxThreadCount > 0 {
		eg.SetLimit(maxThreadCount)
	}
	return &TaskRunner{
		eg:      eg,
		context: ctx2,
	}
}

// GetContext returns the context tasks should observe.
func (tr *TaskRunner) GetContext() context.Context {
	return tr.context
}

// Go blocks until a slot is free, then runs task on its own goroutine.
func (tr *TaskRunner) Go(task func() error) {
	tr.eg.Go(task)
}

// Wait is a wrapper to errgroup.Wait.
func (tr *TaskRunner) Wait() error {
	return tr.eg.Wait()
}
