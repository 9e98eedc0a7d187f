package flows

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

// executor runs the tasks of one step concurrently and waits for all of
// them. The returned errors are index-aligned with tasks.
type executor interface {
	run(ctx context.Context, tasks []*Task, fn func(context.Context, *Task) error) []error
	close()
}

func newExecutor(rc config.RunConfig) (executor, error) {
	if rc.Executor == config.ExecutorPool {
		return newPoolExecutor(rc.MaxConcurrency)
	}
	return goroutineExecutor{limit: rc.MaxConcurrency}, nil
}

// goroutineExecutor starts one goroutine per task, at most limit at a
// time when limit is positive.
type goroutineExecutor struct {
	limit int
}

func (e goroutineExecutor) run(ctx context.Context, tasks []*Task, fn func(context.Context, *Task) error) []error {
	errs := make([]error, len(tasks))

	var sem chan struct{}
	if e.limit > 0 {
		sem = make(chan struct{}, e.limit)
	}

	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					errs[i] = ctx.Err()
					return
				}
			}
			errs[i] = fn(ctx, t)
		}()
	}
	wg.Wait()
	return errs
}

func (goroutineExecutor) close() {}

// poolExecutor submits tasks to an ants worker pool that lives for the
// whole invocation.
type poolExecutor struct {
	pool *ants.Pool
}

func newPoolExecutor(size int) (*poolExecutor, error) {
	if size <= 0 {
		size = -1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &poolExecutor{pool: pool}, nil
}

func (e *poolExecutor) run(ctx context.Context, tasks []*Task, fn func(context.Context, *Task) error) []error {
	errs := make([]error, len(tasks))

	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			errs[i] = fn(ctx, t)
		})
		if err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("submit task %s: %w", t.Name, err)
		}
	}
	wg.Wait()
	return errs
}

func (e *poolExecutor) close() {
	e.pool.Release()
}
