package workers

import (
	"context"
	"sync"
)

// Pool runs independent tasks with bounded parallelism. Regions share no
// mutable state with each other, so persisting or merging many of them at
// once only needs a concurrency cap, not coordination.
type Pool struct {
	workers int
}

func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers}
}

// Run executes every task, at most p.workers at a time. The first failure
// cancels the context handed to the remaining tasks; tasks not yet started
// are skipped. Returns the first error.
func (p *Pool) Run(parent context.Context, tasks []func(context.Context) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	sem := make(chan struct{}, p.workers)
	for _, task := range tasks {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
			wg.Add(1)
			go func(task func(context.Context) error) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := task(ctx); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					cancel()
				}
			}(task)
		}
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if firstErr == nil {
		return parent.Err()
	}
	return firstErr
}
