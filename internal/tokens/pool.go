package tokens

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent tokenizer runs. Encoding a long history is
// CPU-bound, and many threads count in parallel; without a bound the
// encoders would starve the stream pump goroutines.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a pool admitting size concurrent tasks. Size <= 0
// defaults to GOMAXPROCS.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Do runs fn once a slot frees up, or returns the context error without
// running it.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	fn()
	return nil
}
