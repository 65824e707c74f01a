package lazypp

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of task bodies running at once. A slot is held
// only while a body runs, never while waiting on dependencies, so nested
// tasks cannot exhaust it.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool with n slots. n < 1 is treated as 1.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Do runs fn in a slot. A nil pool runs fn directly.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if p == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
