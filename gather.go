package lazypp

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Gather resolves nodes concurrently and returns the first error. Every
// node is resolved even when another fails.
func Gather(ctx context.Context, nodes ...Node) error {
	var g errgroup.Group
	for _, n := range nodes {
		g.Go(func() error {
			_, err := n.resolve(ctx)
			return err
		})
	}
	return g.Wait()
}

// Results resolves tasks concurrently and returns their outputs in order.
func Results[I, O any](ctx context.Context, tasks ...*Task[I, O]) ([]O, error) {
	out := make([]O, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		g.Go(func() error {
			v, err := t.Result(ctx)
			out[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Collect resolves refs concurrently and returns their values in order.
func Collect[T any](ctx context.Context, refs ...*Ref[T]) ([]T, error) {
	out := make([]T, len(refs))
	var g errgroup.Group
	for i, r := range refs {
		g.Go(func() error {
			v, err := r.Get(ctx)
			out[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
