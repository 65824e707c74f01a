package lazypp

import (
	"context"

	"github.com/gen740/lazypp/internal/digest"
)

// Ref is a lazy projection of a task's output. It can be used as a task
// input wherever the projected value is needed.
type Ref[T any] struct {
	task   Node
	field  string
	result func(ctx context.Context) (T, error)
}

// Field projects the output of t through fn. name identifies the
// projection and is part of the ref's identity.
func Field[I, O, T any](t *Task[I, O], name string, fn func(O) T) *Ref[T] {
	return &Ref[T]{
		task:  t,
		field: name,
		result: func(ctx context.Context) (T, error) {
			out, err := t.Result(ctx)
			if err != nil {
				var zero T
				return zero, err
			}
			return fn(out), nil
		},
	}
}

// Name returns "task.field".
func (r *Ref[T]) Name() string { return r.task.Name() + "." + r.field }

// Hash returns the md5 hex digest of the task hash and the field name.
func (r *Ref[T]) Hash() (string, error) {
	h, err := r.task.Hash()
	if err != nil {
		return "", err
	}
	return digest.Bytes([]byte(h + r.field)), nil
}

// Get resolves the task and returns the projected value.
func (r *Ref[T]) Get(ctx context.Context) (T, error) {
	return r.result(ctx)
}

func (r *Ref[T]) resolve(ctx context.Context) (any, error) {
	return r.Get(ctx)
}

func (r *Ref[T]) refOf() (string, string, error) {
	h, err := r.task.Hash()
	return h, r.field, err
}
