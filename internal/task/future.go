package task

import (
	"context"
	"fmt"
)

// Future is a typed view over a callable unit.
type Future[T any] struct {
	unit *Unit
}

// NewFuture builds a callable unit from a typed body.
func NewFuture[T any](fn func(ctx context.Context) (T, error), opts ...Option) *Future[T] {
	var body Func
	if fn != nil {
		body = func(ctx context.Context) (any, error) {
			return fn(ctx)
		}
	}
	return &Future[T]{unit: NewCallable(body, opts...)}
}

// Unit returns the underlying unit, which is what pools and observers track.
func (f *Future[T]) Unit() *Unit { return f.unit }

// Get waits for the result.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	var zero T
	v, err := f.unit.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unit %s: result has type %T", f.unit.ID(), v)
	}
	return out, nil
}

// Cancel cancels the underlying unit.
func (f *Future[T]) Cancel() bool { return f.unit.Cancel() }

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.unit.Done() }
