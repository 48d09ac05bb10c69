package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/taskwatch/internal/task"
)

// CompletionService submits typed work to a Pool and hands results back in
// the order they finish.
type CompletionService[T any] struct {
	pool *Pool

	mu        sync.Mutex
	completed []*task.Future[T]
	signal    chan struct{}
}

// NewCompletionService wraps p.
func NewCompletionService[T any](p *Pool) *CompletionService[T] {
	return &CompletionService[T]{
		pool:   p,
		signal: make(chan struct{}, 1),
	}
}

// Submit schedules fn and returns its future. The future is also delivered
// by Take or Poll once it completes.
func (cs *CompletionService[T]) Submit(ctx context.Context, fn func(ctx context.Context) (T, error), opts ...task.Option) (*task.Future[T], error) {
	f, err := Submit(ctx, cs.pool, fn, opts...)
	if err != nil {
		return nil, err
	}
	f.Unit().OnComplete(func(*task.Unit) { cs.push(f) })
	return f, nil
}

func (cs *CompletionService[T]) push(f *task.Future[T]) {
	cs.mu.Lock()
	cs.completed = append(cs.completed, f)
	cs.mu.Unlock()
	select {
	case cs.signal <- struct{}{}:
	default:
	}
}

// Poll returns the next completed future without waiting.
func (cs *CompletionService[T]) Poll() (*task.Future[T], bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.completed) == 0 {
		return nil, false
	}
	f := cs.completed[0]
	cs.completed[0] = nil
	cs.completed = cs.completed[1:]
	return f, true
}

// Take waits for the next completed future.
func (cs *CompletionService[T]) Take(ctx context.Context) (*task.Future[T], error) {
	for {
		if f, ok := cs.Poll(); ok {
			return f, nil
		}
		select {
		case <-cs.signal:
		case <-ctx.Done():
			return nil, fmt.Errorf("take completed unit: %w", ctx.Err())
		}
	}
}
