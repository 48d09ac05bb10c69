// Package dispatcher provides execution contexts for listener delivery. A
// Serial dispatcher plays the role of a UI event loop: callbacks run one at a
// time, in submission order, on a single goroutine.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Executor runs callbacks on some execution context. Execute must not block
// the caller for longer than it takes to enqueue fn.
type Executor interface {
	Execute(fn func())
}

// Inline runs callbacks on the calling goroutine.
type Inline struct{}

// Execute calls fn immediately.
func (Inline) Execute(fn func()) {
	fn()
}

// Serial executes callbacks in FIFO order on a dedicated goroutine.
type Serial struct {
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool

	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewSerial starts the delivery goroutine and returns the dispatcher.
func NewSerial(logger *zap.Logger) *Serial {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Serial{
		logger: logger,
		doneCh: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Execute enqueues fn. It never blocks; callbacks submitted after Close are
// dropped with a warning.
func (s *Serial) Execute(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("dispatcher closed, dropping callback")
		return
	}
	s.pending = append(s.pending, fn)
	s.mu.Unlock()
	s.cond.Signal()
}

// Barrier blocks until every callback enqueued before the call has run.
func (s *Serial) Barrier(ctx context.Context) error {
	reached := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		select {
		case <-s.doneCh:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("dispatcher barrier: %w", ctx.Err())
		}
	}
	s.pending = append(s.pending, func() { close(reached) })
	s.mu.Unlock()
	s.cond.Signal()

	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher barrier: %w", ctx.Err())
	}
}

// Close stops accepting callbacks, runs those already queued, and waits for
// the delivery goroutine to exit.
func (s *Serial) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Broadcast()
	})
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher close wait: %w", ctx.Err())
	}
}

func (s *Serial) run() {
	defer close(s.doneCh)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.pending) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, fn := range batch {
			s.invoke(fn)
		}
	}
}

func (s *Serial) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatched callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
