// Package workload provides synthetic work for exercising the pool, the
// decision coordinator and the task runner from the command line.
package workload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/progress"
)

// ErrInjected is the failure returned by work configured to fail.
var ErrInjected = errors.New("injected failure")

// Steps returns work that performs n steps of delay each, reporting its
// message and fractional progress through the handler carried by ctx. It
// fails with ErrInjected after the last step when fail is set, and stops
// early when ctx ends.
func Steps(n int, delay time.Duration, fail bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		h := progress.FromContext(ctx)
		if n <= 0 {
			h.SetProgress(1)
			return nil
		}
		for i := 1; i <= n; i++ {
			h.SetMessage(fmt.Sprintf("step %d/%d", i, n))
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			h.SetProgress(float64(i) / float64(n))
		}
		if fail {
			return ErrInjected
		}
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("step interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Counter is a runner.Task that counts to Total, one number per step.
type Counter struct {
	total  int
	delay  time.Duration
	logger *zap.Logger
	ch     *progress.Channel

	mu        sync.Mutex
	count     int
	runs      int
	completed bool
	err       error
}

// NewCounter builds a Counter. ch may be nil; when set it receives the
// counter's progress after every step.
func NewCounter(total int, delay time.Duration, ch *progress.Channel, logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{total: total, delay: delay, logger: logger, ch: ch}
}

// Started implements runner.Task.
func (c *Counter) Started() {
	c.mu.Lock()
	c.runs++
	runs := c.runs
	c.mu.Unlock()
	c.logger.Debug("counter started", zap.Int("run", runs))
}

// Step implements runner.Task.
func (c *Counter) Step(ctx context.Context) error {
	if err := sleep(ctx, c.delay); err != nil {
		return err
	}
	c.mu.Lock()
	c.count++
	count := c.count
	c.mu.Unlock()
	if c.ch != nil {
		c.ch.SetMessage(fmt.Sprintf("counted %d of %d", count, c.total))
		if c.total > 0 {
			c.ch.SetProgress(float64(count) / float64(c.total))
		}
	}
	return nil
}

// Done implements runner.Task.
func (c *Counter) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count >= c.total
}

// Finished implements runner.Task.
func (c *Counter) Finished(completed bool, err error) {
	c.mu.Lock()
	c.completed = completed
	c.err = err
	count := c.count
	c.mu.Unlock()
	c.logger.Info("counter finished",
		zap.Int("count", count),
		zap.Bool("completed", completed),
		zap.Error(err),
	)
}

// Count returns the number of steps performed so far.
func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Result reports how the most recent run ended.
func (c *Counter) Result() (completed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed, c.err
}
