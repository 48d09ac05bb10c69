// Package decision decides whether background work deserves a progress
// surface. A Coordinator starts the work and races its completion against a
// popup deadline and a completion-time prediction built from the work's
// progress reports; exactly one of the two outcomes is ever produced.
package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/progress"
	"github.com/JakeFAU/taskwatch/internal/task"
)

// ErrAlreadyStarted is returned when the unit was scheduled or run before.
var ErrAlreadyStarted = errors.New("unit already started")

// Outcome is the branch a decision resolved to.
type Outcome int

// Decision outcomes.
const (
	OutcomeUndecided Outcome = iota
	OutcomeShow
	OutcomeFinished
)

func (o Outcome) String() string {
	switch o {
	case OutcomeShow:
		return "show"
	case OutcomeFinished:
		return "finished"
	default:
		return "undecided"
	}
}

const (
	// DefaultDecisionDelay is how long the coordinator waits before it
	// starts predicting completion from progress.
	DefaultDecisionDelay = 300 * time.Millisecond
	// DefaultPopupThreshold is the predicted or actual run time that
	// justifies a progress surface.
	DefaultPopupThreshold = time.Second
)

// Config describes one decision run. Zero durations take the defaults.
type Config struct {
	Title          string
	DecisionDelay  time.Duration
	PopupThreshold time.Duration
	// Cancelable lets the surface offer a cancel action.
	Cancelable bool
	// UncaughtHandler additionally receives failures of the work.
	// Cancellation is not a failure.
	UncaughtHandler func(u *task.Unit, err error)
}

// DefaultConfig returns a Config with default durations.
func DefaultConfig() Config {
	return Config{
		Title:          "Working",
		DecisionDelay:  DefaultDecisionDelay,
		PopupThreshold: DefaultPopupThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.DecisionDelay <= 0 {
		c.DecisionDelay = DefaultDecisionDelay
	}
	if c.PopupThreshold <= 0 {
		c.PopupThreshold = DefaultPopupThreshold
	}
	if c.Title == "" {
		c.Title = "Working"
	}
	return c
}

// Executor runs units; *pool.Pool satisfies it.
type Executor interface {
	Execute(ctx context.Context, u *task.Unit) error
}

// Recorder observes resolved decisions.
type Recorder interface {
	ObserveDecision(outcome Outcome, wait time.Duration)
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithExecutor runs work on exec instead of a fresh goroutine.
func WithExecutor(exec Executor) Option {
	return func(c *Coordinator) {
		c.exec = exec
	}
}

// WithRecorder reports every decision to r.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// Coordinator runs units and decides whether they warrant a surface. It is
// safe for concurrent use; each Run has its own decision state.
type Coordinator struct {
	logger   *zap.Logger
	exec     Executor
	recorder Recorder
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run starts u and blocks until the decision resolves. OutcomeFinished means
// u completed before a surface was warranted; OutcomeShow means it is still
// running, or finished only after the popup deadline or a slow prediction.
// The work's own failure is never returned here; read it from u. If ctx ends
// first, u is cancelled, which resolves the decision as finished.
func (c *Coordinator) Run(ctx context.Context, u *task.Unit, cfg Config) (Outcome, error) {
	if u == nil {
		return OutcomeUndecided, errors.New("nil unit")
	}
	if u.Status() != task.StatusPending {
		return OutcomeUndecided, fmt.Errorf("run unit %s: %w", u.ID(), ErrAlreadyStarted)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	logger := c.logger.With(zap.Stringer("unit_id", u.ID()), zap.String("title", cfg.Title))

	d := newDecider()
	start := time.Now()

	removeHook := u.Progress().OnChange(func(s progress.State) {
		if predictsSlow(time.Since(start), cfg.DecisionDelay, cfg.PopupThreshold, s.Progress) && d.show() {
			logger.Debug("completion predicted slow", zap.Float64("progress", s.Progress))
		}
	})
	timer := time.AfterFunc(cfg.PopupThreshold, func() {
		if d.show() {
			logger.Debug("popup threshold reached")
		}
	})
	stopCancel := context.AfterFunc(ctx, func() { u.Cancel() })

	u.OnComplete(func(done *task.Unit) {
		timer.Stop()
		removeHook()
		stopCancel()
		d.finish()
		err := done.Err()
		if err == nil || task.IsCanceled(err) {
			return
		}
		if cfg.UncaughtHandler != nil {
			cfg.UncaughtHandler(done, err)
			return
		}
		logger.Warn("work failed", zap.Error(err))
	})

	if err := c.start(ctx, u); err != nil {
		timer.Stop()
		removeHook()
		stopCancel()
		if !errors.Is(err, ErrAlreadyStarted) {
			u.Cancel()
		}
		return OutcomeUndecided, fmt.Errorf("start unit %s: %w", u.ID(), err)
	}

	// Progress may already have been reported before the hook saw elapsed
	// time pass the delay.
	if predictsSlow(time.Since(start), cfg.DecisionDelay, cfg.PopupThreshold, u.Progress().State().Progress) {
		d.show()
	}

	<-d.decided
	outcome := d.outcome()
	wait := time.Since(start)
	logger.Debug("decision resolved", zap.Stringer("outcome", outcome), zap.Duration("wait", wait))
	if c.recorder != nil {
		c.recorder.ObserveDecision(outcome, wait)
	}
	return outcome, nil
}

func (c *Coordinator) start(ctx context.Context, u *task.Unit) error {
	if c.exec != nil {
		if err := c.exec.Execute(ctx, u); err != nil {
			if errors.Is(err, task.ErrAlreadyScheduled) {
				return ErrAlreadyStarted
			}
			return err
		}
		return nil
	}
	if !u.MarkScheduled() {
		return ErrAlreadyStarted
	}
	go u.Run(ctx)
	return nil
}
