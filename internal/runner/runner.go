// Package runner drives step-wise tasks under explicit start, pause,
// single-step and stop control. One goroutine runs the task loop; control
// calls may come from any goroutine.
package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/listeners"
	"github.com/JakeFAU/taskwatch/internal/task"
)

// Task is a computation performed one Step at a time.
type Task interface {
	// Started is called on the loop goroutine before the first step.
	Started()
	// Step performs one iteration. ctx is cancelled by Stop(true).
	Step(ctx context.Context) error
	// Done reports whether the task has nothing left to do.
	Done() bool
	// Finished is called once per run. completed is true only when Done
	// ended the run; err is set when a step failed.
	Finished(completed bool, err error)
}

// Listener observes runner transitions. Callbacks run one at a time, in
// transition order, with no runner lock held. They may query the runner
// but must not call SetPaused, SingleStep or Stop on it.
type Listener interface {
	Starting()
	PauseChanged(paused bool)
	Finished()
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnStarting     func()
	OnPauseChanged func(paused bool)
	OnFinished     func()
}

// Starting implements Listener.
func (f ListenerFuncs) Starting() {
	if f.OnStarting != nil {
		f.OnStarting()
	}
}

// PauseChanged implements Listener.
func (f ListenerFuncs) PauseChanged(paused bool) {
	if f.OnPauseChanged != nil {
		f.OnPauseChanged(paused)
	}
}

// Finished implements Listener.
func (f ListenerFuncs) Finished() {
	if f.OnFinished != nil {
		f.OnFinished()
	}
}

// State is the observable runner state.
type State int

// Runner states.
const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Recorder observes step outcomes.
type Recorder interface {
	ObserveStep(dur time.Duration, err error)
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorder reports every step to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// Runner runs a Task on its own goroutine. All flags are guarded by mu and
// waited on through cond. Listener notifications are queued under mu and
// delivered after it is released; the control call that queued one
// returns once it has been delivered.
type Runner struct {
	task     Task
	logger   *zap.Logger
	recorder Recorder

	listeners listeners.Set[Listener]

	mu            sync.Mutex
	cond          *sync.Cond
	active        bool
	started       bool
	paused        bool
	singleStep    bool
	stopRequested bool
	cancel        context.CancelFunc
	done          chan struct{}

	pending   []notification
	queued    uint64
	delivered uint64
	draining  bool
}

type notification struct {
	event   string
	targets []Listener
	fn      func(Listener)
}

// New creates an idle Runner for t.
func New(t Task, opts ...Option) *Runner {
	r := &Runner{task: t, logger: zap.NewNop()}
	r.cond = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener registers l and returns a function that removes it.
func (r *Runner) AddListener(l Listener) (remove func()) {
	return r.listeners.Add(l)
}

// State returns the current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case !r.active:
		return StateIdle
	case r.stopRequested:
		return StateStopping
	case r.paused:
		return StatePaused
	default:
		return StateRunning
	}
}

// Running reports whether the loop goroutine is alive.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Paused reports whether the pause flag is set.
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Start launches the loop and returns immediately. Starting a running
// runner logs a warning and does nothing.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		r.logger.Warn("task runner already running")
		return
	}
	r.startLocked()
}

func (r *Runner) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	r.active = true
	r.started = false
	r.stopRequested = false
	r.cancel = cancel
	r.done = make(chan struct{})
	r.logger.Debug("starting task runner")
	go r.loop(ctx, cancel, r.done)
}

// SetPaused sets the pause flag. A paused loop waits before its next step;
// a step already in flight is not interrupted.
func (r *Runner) SetPaused(paused bool) {
	r.mu.Lock()
	seq := r.setPausedLocked(paused)
	r.mu.Unlock()
	r.deliver(seq)
}

// setPausedLocked updates the flag and queues a notification when it
// changed. It returns the sequence number to deliver, or 0.
func (r *Runner) setPausedLocked(paused bool) uint64 {
	if r.paused == paused {
		return 0
	}
	r.paused = paused
	r.cond.Broadcast()
	return r.enqueueLocked("pause_changed", func(l Listener) { l.PauseChanged(paused) })
}

// SingleStep runs exactly one more step and then pauses. On an idle runner
// it starts the loop and waits until the loop is running.
func (r *Runner) SingleStep() {
	r.mu.Lock()
	r.singleStep = true
	seq := r.setPausedLocked(false)
	if !r.active {
		r.startLocked()
	}
	for r.active && !r.started {
		r.cond.Wait()
	}
	r.mu.Unlock()
	r.deliver(seq)
}

// Stop asks the loop to exit before its next step and waits until it has.
// With mayInterrupt the context of the step in flight is cancelled too.
// Stopping an idle runner does nothing.
func (r *Runner) Stop(mayInterrupt bool) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.stopRequested = true
	done := r.done
	cancel := r.cancel
	r.cond.Broadcast()
	seq := r.setPausedLocked(false)
	r.mu.Unlock()
	r.deliver(seq)
	if mayInterrupt {
		r.logger.Debug("interrupting task step")
		cancel()
	}
	<-done
}

// Wait blocks until the current run ends or ctx is done. It returns nil
// immediately for an idle runner.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil
	}
	done := r.done
	r.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for task runner: %w", ctx.Err())
	}
}

func (r *Runner) loop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()
	defer r.exit()

	r.mu.Lock()
	r.started = true
	r.cond.Broadcast()
	seq := r.enqueueLocked("starting", func(l Listener) { l.Starting() })
	r.mu.Unlock()
	r.deliver(seq)

	if err := r.guard("started", func() error { r.task.Started(); return nil }); err != nil {
		r.finishTask(false, err)
		return
	}

	for {
		r.mu.Lock()
		for r.paused && !r.stopRequested {
			r.cond.Wait()
		}
		stop := r.stopRequested
		r.mu.Unlock()
		if stop {
			r.finishTask(false, nil)
			return
		}

		began := time.Now()
		err := r.guard("step", func() error { return r.task.Step(ctx) })
		if r.recorder != nil {
			r.recorder.ObserveStep(time.Since(began), err)
		}
		if err != nil {
			if task.IsCanceled(err) && ctx.Err() != nil {
				// Interrupted by Stop; the stop check above ends the run.
				continue
			}
			r.logger.Error("task step failed", zap.Error(err))
			r.finishTask(false, err)
			return
		}

		var finished bool
		if err := r.guard("done", func() error { finished = r.task.Done(); return nil }); err != nil {
			r.finishTask(false, err)
			return
		}
		if finished {
			r.finishTask(true, nil)
			return
		}

		r.mu.Lock()
		seq = 0
		if r.singleStep {
			r.singleStep = false
			seq = r.setPausedLocked(true)
		}
		r.mu.Unlock()
		r.deliver(seq)
	}
}

// exit runs on every loop exit path.
func (r *Runner) exit() {
	r.mu.Lock()
	r.setPausedLocked(false)
	r.active = false
	r.started = false
	r.singleStep = false
	r.stopRequested = false
	r.cancel = nil
	r.cond.Broadcast()
	seq := r.enqueueLocked("finished", func(l Listener) { l.Finished() })
	r.mu.Unlock()
	r.deliver(seq)
	r.logger.Debug("task runner finished")
}

func (r *Runner) finishTask(completed bool, err error) {
	if ferr := r.guard("finished", func() error { r.task.Finished(completed, err); return nil }); ferr != nil {
		r.logger.Error("task finish hook failed", zap.Error(ferr))
	}
}

// guard runs a task hook and turns a panic into an error.
func (r *Runner) guard(hook string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %s hook: %w", hook, &task.PanicError{Value: rec, Stack: debug.Stack()})
		}
	}()
	return fn()
}

// enqueueLocked queues a notification for the current listeners and
// returns its sequence number. mu must be held.
func (r *Runner) enqueueLocked(event string, fn func(Listener)) uint64 {
	r.queued++
	r.pending = append(r.pending, notification{event: event, targets: r.listeners.Snapshot(), fn: fn})
	return r.queued
}

// deliver returns once every notification up to seq has been delivered.
// One caller at a time drains the queue in order; the others wait on cond.
// mu must not be held.
func (r *Runner) deliver(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.delivered < seq {
		if r.draining {
			r.cond.Wait()
			continue
		}
		r.draining = true
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		for _, n := range batch {
			for _, l := range n.targets {
				r.safely(n.event, func() { n.fn(l) })
			}
		}
		r.mu.Lock()
		r.delivered += uint64(len(batch))
		r.draining = false
		r.cond.Broadcast()
	}
}

func (r *Runner) safely(event string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task runner listener panicked",
				zap.String("event", event),
				zap.Any("panic", rec),
			)
		}
	}()
	fn()
}
