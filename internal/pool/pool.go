// Package pool implements the instrumented worker pool. Every accepted unit
// is reported to the registered observers as it is scheduled, started and
// finished, and observers hear once each time the pool runs out of work.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/listeners"
	"github.com/JakeFAU/taskwatch/internal/queue/memory"
	"github.com/JakeFAU/taskwatch/internal/task"
)

var (
	// ErrPoolShutdown is returned when work is submitted after Shutdown.
	ErrPoolShutdown = errors.New("pool is shut down")
	// ErrNilUnit is returned when Execute receives a nil unit.
	ErrNilUnit = errors.New("nil unit")
)

// Kind selects the scheduling strategy.
type Kind string

// Supported pool kinds.
const (
	KindFixed   Kind = "fixed"
	KindElastic Kind = "elastic"
)

const defaultQueueDepth = 64

type options struct {
	logger     *zap.Logger
	observers  []Observer
	queueDepth int
	maxActive  int
}

// Option customizes a Pool.
type Option func(*options)

// WithLogger sets the logger used for observer failures.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers obs before the pool accepts any work.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithQueueDepth bounds the fixed pool's backlog. Execute waits for room
// once the backlog is full.
func WithQueueDepth(depth int) Option {
	return func(o *options) {
		o.queueDepth = depth
	}
}

// WithMaxActive caps the number of units an elastic pool runs at once.
// Zero means unbounded.
func WithMaxActive(n int) Option {
	return func(o *options) {
		o.maxActive = n
	}
}

// Pool runs units on goroutines and reports their lifecycle to observers.
type Pool struct {
	kind   Kind
	logger *zap.Logger

	queue *memory.Queue[*task.Unit]
	sem   chan struct{}

	observers listeners.Set[Observer]
	active    atomic.Int64

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu           sync.RWMutex
	shutdown     bool
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	terminated   chan struct{}
}

// NewFixed starts a pool of size workers fed from a bounded queue.
func NewFixed(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	o := collect(opts)
	p := newPool(KindFixed, o)
	p.queue = memory.NewQueue[*task.Unit](o.queueDepth)
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("fixed pool started", zap.Int("workers", size))
	return p
}

// NewElastic returns a pool that starts a goroutine per unit.
func NewElastic(opts ...Option) *Pool {
	o := collect(opts)
	p := newPool(KindElastic, o)
	if o.maxActive > 0 {
		p.sem = make(chan struct{}, o.maxActive)
	}
	return p
}

// New builds a pool of the given kind. size is the worker count for fixed
// pools and the concurrency cap for elastic ones.
func New(kind Kind, size int, opts ...Option) (*Pool, error) {
	switch kind {
	case KindFixed:
		return NewFixed(size, opts...), nil
	case KindElastic:
		return NewElastic(append(opts, WithMaxActive(size))...), nil
	default:
		return nil, fmt.Errorf("unknown pool kind %q", kind)
	}
}

func collect(opts []Option) options {
	o := options{logger: zap.NewNop(), queueDepth: defaultQueueDepth}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueDepth < 0 {
		o.queueDepth = defaultQueueDepth
	}
	return o
}

func newPool(kind Kind, o options) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		kind:       kind,
		logger:     o.logger.With(zap.String("pool_kind", string(kind))),
		baseCtx:    ctx,
		cancelAll:  cancel,
		terminated: make(chan struct{}),
	}
	for _, obs := range o.observers {
		p.observers.Add(obs)
	}
	return p
}

// Kind reports the scheduling strategy.
func (p *Pool) Kind() Kind { return p.kind }

// AddObserver registers obs and returns a function that removes it.
func (p *Pool) AddObserver(obs Observer) (remove func()) {
	return p.observers.Add(obs)
}

// Active returns the number of units scheduled or running.
func (p *Pool) Active() int64 { return p.active.Load() }

// Execute schedules u. The unit must not have been scheduled before. For
// fixed pools Execute waits for queue room until ctx ends; a unit that could
// not be queued is cancelled and reported to observers as run and finished
// with the returned error.
func (p *Pool) Execute(ctx context.Context, u *task.Unit) error {
	if u == nil {
		return ErrNilUnit
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	if p.shutdown {
		p.mu.RUnlock()
		return ErrPoolShutdown
	}
	if !u.MarkScheduled() {
		p.mu.RUnlock()
		return fmt.Errorf("execute unit %s: %w", u.ID(), task.ErrAlreadyScheduled)
	}
	p.active.Add(1)
	if p.queue == nil {
		p.wg.Add(1)
	}
	p.mu.RUnlock()

	p.notify("scheduled", u.ID(), func(o Observer) { o.Scheduled(u) })

	if p.queue == nil {
		go p.runElastic(u)
		return nil
	}
	if err := p.queue.Enqueue(ctx, u); err != nil {
		if errors.Is(err, memory.ErrClosed) {
			err = ErrPoolShutdown
		}
		err = fmt.Errorf("schedule unit %s: %w", u.ID(), err)
		u.Cancel()
		p.notify("before_run", u.ID(), func(o Observer) { o.BeforeRun(u) })
		p.notify("after_run", u.ID(), func(o Observer) { o.AfterRun(u, err) })
		p.release()
		return err
	}
	return nil
}

// SubmitRunnable wraps fn in a runnable unit and schedules it.
func (p *Pool) SubmitRunnable(ctx context.Context, fn func(ctx context.Context) error, opts ...task.Option) (*task.Unit, error) {
	u := task.NewRunnable(fn, opts...)
	if err := p.Execute(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Submit wraps fn in a typed future and schedules it on p.
func Submit[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error), opts ...task.Option) (*task.Future[T], error) {
	f := task.NewFuture(fn, opts...)
	if err := p.Execute(ctx, f.Unit()); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *Pool) worker(idx int) {
	defer p.wg.Done()
	for {
		u, err := p.queue.Dequeue(context.Background())
		if err != nil {
			if !errors.Is(err, memory.ErrClosed) {
				p.logger.Error("dequeue failed", zap.Int("worker", idx), zap.Error(err))
			}
			return
		}
		p.runUnit(u)
	}
}

func (p *Pool) runElastic(u *task.Unit) {
	defer p.wg.Done()
	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-p.baseCtx.Done():
		}
	}
	p.runUnit(u)
}

func (p *Pool) runUnit(u *task.Unit) {
	id := u.ID()
	p.notify("before_run", id, func(o Observer) { o.BeforeRun(u) })
	u.Run(p.baseCtx)
	err := u.Err()
	p.notify("after_run", id, func(o Observer) { o.AfterRun(u, err) })
	p.release()
}

// release decrements the active count and reports the drain edge.
func (p *Pool) release() {
	if p.active.Add(-1) == 0 {
		p.notify("drained", uuid.Nil, func(o Observer) { o.Drained() })
	}
}

func (p *Pool) notify(stage string, id uuid.UUID, fn func(Observer)) {
	for _, obs := range p.observers.Snapshot() {
		p.safely(stage, id, obs, fn)
	}
}

func (p *Pool) safely(stage string, id uuid.UUID, obs Observer, fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			fields := []zap.Field{
				zap.String("stage", stage),
				zap.String("observer", fmt.Sprintf("%T", obs)),
				zap.Any("panic", r),
			}
			if id != uuid.Nil {
				fields = append(fields, zap.Stringer("unit_id", id))
			}
			p.logger.Error("pool observer panicked", fields...)
		}
	}()
	fn(obs)
}

// Shutdown stops accepting work. Units already accepted still run.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.shutdown = true
		p.mu.Unlock()
		if p.queue != nil {
			p.queue.Close()
		}
		go func() {
			p.wg.Wait()
			p.cancelAll()
			close(p.terminated)
		}()
		p.logger.Debug("pool shutdown requested", zap.Int64("active", p.Active()))
	})
}

// ShutdownNow stops accepting work and cancels the context of every running
// unit. Units still queued complete as cancelled without running.
func (p *Pool) ShutdownNow() {
	p.cancelAll()
	p.Shutdown()
}

// AwaitTermination blocks until every accepted unit has finished after
// Shutdown, or ctx ends.
func (p *Pool) AwaitTermination(ctx context.Context) error {
	select {
	case <-p.terminated:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await pool termination: %w", ctx.Err())
	}
}

// Terminated reports whether the pool has shut down and finished all work.
func (p *Pool) Terminated() bool {
	select {
	case <-p.terminated:
		return true
	default:
		return false
	}
}
