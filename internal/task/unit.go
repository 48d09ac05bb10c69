// Package task defines the observable unit of work: a callable or runnable
// computation tracked by identity through a pool, carrying its own progress
// channel and completing exactly once.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	idgen "github.com/JakeFAU/taskwatch/internal/id/uuid"
	"github.com/JakeFAU/taskwatch/internal/progress"
)

// ErrAlreadyScheduled is returned when a unit is handed to a pool or
// coordinator more than once.
var ErrAlreadyScheduled = errors.New("unit already scheduled")

// Kind tells whether a unit wraps a value-returning or side-effecting
// computation.
type Kind int

// Supported unit kinds.
const (
	KindCallable Kind = iota
	KindRunnable
)

func (k Kind) String() string {
	switch k {
	case KindCallable:
		return "callable"
	case KindRunnable:
		return "runnable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status is the lifecycle position of a unit.
type Status int

// Unit statuses in lifecycle order.
const (
	StatusPending Status = iota
	StatusScheduled
	StatusRunning
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusScheduled:
		return "scheduled"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Func is the body of a callable unit.
type Func func(ctx context.Context) (any, error)

// PanicError carries a panic recovered from a unit body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unit panicked: %v", e.Value)
}

// IsCanceled reports whether err represents cancellation rather than failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

var ids = idgen.New()

// Option customizes a Unit.
type Option func(*Unit)

// WithDescription labels the unit for views and logs.
func WithDescription(description string) Option {
	return func(u *Unit) {
		u.description = description
	}
}

// WithInner records the value the unit was built from, such as the task
// struct whose method is the body. Inner recovers it.
func WithInner(inner any) Option {
	return func(u *Unit) {
		u.inner = inner
	}
}

// WithID overrides the generated identifier.
func WithID(id uuid.UUID) Option {
	return func(u *Unit) {
		u.id = id
	}
}

// WithProgressOptions configures the unit's progress channel.
func WithProgressOptions(opts ...progress.ChannelOption) Option {
	return func(u *Unit) {
		u.progressOpts = append(u.progressOpts, opts...)
	}
}

// Unit is a unit of work tracked by pointer identity. Its result is set
// exactly once, by whichever of completion or cancellation gets there first.
type Unit struct {
	id           uuid.UUID
	description  string
	kind         Kind
	fn           Func
	inner        any
	progressOpts []progress.ChannelOption
	progress     *progress.Channel
	createdAt    time.Time

	mu         sync.Mutex
	status     Status
	cancel     context.CancelFunc
	canceled   bool
	value      any
	err        error
	startedAt  time.Time
	finishedAt time.Time
	callbacks  []func(*Unit)
	done       chan struct{}
}

// NewCallable wraps a value-returning computation.
func NewCallable(fn Func, opts ...Option) *Unit {
	return newUnit(KindCallable, fn, opts)
}

// NewRunnable wraps a side-effecting computation.
func NewRunnable(fn func(ctx context.Context) error, opts ...Option) *Unit {
	var body Func
	if fn != nil {
		body = func(ctx context.Context) (any, error) {
			return nil, fn(ctx)
		}
	}
	return newUnit(KindRunnable, body, opts)
}

func newUnit(kind Kind, fn Func, opts []Option) *Unit {
	u := &Unit{
		kind:      kind,
		fn:        fn,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.id == uuid.Nil {
		u.id = ids.MustRawID()
	}
	if u.description == "" {
		u.description = kind.String() + " " + u.id.String()[:8]
	}
	u.progress = progress.NewChannel(u.progressOpts...)
	u.progressOpts = nil
	return u
}

// ID returns the unit identifier.
func (u *Unit) ID() uuid.UUID { return u.id }

// Description returns the human-readable label.
func (u *Unit) Description() string { return u.description }

// Kind reports whether the unit is callable or runnable.
func (u *Unit) Kind() Kind { return u.kind }

// Progress returns the channel the body reports into.
func (u *Unit) Progress() *progress.Channel { return u.progress }

// CreatedAt returns the construction time.
func (u *Unit) CreatedAt() time.Time { return u.createdAt }

// Status returns the current lifecycle position.
func (u *Unit) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// Times returns when the body started and when the unit completed. Either is
// zero when the transition has not happened.
func (u *Unit) Times() (started, finished time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.startedAt, u.finishedAt
}

// MarkScheduled moves a pending unit to scheduled. It returns false when the
// unit was already scheduled, run or cancelled.
func (u *Unit) MarkScheduled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status != StatusPending {
		return false
	}
	u.status = StatusScheduled
	return true
}

// Run executes the body on the calling goroutine and completes the unit. The
// body is skipped when the unit was cancelled or parent is already done. The
// body's context carries the unit's progress handler; see
// progress.FromContext.
func (u *Unit) Run(parent context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	u.mu.Lock()
	if u.status == StatusDone || u.status == StatusRunning {
		u.mu.Unlock()
		return
	}
	if err := parent.Err(); err != nil {
		u.mu.Unlock()
		u.complete(nil, fmt.Errorf("unit not started: %w", context.Cause(parent)), false)
		return
	}
	ctx, cancel := context.WithCancel(progress.NewContext(parent, u.progress))
	u.cancel = cancel
	u.status = StatusRunning
	u.startedAt = time.Now()
	u.mu.Unlock()
	defer cancel()

	value, err := u.invoke(ctx)
	u.complete(value, err, false)
}

func (u *Unit) invoke(ctx context.Context) (value any, err error) {
	if u.fn == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return u.fn(ctx)
}

// Cancel requests cancellation. A pending or scheduled unit completes with
// context.Canceled without running; a running unit has its context cancelled
// and completes as cancelled immediately, discarding whatever the body later
// returns. Cancel reports whether it decided the outcome; it returns false
// for a unit that had already completed.
func (u *Unit) Cancel() bool {
	return u.complete(nil, context.Canceled, true)
}

// complete is the exactly-once gate on the unit's result. A cancelling
// completion also cancels the body's context if the body has started.
func (u *Unit) complete(value any, err error, canceled bool) bool {
	u.mu.Lock()
	if u.status == StatusDone {
		u.mu.Unlock()
		return false
	}
	u.status = StatusDone
	u.value = value
	u.err = err
	u.canceled = canceled
	u.finishedAt = time.Now()
	callbacks := u.callbacks
	u.callbacks = nil
	var stop context.CancelFunc
	if canceled {
		stop = u.cancel
	}
	close(u.done)
	u.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, fn := range callbacks {
		fn(u)
	}
	return true
}

// Done is closed once the unit has completed.
func (u *Unit) Done() <-chan struct{} { return u.done }

// Err returns the failure, context.Canceled for a cancelled unit, or nil.
// It is nil until the unit completes.
func (u *Unit) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Value returns the result of a callable unit, or nil.
func (u *Unit) Value() any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.value
}

// Canceled reports whether the unit completed through Cancel.
func (u *Unit) Canceled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.canceled
}

// Wait blocks until the unit completes or ctx ends, then returns the result.
func (u *Unit) Wait(ctx context.Context) (any, error) {
	select {
	case <-u.done:
		u.mu.Lock()
		defer u.mu.Unlock()
		return u.value, u.err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for unit %s: %w", u.id, ctx.Err())
	}
}

// OnComplete registers fn to run once the unit completes, on the goroutine
// that completes it. If the unit is already done, fn runs immediately.
func (u *Unit) OnComplete(fn func(*Unit)) {
	if fn == nil {
		return
	}
	u.mu.Lock()
	if u.status != StatusDone {
		u.callbacks = append(u.callbacks, fn)
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	fn(u)
}

// Inner returns the value recorded with WithInner when it has type T.
func Inner[T any](u *Unit) (T, bool) {
	v, ok := u.inner.(T)
	return v, ok
}
