package progress

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/dispatcher"
	"github.com/JakeFAU/taskwatch/internal/listeners"
)

// Indeterminate is the progress value reported while no fraction is known.
const Indeterminate = -1.0

// State is the status a unit of work reports about itself.
type State struct {
	Message  string
	Progress float64
}

// IsIndeterminate reports whether no progress fraction is known.
func (s State) IsIndeterminate() bool {
	return s.Progress < 0
}

// Handler is the write side of a Channel, handed to the work itself.
type Handler interface {
	SetMessage(message string)
	SetProgress(progress float64)
}

// Listener observes changes on a Channel.
type Listener interface {
	MessageChanged(message string)
	ProgressChanged(progress float64)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnMessage  func(message string)
	OnProgress func(progress float64)
}

// MessageChanged implements Listener.
func (f ListenerFuncs) MessageChanged(message string) {
	if f.OnMessage != nil {
		f.OnMessage(message)
	}
}

// ProgressChanged implements Listener.
func (f ListenerFuncs) ProgressChanged(progress float64) {
	if f.OnProgress != nil {
		f.OnProgress(progress)
	}
}

// ChannelOption customizes a Channel.
type ChannelOption func(*Channel)

// WithExecutor delivers listener notifications on exec instead of the
// writing goroutine.
func WithExecutor(exec dispatcher.Executor) ChannelOption {
	return func(c *Channel) {
		c.exec = exec
	}
}

// WithChannelLogger sets the logger used to report listener panics.
func WithChannelLogger(logger *zap.Logger) ChannelOption {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithInitialMessage sets the message reported before the work writes one.
func WithInitialMessage(message string) ChannelOption {
	return func(c *Channel) {
		c.state.Message = message
	}
}

// Channel is a thread-safe progress sink. Writes from any goroutine are
// totally ordered; listeners see changes in that order, and a value that
// equals the current one is not re-announced.
//
// Listeners delivered inline must not write to the same Channel.
type Channel struct {
	logger *zap.Logger
	exec   dispatcher.Executor

	mu       sync.Mutex
	notifyMu sync.Mutex
	hookMu   sync.Mutex
	state    State

	listeners listeners.Set[Listener]
	hooks     listeners.Set[func(State)]
}

// NewChannel creates a Channel in the indeterminate state.
func NewChannel(opts ...ChannelOption) *Channel {
	c := &Channel{
		logger: zap.NewNop(),
		state:  State{Progress: Indeterminate},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetMessage updates the message. An empty string clears it.
func (c *Channel) SetMessage(message string) {
	c.mu.Lock()
	if c.state.Message == message {
		c.mu.Unlock()
		return
	}
	c.state.Message = message
	targets := c.listeners.Snapshot()
	c.publish(func() {
		for _, l := range targets {
			c.safely("message_changed", func() { l.MessageChanged(message) })
		}
	})
	c.runHooks()
}

// SetProgress updates the progress fraction. Values are clamped to [-1, 1];
// any negative value means indeterminate.
func (c *Channel) SetProgress(progress float64) {
	progress = clamp(progress)
	c.mu.Lock()
	if c.state.Progress == progress {
		c.mu.Unlock()
		return
	}
	c.state.Progress = progress
	targets := c.listeners.Snapshot()
	c.publish(func() {
		for _, l := range targets {
			c.safely("progress_changed", func() { l.ProgressChanged(progress) })
		}
	})
	c.runHooks()
}

// State returns the last applied state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddListener registers l and returns a function that unregisters it.
func (c *Channel) AddListener(l Listener) (remove func()) {
	return c.listeners.Add(l)
}

// OnChange registers fn to run synchronously on the writing goroutine after
// every effective change, regardless of the configured executor. Hook calls
// are serialized and each receives the state current when it runs, so the
// last call after concurrent writes carries the last applied state. Hooks
// must not write to the same Channel.
func (c *Channel) OnChange(fn func(State)) (remove func()) {
	return c.hooks.Add(fn)
}

// publish hands deliver to the execution context in write order and
// releases c.mu. It must be called with c.mu held.
func (c *Channel) publish(deliver func()) {
	if c.exec != nil {
		c.exec.Execute(deliver)
		c.mu.Unlock()
		return
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()
	deliver()
}

func (c *Channel) runHooks() {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	s := c.State()
	for _, fn := range c.hooks.Snapshot() {
		c.safely("change_hook", func() { fn(s) })
	}
}

func (c *Channel) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("progress listener panicked",
				zap.String("event", event),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return Indeterminate
	case v > 1:
		return 1
	default:
		return v
	}
}

type handlerKey struct{}

type nopHandler struct{}

func (nopHandler) SetMessage(string) {}
func (nopHandler) SetProgress(float64) {}

// NewContext returns a copy of ctx carrying h.
func NewContext(ctx context.Context, h Handler) context.Context {
	return context.WithValue(ctx, handlerKey{}, h)
}

// FromContext returns the Handler carried by ctx, or one that discards
// every update.
func FromContext(ctx context.Context) Handler {
	if h, ok := ctx.Value(handlerKey{}).(Handler); ok && h != nil {
		return h
	}
	return nopHandler{}
}
