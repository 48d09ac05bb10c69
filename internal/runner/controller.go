package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/decision"
	"github.com/JakeFAU/taskwatch/internal/listeners"
	"github.com/JakeFAU/taskwatch/internal/task"
)

// Command names a control action.
type Command string

// Control commands.
const (
	CommandStart Command = "start"
	CommandPause Command = "pause"
	CommandStep  Command = "step"
	CommandStop  Command = "stop"
)

// ErrNoRunner is returned when a command is issued before SetRunner.
var ErrNoRunner = errors.New("no task runner attached")

// ErrCommandDisabled is returned for a command that is not currently enabled.
var ErrCommandDisabled = errors.New("command disabled")

// ErrUnknownCommand is returned by Do for names outside the command set.
var ErrUnknownCommand = errors.New("unknown command")

// Controls is the enablement of each command plus the pause toggle.
type Controls struct {
	Start  bool `json:"start"`
	Pause  bool `json:"pause"`
	Step   bool `json:"step"`
	Stop   bool `json:"stop"`
	Paused bool `json:"paused"`
}

// Enabled reports whether cmd may be issued.
func (c Controls) Enabled(cmd Command) bool {
	switch cmd {
	case CommandStart:
		return c.Start
	case CommandPause:
		return c.Pause
	case CommandStep:
		return c.Step
	case CommandStop:
		return c.Stop
	default:
		return false
	}
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger.
func WithControllerLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStopCoordinator routes Stop through coord, so a slow stop is presented
// on surface like any other long-running work. surface may be nil.
func WithStopCoordinator(coord *decision.Coordinator, cfg decision.Config, surface decision.Surface) ControllerOption {
	return func(c *Controller) {
		c.coord = coord
		c.stopCfg = cfg
		c.surface = surface
	}
}

// Controller is the command surface over a Runner that a presentation layer
// binds buttons or endpoints to. It tracks which commands make sense from
// the runner's listener callbacks.
type Controller struct {
	logger  *zap.Logger
	coord   *decision.Coordinator
	stopCfg decision.Config
	surface decision.Surface

	mu       sync.Mutex
	runner   *Runner
	detach   func()
	controls Controls

	watchers listeners.Set[func(Controls)]
}

// NewController returns a Controller with every command disabled.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetRunner attaches r, detaching any previous runner. A nil r disables
// every command.
func (c *Controller) SetRunner(r *Runner) {
	c.mu.Lock()
	if c.detach != nil {
		c.detach()
		c.detach = nil
	}
	c.runner = r
	if r == nil {
		c.controls = Controls{}
	} else {
		c.detach = r.AddListener(ListenerFuncs{
			OnPauseChanged: c.pauseChanged,
			OnFinished:     c.finished,
		})
		c.controls = Controls{Start: true, Step: true}
	}
	snapshot := c.controls
	c.mu.Unlock()
	c.notify(snapshot)
}

// Runner returns the attached runner.
func (c *Controller) Runner() *Runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runner
}

// Controls returns the current enablement.
func (c *Controller) Controls() Controls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controls
}

// Watch registers fn to receive every enablement change.
func (c *Controller) Watch(fn func(Controls)) (remove func()) {
	return c.watchers.Add(fn)
}

// Do issues cmd. The pause command toggles the pause flag.
func (c *Controller) Do(ctx context.Context, cmd Command) error {
	switch cmd {
	case CommandStart:
		return c.Start()
	case CommandPause:
		return c.TogglePause()
	case CommandStep:
		return c.SingleStep()
	case CommandStop:
		return c.Stop(ctx)
	default:
		return fmt.Errorf("%q: %w", cmd, ErrUnknownCommand)
	}
}

// Start starts the runner.
func (c *Controller) Start() error {
	r, err := c.begin(CommandStart)
	if err != nil {
		return err
	}
	r.Start()
	return nil
}

// SingleStep runs one step and pauses.
func (c *Controller) SingleStep() error {
	r, err := c.begin(CommandStep)
	if err != nil {
		return err
	}
	r.SingleStep()
	return nil
}

// TogglePause flips the pause flag.
func (c *Controller) TogglePause() error {
	c.mu.Lock()
	r := c.runner
	enabled := c.controls.Pause
	paused := !c.controls.Paused
	c.mu.Unlock()
	if r == nil {
		return ErrNoRunner
	}
	if !enabled {
		return fmt.Errorf("%s: %w", CommandPause, ErrCommandDisabled)
	}
	r.SetPaused(paused)
	return nil
}

// Stop stops the runner, interrupting the step in flight, and waits until it
// has stopped or ctx ends.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	r := c.runner
	enabled := c.controls.Stop
	c.mu.Unlock()
	if r == nil {
		return ErrNoRunner
	}
	if !enabled {
		return fmt.Errorf("%s: %w", CommandStop, ErrCommandDisabled)
	}
	if c.coord == nil {
		r.Stop(true)
		return nil
	}
	u := task.NewRunnable(func(context.Context) error {
		r.Stop(true)
		return nil
	}, task.WithDescription("stopping task runner"))
	cfg := c.stopCfg
	if cfg.Title == "" {
		cfg.Title = "Stopping"
	}
	if _, err := c.coord.RunWithSurface(context.WithoutCancel(ctx), u, cfg, c.surface); err != nil {
		return fmt.Errorf("stop task runner: %w", err)
	}
	if _, err := u.Wait(ctx); err != nil {
		return fmt.Errorf("stop task runner: %w", err)
	}
	return nil
}

// begin checks that cmd is enabled and flips the controls to the running
// layout before the command is issued.
func (c *Controller) begin(cmd Command) (*Runner, error) {
	c.mu.Lock()
	r := c.runner
	if r == nil {
		c.mu.Unlock()
		return nil, ErrNoRunner
	}
	if !c.controls.Enabled(cmd) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", cmd, ErrCommandDisabled)
	}
	c.controls.Start = false
	c.controls.Pause = true
	c.controls.Stop = true
	snapshot := c.controls
	c.mu.Unlock()
	c.logger.Debug("issuing runner command", zap.String("command", string(cmd)))
	c.notify(snapshot)
	return r, nil
}

func (c *Controller) pauseChanged(paused bool) {
	c.mu.Lock()
	c.controls.Paused = paused
	snapshot := c.controls
	c.mu.Unlock()
	c.notify(snapshot)
}

func (c *Controller) finished() {
	c.mu.Lock()
	c.controls = Controls{Start: true, Step: true}
	snapshot := c.controls
	c.mu.Unlock()
	c.notify(snapshot)
}

func (c *Controller) notify(snapshot Controls) {
	for _, fn := range c.watchers.Snapshot() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					c.logger.Error("controls watcher panicked", zap.Any("panic", rec))
				}
			}()
			fn(snapshot)
		}()
	}
}
